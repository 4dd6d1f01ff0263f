package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	TemplatesAdded   []string
	TemplatesRemoved []string
	TemplatesChanged []string

	LifecycleChanged bool
	NewLifecycle     LifecycleConfig

	SessionsChanged bool
	NewSessions     SessionsConfig

	LogChanged bool
	NewLog     LogConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.TemplatesAdded) > 0 ||
		len(d.TemplatesRemoved) > 0 ||
		len(d.TemplatesChanged) > 0 ||
		d.LifecycleChanged ||
		d.SessionsChanged ||
		d.LogChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for name := range new.Templates {
		if _, ok := old.Templates[name]; !ok {
			d.TemplatesAdded = append(d.TemplatesAdded, name)
		}
	}
	for name := range old.Templates {
		if _, ok := new.Templates[name]; !ok {
			d.TemplatesRemoved = append(d.TemplatesRemoved, name)
		}
	}
	for name, newDef := range new.Templates {
		if oldDef, ok := old.Templates[name]; ok {
			if !reflect.DeepEqual(oldDef, newDef) {
				d.TemplatesChanged = append(d.TemplatesChanged, name)
			}
		}
	}

	if !reflect.DeepEqual(old.Lifecycle, new.Lifecycle) {
		d.LifecycleChanged = true
		d.NewLifecycle = new.Lifecycle
	}

	if !reflect.DeepEqual(old.Sessions, new.Sessions) {
		d.SessionsChanged = true
		d.NewSessions = new.Sessions
	}

	if old.Log != new.Log {
		d.LogChanged = true
		d.NewLog = new.Log
	}

	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Checkpoints != new.Checkpoints {
		d.NonReloadable = append(d.NonReloadable, "checkpoints")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}

	return d
}
