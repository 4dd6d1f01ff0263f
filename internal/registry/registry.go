package registry

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/config"
)

// Registry serves agent templates: the builtin template of every type with
// the config file's overrides applied on top.
type Registry struct {
	mu        sync.RWMutex
	templates agent.Templates
	overrides map[string]config.TemplateConfig
}

func New(overrides map[string]config.TemplateConfig) *Registry {
	r := &Registry{}
	r.Update(overrides)
	return r
}

// Update rebuilds the templates from a new set of overrides.
func (r *Registry) Update(overrides map[string]config.TemplateConfig) {
	templates := agent.DefaultTemplates()
	for name, o := range overrides {
		typ := agent.Type(name)
		tpl, ok := templates[typ]
		if !ok {
			slog.Warn("ignoring template override for unknown agent type", "type", name)
			continue
		}
		templates[typ] = apply(tpl, o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates = templates
	r.overrides = overrides
}

func apply(tpl agent.Template, o config.TemplateConfig) agent.Template {
	if o.Description != "" {
		tpl.Description = o.Description
	}
	if len(o.Capabilities) > 0 {
		tpl.Capabilities = slices.Clone(o.Capabilities)
	}
	if o.MaxConcurrentTasks > 0 {
		tpl.MaxConcurrentTasks = o.MaxConcurrentTasks
	}
	tpl.ResourceLimits = tpl.ResourceLimits.Merge(agent.ResourceLimits{
		MaxMemoryMB:      o.ResourceLimits.MaxMemoryMB,
		MaxCPUTime:       o.ResourceLimits.MaxCPUTime,
		MaxDiskMB:        o.ResourceLimits.MaxDiskMB,
		MaxNetworkKBps:   o.ResourceLimits.MaxNetworkKBps,
		MaxFileHandles:   o.ResourceLimits.MaxFileHandles,
		ExecutionTimeout: o.ResourceLimits.ExecutionTimeout,
		MaxConcurrency:   o.ResourceLimits.MaxConcurrency,
	})
	return tpl
}

func (r *Registry) Template(t agent.Type) (agent.Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.templates[t]
	if ok {
		tpl.Capabilities = slices.Clone(tpl.Capabilities)
	}
	return tpl, ok
}

// List returns every template in agent type order.
func (r *Registry) List() []agent.Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]agent.Template, 0, len(r.templates))
	for _, t := range agent.Types {
		if tpl, ok := r.templates[t]; ok {
			tpl.Capabilities = slices.Clone(tpl.Capabilities)
			out = append(out, tpl)
		}
	}
	return out
}

// Overridden reports whether the config file customizes a type.
func (r *Registry) Overridden(t agent.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.overrides[string(t)]
	return ok
}

func (r *Registry) Descriptions() map[agent.Type]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descs := make(map[agent.Type]string, len(r.templates))
	for t, tpl := range r.templates {
		descs[t] = tpl.Description
	}
	return descs
}
