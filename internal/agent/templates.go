package agent

import "time"

// Template is the per-type baseline an agent is created from.
type Template struct {
	Type               Type           `json:"type"`
	Description        string         `json:"description"`
	Capabilities       []string       `json:"capabilities"`
	MaxConcurrentTasks int            `json:"max_concurrent_tasks"`
	ResourceLimits     ResourceLimits `json:"resource_limits"`
}

// Templates maps agent types to templates.
type Templates map[Type]Template

func (t Templates) Template(typ Type) (Template, bool) {
	tpl, ok := t[typ]
	return tpl, ok
}

func limits(memMB int, cpu time.Duration, diskMB, netKBps, files int, timeout time.Duration, conc int) ResourceLimits {
	return ResourceLimits{
		MaxMemoryMB:      memMB,
		MaxCPUTime:       cpu,
		MaxDiskMB:        diskMB,
		MaxNetworkKBps:   netKBps,
		MaxFileHandles:   files,
		ExecutionTimeout: timeout,
		MaxConcurrency:   conc,
	}
}

// DefaultTemplates returns the builtin template of every agent type.
func DefaultTemplates() Templates {
	return Templates{
		TypeResearch: {
			Type:               TypeResearch,
			Description:        "Searches, compares and summarizes sources",
			Capabilities:       []string{"search", "analyze", "summarize", "compare"},
			MaxConcurrentTasks: 3,
			ResourceLimits:     limits(512, 5*time.Minute, 1024, 2048, 128, 10*time.Minute, 3),
		},
		TypeArchitect: {
			Type:               TypeArchitect,
			Description:        "Designs systems and plans implementation",
			Capabilities:       []string{"design", "plan", "review-architecture", "create-diagrams"},
			MaxConcurrentTasks: 2,
			ResourceLimits:     limits(512, 10*time.Minute, 512, 512, 64, 15*time.Minute, 2),
		},
		TypeImplementation: {
			Type:               TypeImplementation,
			Description:        "Writes, executes and refactors code",
			Capabilities:       []string{"code", "execute", "refactor", "integrate"},
			MaxConcurrentTasks: 2,
			ResourceLimits:     limits(1024, 15*time.Minute, 4096, 1024, 256, 30*time.Minute, 2),
		},
		TypeTesting: {
			Type:               TypeTesting,
			Description:        "Runs tests, benchmarks and reports issues",
			Capabilities:       []string{"test", "validate", "benchmark", "report-issues"},
			MaxConcurrentTasks: 4,
			ResourceLimits:     limits(1024, 15*time.Minute, 2048, 512, 256, 20*time.Minute, 4),
		},
		TypeReview: {
			Type:               TypeReview,
			Description:        "Reviews code and architecture",
			Capabilities:       []string{"review-code", "review-architecture", "provide-feedback", "suggest-improvements"},
			MaxConcurrentTasks: 3,
			ResourceLimits:     limits(512, 5*time.Minute, 512, 512, 64, 10*time.Minute, 3),
		},
		TypeDocumentation: {
			Type:               TypeDocumentation,
			Description:        "Writes and maintains documentation",
			Capabilities:       []string{"write-docs", "update-docs", "create-examples", "explain"},
			MaxConcurrentTasks: 3,
			ResourceLimits:     limits(256, 5*time.Minute, 512, 256, 64, 10*time.Minute, 3),
		},
		TypeDebugger: {
			Type:               TypeDebugger,
			Description:        "Troubleshoots failures and suggests fixes",
			Capabilities:       []string{"debug", "troubleshoot", "analyze-logs", "suggest-fixes"},
			MaxConcurrentTasks: 2,
			ResourceLimits:     limits(1024, 10*time.Minute, 1024, 512, 128, 20*time.Minute, 2),
		},
	}
}

// build merges a configuration over a template. Caller capabilities are
// added to the template's; nonzero limits override field by field.
func (t Template) build(cfg Configuration) *Agent {
	a := &Agent{
		Name:               cfg.Name,
		Type:               t.Type,
		Version:            cfg.Version,
		Capabilities:       appendUnique(append([]string(nil), t.Capabilities...), cfg.Capabilities...),
		MaxConcurrentTasks: t.MaxConcurrentTasks,
		ResourceLimits:     t.ResourceLimits.Merge(cfg.ResourceLimits),
		Performance:        []PerformanceMetrics{},
		CurrentTasks:       []string{},
		Learning:           newLearningData(),
	}
	if cfg.MaxConcurrentTasks > 0 {
		a.MaxConcurrentTasks = cfg.MaxConcurrentTasks
	}
	if a.MaxConcurrentTasks <= 0 {
		a.MaxConcurrentTasks = 1
	}
	if a.Version == "" {
		a.Version = "1.0.0"
	}
	return a
}
