package agent

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound         = errors.New("agent not found")
	ErrCapacityExceeded = errors.New("agent at capacity")
	ErrNoTemplate       = errors.New("no template for agent type")
	ErrUnavailable      = errors.New("agent unavailable")
)

type Type string

const (
	TypeResearch       Type = "research"
	TypeArchitect      Type = "architect"
	TypeImplementation Type = "implementation"
	TypeTesting        Type = "testing"
	TypeReview         Type = "review"
	TypeDocumentation  Type = "documentation"
	TypeDebugger       Type = "debugger"
)

// Types lists every agent type in a stable order.
var Types = []Type{
	TypeResearch,
	TypeArchitect,
	TypeImplementation,
	TypeTesting,
	TypeReview,
	TypeDocumentation,
	TypeDebugger,
}

func (t Type) Valid() bool {
	return slices.Contains(Types, t)
}

type Status string

const (
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusMaintenance Status = "maintenance"
)

type ResourceLimits struct {
	MaxMemoryMB      int           `json:"max_memory_mb"`
	MaxCPUTime       time.Duration `json:"max_cpu_time"`
	MaxDiskMB        int           `json:"max_disk_mb"`
	MaxNetworkKBps   int           `json:"max_network_kbps"`
	MaxFileHandles   int           `json:"max_file_handles"`
	ExecutionTimeout time.Duration `json:"execution_timeout"`
	MaxConcurrency   int           `json:"max_concurrency"`
}

// Merge returns l with every nonzero field of o applied over it.
func (l ResourceLimits) Merge(o ResourceLimits) ResourceLimits {
	if o.MaxMemoryMB > 0 {
		l.MaxMemoryMB = o.MaxMemoryMB
	}
	if o.MaxCPUTime > 0 {
		l.MaxCPUTime = o.MaxCPUTime
	}
	if o.MaxDiskMB > 0 {
		l.MaxDiskMB = o.MaxDiskMB
	}
	if o.MaxNetworkKBps > 0 {
		l.MaxNetworkKBps = o.MaxNetworkKBps
	}
	if o.MaxFileHandles > 0 {
		l.MaxFileHandles = o.MaxFileHandles
	}
	if o.ExecutionTimeout > 0 {
		l.ExecutionTimeout = o.ExecutionTimeout
	}
	if o.MaxConcurrency > 0 {
		l.MaxConcurrency = o.MaxConcurrency
	}
	return l
}

// PerformanceMetrics is one task outcome sample.
type PerformanceMetrics struct {
	Timestamp     time.Time     `json:"timestamp"`
	TaskID        string        `json:"task_id,omitempty"`
	TaskType      string        `json:"task_type,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	Quality       float64       `json:"quality"`
	Success       bool          `json:"success"`
}

type Agent struct {
	ID                 string               `json:"id"`
	Name               string               `json:"name"`
	Type               Type                 `json:"type"`
	Version            string               `json:"version"`
	Status             Status               `json:"status"`
	Paused             bool                 `json:"paused,omitempty"`
	Capabilities       []string             `json:"capabilities"`
	MaxConcurrentTasks int                  `json:"max_concurrent_tasks"`
	ResourceLimits     ResourceLimits       `json:"resource_limits"`
	Performance        []PerformanceMetrics `json:"performance"`
	CreatedAt          time.Time            `json:"created_at"`
	LastActiveAt       time.Time            `json:"last_active_at"`
	CurrentTasks       []string             `json:"current_tasks"`
	Learning           LearningData         `json:"learning"`
}

// Configuration is the caller's request for a new agent. Zero fields fall
// back to the type template.
type Configuration struct {
	Name               string         `json:"name,omitempty"`
	Type               Type           `json:"type"`
	Version            string         `json:"version,omitempty"`
	Capabilities       []string       `json:"capabilities,omitempty"`
	MaxConcurrentTasks int            `json:"max_concurrent_tasks,omitempty"`
	ResourceLimits     ResourceLimits `json:"resource_limits"`
}

// HasCapability reports whether the agent lists capability c.
func (a *Agent) HasCapability(c string) bool {
	return slices.Contains(a.Capabilities, c)
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	c.Performance = slices.Clone(a.Performance)
	c.CurrentTasks = slices.Clone(a.CurrentTasks)
	c.Learning = a.Learning.clone()
	return &c
}

// idleOrBusy is the status an available agent should have given its current
// assignments.
func (a *Agent) idleOrBusy() Status {
	if len(a.CurrentTasks) > 0 {
		return StatusBusy
	}
	return StatusIdle
}

func (a *Agent) errorRate(window int) float64 {
	samples := a.Performance
	if window > 0 && len(samples) > window {
		samples = samples[len(samples)-window:]
	}
	if len(samples) == 0 {
		return 0
	}
	failed := 0
	for _, s := range samples {
		if !s.Success {
			failed++
		}
	}
	return float64(failed) / float64(len(samples))
}

func appendUnique(dst []string, items ...string) []string {
	for _, it := range items {
		if it != "" && !slices.Contains(dst, it) {
			dst = append(dst, it)
		}
	}
	return dst
}
