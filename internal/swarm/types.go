package swarm

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrInvalidConfig     = errors.New("invalid session config")
	ErrInvalidTask       = errors.New("invalid task")
	ErrInactive          = errors.New("session not active")
	ErrUnavailable       = errors.New("session manager is shut down")
)

type Topology string

const (
	TopologyHierarchical Topology = "hierarchical"
	TopologyMesh         Topology = "mesh"
	TopologyStar         Topology = "star"
	TopologyDynamic      Topology = "dynamic"
)

func (t Topology) Valid() bool {
	switch t {
	case TopologyHierarchical, TopologyMesh, TopologyStar, TopologyDynamic:
		return true
	}
	return false
}

// hasCoordinator reports whether the topology routes through one agent.
func (t Topology) hasCoordinator() bool {
	return t == TopologyHierarchical || t == TopologyStar
}

type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusActive        Status = "active"
	StatusCheckpointing Status = "checkpointing"
	StatusPaused        Status = "paused"
	StatusResuming      Status = "resuming"
	StatusTerminated    Status = "terminated"
)

var transitions = map[Status][]Status{
	StatusInitializing:  {StatusActive},
	StatusActive:        {StatusCheckpointing, StatusPaused, StatusTerminated, StatusResuming},
	StatusCheckpointing: {StatusActive, StatusPaused, StatusTerminated},
	StatusPaused:        {StatusResuming, StatusTerminated},
	StatusResuming:      {StatusActive},
	StatusTerminated:    nil,
}

func canTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

type Task struct {
	ID           string            `json:"id"`
	Description  string            `json:"description"`
	Type         string            `json:"type,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	Status       TaskStatus        `json:"status"`
	AssignedTo   string            `json:"assigned_to,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Config is the per-session policy. It does not change after creation.
type Config struct {
	MaxAgents          int           `json:"max_agents"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
	CheckpointInterval time.Duration `json:"checkpoint_interval"`
	CheckpointSchedule string        `json:"checkpoint_schedule,omitempty"`
	AutoCheckpoint     bool          `json:"auto_checkpoint"`
	PersistToDisk      bool          `json:"persist_to_disk"`
	MaxCheckpoints     int           `json:"max_checkpoints"`
	Timeout            time.Duration `json:"timeout,omitempty"`
}

// DefaultConfig converts the configured session defaults.
func DefaultConfig(c config.SessionsConfig) Config {
	return Config{
		MaxAgents:          c.MaxAgents,
		MaxConcurrentTasks: c.MaxConcurrentTasks,
		CheckpointInterval: c.CheckpointInterval,
		CheckpointSchedule: c.CheckpointSchedule,
		AutoCheckpoint:     c.AutoCheckpoint,
		PersistToDisk:      c.PersistToDisk,
		MaxCheckpoints:     c.MaxCheckpoints,
		Timeout:            c.Timeout,
	}
}

// mergeConfig fills the zero fields of a supplied config from defaults.
// Booleans are taken as given. MaxAgents must be set explicitly.
func mergeConfig(cfg *Config, def Config) (Config, error) {
	if cfg == nil {
		return def, nil
	}
	out := *cfg
	if out.MaxAgents <= 0 {
		return Config{}, fmt.Errorf("%w: max_agents must be positive, got %d", ErrInvalidConfig, out.MaxAgents)
	}
	if out.MaxConcurrentTasks <= 0 {
		out.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if out.CheckpointInterval <= 0 {
		out.CheckpointInterval = def.CheckpointInterval
	}
	if out.MaxCheckpoints <= 0 {
		out.MaxCheckpoints = def.MaxCheckpoints
	}
	if out.Timeout < 0 {
		return Config{}, fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	return out, nil
}

type Checkpoint struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	CreatedAt time.Time         `json:"created_at"`
	Reason    string            `json:"reason"`
	State     *SessionState     `json:"state"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Session is a unit of orchestrated multi-agent work.
type Session struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"project_id"`
	Name           string            `json:"name"`
	Topology       Topology          `json:"topology"`
	Status         Status            `json:"status"`
	AgentIDs       []string          `json:"agent_ids"`
	CoordinatorID  string            `json:"coordinator_id,omitempty"`
	State          *SessionState     `json:"state"`
	Checkpoints    []*Checkpoint     `json:"-"`
	TasksCompleted int               `json:"tasks_completed"`
	TasksTotal     int               `json:"tasks_total"`
	StartedAt      time.Time         `json:"started_at"`
	LastActiveAt   time.Time         `json:"last_active_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	Config         Config            `json:"config"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Summary is the listing view of a session.
type Summary struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	Name           string    `json:"name"`
	Topology       Topology  `json:"topology"`
	Status         Status    `json:"status"`
	Agents         int       `json:"agents"`
	TasksCompleted int       `json:"tasks_completed"`
	TasksTotal     int       `json:"tasks_total"`
	StartedAt      time.Time `json:"started_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
}

func (s *Session) summary() Summary {
	return Summary{
		ID:             s.ID,
		ProjectID:      s.ProjectID,
		Name:           s.Name,
		Topology:       s.Topology,
		Status:         s.Status,
		Agents:         len(s.AgentIDs),
		TasksCompleted: s.TasksCompleted,
		TasksTotal:     s.TasksTotal,
		StartedAt:      s.StartedAt,
		LastActiveAt:   s.LastActiveAt,
	}
}

type Stats struct {
	SessionID      string        `json:"session_id"`
	Status         Status        `json:"status"`
	Uptime         time.Duration `json:"uptime"`
	ActiveAgents   int           `json:"active_agents"`
	ActiveTasks    int           `json:"active_tasks"`
	QueuedTasks    int           `json:"queued_tasks"`
	CompletedTasks int           `json:"completed_tasks"`
	FailedTasks    int           `json:"failed_tasks"`
	TasksTotal     int           `json:"tasks_total"`
	SuccessRate    float64       `json:"success_rate"`
	Checkpoints    int           `json:"checkpoints"`
}
