package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/scheduler"
)

// Publisher receives lifecycle notifications.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

type TemplateSource interface {
	Template(t Type) (Template, bool)
}

type Options struct {
	Config    config.LifecycleConfig
	Storage   Storage
	Publisher Publisher
	Templates TemplateSource
	Sampler   Sampler
}

type tracked struct {
	agent      *Agent
	queue      *LearningQueue
	lastHealth *HealthCheckResult
	restarting bool
	dirty      bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// Manager owns the set of active agents: their health checks, corrective
// actions and learning pipeline.
type Manager struct {
	cfg       config.LifecycleConfig
	storage   Storage
	pub       Publisher
	templates TemplateSource
	sampler   Sampler
	sched     *scheduler.Scheduler

	agents map[string]*tracked
	closed bool
	mu     sync.RWMutex

	// persistMu orders writes to storage so a slower save never overwrites
	// a newer one.
	persistMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const (
	jobSweep      = "health-sweep"
	jobDrain      = "learning-drain"
	jobCompaction = "metrics-compaction"
)

func healthJob(agentID string) string {
	return "health:" + agentID
}

func NewManager(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       withDefaults(opts.Config),
		storage:   opts.Storage,
		pub:       opts.Publisher,
		templates: opts.Templates,
		sampler:   opts.Sampler,
		sched:     scheduler.New(),
		agents:    make(map[string]*tracked),
		ctx:       ctx,
		cancel:    cancel,
	}
	if m.templates == nil {
		m.templates = DefaultTemplates()
	}
	if m.sampler == nil {
		m.sampler = NewRuntimeSampler()
	}
	return m
}

func withDefaults(cfg config.LifecycleConfig) config.LifecycleConfig {
	def := config.Defaults().Lifecycle
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.LearningDrainInterval <= 0 {
		cfg.LearningDrainInterval = def.LearningDrainInterval
	}
	if cfg.CompactionInterval <= 0 {
		cfg.CompactionInterval = def.CompactionInterval
	}
	if cfg.RestartGrace <= 0 {
		cfg.RestartGrace = def.RestartGrace
	}
	if cfg.PerformanceHistory <= 0 {
		cfg.PerformanceHistory = def.PerformanceHistory
	}
	if cfg.CompactTo <= 0 {
		cfg.CompactTo = def.CompactTo
	}
	if cfg.Thresholds == (config.HealthThresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	return cfg
}

// Initialize loads persisted agents and starts the periodic jobs.
func (m *Manager) Initialize(ctx context.Context) error {
	n := 0
	if m.storage != nil {
		agents, err := m.storage.ListAgents(ctx)
		if err != nil {
			return fmt.Errorf("load agents: %w", err)
		}
		for _, a := range agents {
			// A restart interrupted by a shutdown is finished here.
			if a.Status == StatusMaintenance && !a.Paused {
				a.Status = a.idleOrBusy()
			}
			if a.Learning.SuccessPatterns == nil || a.Learning.FailurePatterns == nil {
				a.Learning = a.Learning.clone()
			}
			m.register(a)
			n++
		}
	}

	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	m.sched.Add(scheduler.Job{Name: jobSweep, Interval: cfg.SweepInterval, Run: m.sweep})
	m.sched.Add(scheduler.Job{Name: jobDrain, Interval: cfg.LearningDrainInterval, Run: m.drainOnce})
	m.sched.Add(scheduler.Job{Name: jobCompaction, Interval: cfg.CompactionInterval, Run: m.compactOnce})
	m.sched.Start(m.ctx)

	slog.Info("agent lifecycle manager initialized", "agents", n)
	return nil
}

// Shutdown stops every timer, folds the remaining learning events and
// writes all agents to storage.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.sched.Stop()
	m.cancel()
	m.wg.Wait()

	m.mu.RLock()
	ids := make([]string, 0, len(m.agents))
	queues := make([]*LearningQueue, 0, len(m.agents))
	for id, t := range m.agents {
		ids = append(ids, id)
		queues = append(queues, t.queue)
	}
	m.mu.RUnlock()

	for _, q := range queues {
		for ev, ok := q.Dequeue(); ok; ev, ok = q.Dequeue() {
			if ev.applied {
				continue
			}
			if err := m.ProcessLearningEvent(ctx, ev); err != nil {
				slog.Warn("learning event dropped on shutdown", "agent", q.agentID, "error", err)
			}
		}
	}

	var failed int
	for _, id := range ids {
		if err := m.save(ctx, id); err != nil {
			failed++
		}
	}
	slog.Info("agent lifecycle manager stopped", "agents", len(ids), "persist_failures", failed)
	if failed > 0 {
		return fmt.Errorf("persist %d agents on shutdown", failed)
	}
	return nil
}

// UpdateConfig applies reloaded lifecycle settings to the running timers.
func (m *Manager) UpdateConfig(cfg config.LifecycleConfig) {
	cfg = withDefaults(cfg)

	m.mu.Lock()
	m.cfg = cfg
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.sched.UpdateInterval(jobSweep, cfg.SweepInterval)
	m.sched.UpdateInterval(jobDrain, cfg.LearningDrainInterval)
	m.sched.UpdateInterval(jobCompaction, cfg.CompactionInterval)
	for _, id := range ids {
		m.sched.UpdateInterval(healthJob(id), cfg.HealthCheckInterval)
	}
	slog.Info("lifecycle config reloaded", "health_interval", cfg.HealthCheckInterval, "sweep_interval", cfg.SweepInterval)
}

// CreateAgent builds an agent from its type template, persists it and starts
// its health checks.
func (m *Manager) CreateAgent(ctx context.Context, cfg Configuration) (*Agent, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("create agent: %w", ErrUnavailable)
	}

	tpl, ok := m.templates.Template(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoTemplate, cfg.Type)
	}

	a := tpl.build(cfg)
	a.ID = uuid.New().String()
	if a.Name == "" {
		a.Name = fmt.Sprintf("%s-%s", a.Type, a.ID[:8])
	}
	now := time.Now()
	a.Status = StatusIdle
	a.CreatedAt = now
	a.LastActiveAt = now

	if m.storage != nil {
		if err := m.storage.SaveAgent(ctx, a); err != nil {
			return nil, fmt.Errorf("save agent: %w", err)
		}
	}
	m.register(a.Clone())

	slog.Info("agent created", "agent", a.ID, "type", a.Type, "name", a.Name)
	m.publish(a.ID, "agent_created", map[string]any{
		"name":         a.Name,
		"agent_type":   a.Type,
		"capabilities": a.Capabilities,
	})
	return a, nil
}

func (m *Manager) register(a *Agent) {
	ctx, cancel := context.WithCancel(m.ctx)

	m.mu.Lock()
	m.agents[a.ID] = &tracked{
		agent:  a,
		queue:  NewLearningQueue(a.ID),
		ctx:    ctx,
		cancel: cancel,
	}
	interval := m.cfg.HealthCheckInterval
	m.mu.Unlock()

	id := a.ID
	m.sched.Add(scheduler.Job{
		Name:     healthJob(id),
		Interval: interval,
		Run:      func(ctx context.Context) { m.checkAgent(ctx, id, false) },
	})
}

// RetireAgent stops supervising an agent and archives it.
func (m *Manager) RetireAgent(ctx context.Context, id, reason string) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	t, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.agents, id)
	final := t.agent.Clone()
	m.mu.Unlock()

	m.sched.Remove(healthJob(id))
	t.cancel()

	if m.storage != nil {
		if err := m.storage.SaveAgent(ctx, final); err != nil {
			slog.Error("failed to save retiring agent", "agent", id, "error", err)
		}
		if err := m.storage.ArchiveAgent(ctx, id, reason); err != nil {
			return fmt.Errorf("archive agent: %w", err)
		}
	}

	slog.Info("agent retired", "agent", id, "reason", reason, "dropped_events", t.queue.Unprocessed())
	m.publish(id, "agent_retired", map[string]any{"reason": reason})
	return nil
}

func (m *Manager) GetAgent(id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.agent.Clone(), nil
}

// ListAgents returns copies of all active agents, oldest first.
func (m *Manager) ListAgents() []*Agent {
	m.mu.RLock()
	out := make([]*Agent, 0, len(m.agents))
	for _, t := range m.agents {
		out = append(out, t.agent.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// LastHealth returns the most recent health check of an agent.
func (m *Manager) LastHealth(id string) (*HealthCheckResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.agents[id]
	if !ok || t.lastHealth == nil {
		return nil, false
	}
	return cloneResult(t.lastHealth), true
}

type SystemHealth struct {
	TotalAgents           int                  `json:"total_agents"`
	ActiveAgents          int                  `json:"active_agents"`
	HealthyAgents         int                  `json:"healthy_agents"`
	HealthRate            float64              `json:"health_rate"`
	StatusDistribution    map[Status]int       `json:"status_distribution"`
	HealthDistribution    map[HealthStatus]int `json:"health_distribution"`
	PendingLearningEvents int                  `json:"pending_learning_events"`
}

// GetSystemHealth aggregates the active set. Agents not yet checked count as
// healthy; agents in maintenance are not active.
func (m *Manager) GetSystemHealth() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := SystemHealth{
		TotalAgents:        len(m.agents),
		StatusDistribution: make(map[Status]int),
		HealthDistribution: make(map[HealthStatus]int),
	}
	for _, t := range m.agents {
		h.StatusDistribution[t.agent.Status]++
		if t.agent.Status != StatusMaintenance {
			h.ActiveAgents++
		}
		status := HealthHealthy
		if t.lastHealth != nil {
			status = t.lastHealth.Status
		}
		h.HealthDistribution[status]++
		if status == HealthHealthy {
			h.HealthyAgents++
		}
		h.PendingLearningEvents += t.queue.Unprocessed()
	}
	if h.TotalAgents > 0 {
		h.HealthRate = float64(h.HealthyAgents) / float64(h.TotalAgents) * 100
	}
	return h
}

// save writes the current state of an agent. Agents no longer tracked are
// skipped so a late save cannot resurrect a retired agent.
func (m *Manager) save(ctx context.Context, id string) error {
	if m.storage == nil {
		return nil
	}

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	t, ok := m.agents[id]
	var snap *Agent
	if ok {
		snap = t.agent.Clone()
	}
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	err := m.storage.SaveAgent(ctx, snap)

	m.mu.Lock()
	if t, ok := m.agents[id]; ok {
		t.dirty = err != nil
	}
	m.mu.Unlock()

	if err != nil {
		slog.Error("failed to persist agent", "agent", id, "error", err)
		return err
	}
	return nil
}

func (m *Manager) publish(agentID, eventType string, data map[string]any) {
	if m.pub == nil {
		return
	}
	event := map[string]any{
		"type":      eventType,
		"agent_id":  agentID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	if err := m.pub.PublishJSON(natsbus.TopicEventsAgent(agentID), event); err != nil {
		slog.Debug("publish agent event failed", "agent", agentID, "type", eventType, "error", err)
	}
}

func cloneResult(r *HealthCheckResult) *HealthCheckResult {
	c := *r
	c.Issues = slices.Clone(r.Issues)
	c.Recommendations = slices.Clone(r.Recommendations)
	return &c
}
