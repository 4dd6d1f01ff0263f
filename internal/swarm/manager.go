package swarm

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/scheduler"
)

// CheckpointStore persists serialized sessions and their checkpoints.
// Read methods return nil without error when nothing is stored.
type CheckpointStore interface {
	WriteSession(ctx context.Context, sessionID string, summary []byte) error
	ReadSession(ctx context.Context, sessionID string) ([]byte, error)
	ListSessions(ctx context.Context) ([]string, error)
	WriteCheckpoint(ctx context.Context, sessionID, checkpointID string, state []byte) error
	ReadCheckpoints(ctx context.Context, sessionID string) ([][]byte, error)
	PruneCheckpoints(ctx context.Context, sessionID string, keep int) error
}

type Publisher interface {
	PublishJSON(topic string, v any) error
}

type Options struct {
	Defaults  config.SessionsConfig
	Store     CheckpointStore
	Publisher Publisher
}

type entry struct {
	session *Session

	// inflight counts checkpoints between snapshot and persistence.
	inflight int
	dirty    bool
	pending  []*Checkpoint

	gen          uint64
	autoTimer    *time.Timer
	timeoutTimer *time.Timer

	persistMu sync.Mutex
}

// Manager owns the in-memory sessions, their timers and persistence.
type Manager struct {
	store CheckpointStore
	pub   Publisher
	sched *scheduler.Scheduler

	mu       sync.RWMutex
	defaults config.SessionsConfig
	sessions map[string]*entry
	closed   bool

	loadMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const jobReap = "session-reaper"

func NewManager(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    opts.Store,
		pub:      opts.Publisher,
		sched:    scheduler.New(),
		defaults: sessionDefaults(opts.Defaults),
		sessions: make(map[string]*entry),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func sessionDefaults(c config.SessionsConfig) config.SessionsConfig {
	def := config.Defaults().Sessions
	if c.MaxAgents <= 0 {
		c.MaxAgents = def.MaxAgents
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = def.CheckpointInterval
	}
	if c.MaxCheckpoints <= 0 {
		c.MaxCheckpoints = def.MaxCheckpoints
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = def.ReapInterval
	}
	return c
}

// Initialize reloads persisted active sessions, re-arming their timers, and
// starts the reaper. Paused and terminated sessions are loaded on first use.
func (m *Manager) Initialize(ctx context.Context) error {
	n := 0
	if m.store != nil {
		ids, err := m.store.ListSessions(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		for _, id := range ids {
			s, err := m.readSession(ctx, id)
			if err != nil {
				slog.Error("failed to read session", "session", id, "error", err)
				continue
			}
			if s == nil || s.Status != StatusActive {
				continue
			}
			if _, err := m.get(ctx, id); err != nil {
				slog.Error("failed to load session", "session", id, "error", err)
				continue
			}
			n++
		}
	}

	m.mu.RLock()
	interval := m.defaults.ReapInterval
	m.mu.RUnlock()
	m.sched.Add(scheduler.Job{Name: jobReap, Interval: interval, Run: m.reap})
	m.sched.Start(m.ctx)

	slog.Info("session manager initialized", "active_sessions", n)
	return nil
}

// Shutdown cancels every session timer and writes all sessions and their
// unpersisted checkpoints to the store.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, e := range m.sessions {
		m.disarmLocked(e)
	}
	m.mu.Unlock()

	m.sched.Stop()
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	entries := slices.Collect(maps.Values(m.sessions))
	m.mu.Unlock()

	var failed int
	for _, e := range entries {
		if err := m.flush(ctx, e); err != nil {
			failed++
		}
	}

	m.mu.Lock()
	clear(m.sessions)
	m.mu.Unlock()

	slog.Info("session manager stopped", "sessions", len(entries), "persist_failures", failed)
	if failed > 0 {
		return fmt.Errorf("persist %d sessions on shutdown", failed)
	}
	return nil
}

// UpdateDefaults applies reloaded session defaults. Existing sessions keep
// the config they were created with.
func (m *Manager) UpdateDefaults(c config.SessionsConfig) {
	c = sessionDefaults(c)
	m.mu.Lock()
	m.defaults = c
	m.mu.Unlock()
	m.sched.UpdateInterval(jobReap, c.ReapInterval)
	slog.Info("session defaults reloaded", "max_agents", c.MaxAgents, "max_checkpoints", c.MaxCheckpoints)
}

// CreateSession starts a new active session. A nil cfg uses the configured
// defaults; otherwise zero numeric fields are taken from the defaults.
func (m *Manager) CreateSession(ctx context.Context, projectID, name string, topology Topology, cfg *Config, metadata map[string]string) (*Session, error) {
	if !topology.Valid() {
		return nil, fmt.Errorf("%w: unknown topology %q", ErrInvalidConfig, topology)
	}

	m.mu.RLock()
	closed := m.closed
	def := DefaultConfig(m.defaults)
	m.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("create session: %w", ErrUnavailable)
	}

	merged, err := mergeConfig(cfg, def)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.New().String(),
		ProjectID:    projectID,
		Name:         name,
		Topology:     topology,
		Status:       StatusInitializing,
		AgentIDs:     []string{},
		State:        newState(),
		StartedAt:    now,
		LastActiveAt: now,
		Config:       merged,
		Metadata:     maps.Clone(metadata),
	}
	if s.Name == "" {
		s.Name = "session-" + s.ID[:8]
	}
	s.Status = StatusActive

	e := &entry{session: s, dirty: merged.PersistToDisk}
	if merged.PersistToDisk {
		if err := m.flush(ctx, e); err != nil {
			return nil, fmt.Errorf("persist session: %w", err)
		}
	}

	m.mu.Lock()
	m.sessions[s.ID] = e
	m.armLocked(e)
	out, err := s.clone()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	slog.Info("session created", "session", s.ID, "project", projectID, "topology", topology)
	m.publish(s.ID, "session_created", map[string]any{
		"project_id": projectID,
		"name":       s.Name,
		"topology":   topology,
	})
	return out, nil
}

// GetSession returns a copy of a session, loading it from the store if it
// was evicted.
func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	e, err := m.lockLive(ctx, id)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return e.session.clone()
}

// ListSessions returns summaries of the sessions in memory and in the
// store, oldest first.
func (m *Manager) ListSessions(ctx context.Context) ([]Summary, error) {
	m.mu.RLock()
	seen := make(map[string]bool, len(m.sessions))
	out := make([]Summary, 0, len(m.sessions))
	for id, e := range m.sessions {
		seen[id] = true
		out = append(out, e.session.summary())
	}
	m.mu.RUnlock()

	if m.store != nil {
		ids, err := m.store.ListSessions(ctx)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			s, err := m.readSession(ctx, id)
			if err != nil {
				slog.Warn("skipping unreadable session", "session", id, "error", err)
				continue
			}
			if s != nil {
				out = append(out, s.summary())
			}
		}
	}

	slices.SortFunc(out, func(a, b Summary) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// get returns the entry for id, loading it from the store when it is not
// in memory.
func (m *Manager) get(ctx context.Context, id string) (*entry, error) {
	m.mu.RLock()
	e := m.sessions[id]
	m.mu.RUnlock()
	if e != nil {
		return e, nil
	}
	if m.store == nil {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}

	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	m.mu.RLock()
	e = m.sessions[id]
	m.mu.RUnlock()
	if e != nil {
		return e, nil
	}

	s, err := m.readSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	cps, err := m.readCheckpoints(ctx, s)
	if err != nil {
		return nil, err
	}
	s.Checkpoints = cps

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("load session: %w", ErrUnavailable)
	}
	e = &entry{session: s}
	m.sessions[id] = e
	m.armLocked(e)
	slog.Debug("session loaded", "session", id, "status", s.Status, "checkpoints", len(cps))
	return e, nil
}

// lockLive returns the entry for id with m.mu held. It retries when the
// session is evicted between lookup and locking.
func (m *Manager) lockLive(ctx context.Context, id string) (*entry, error) {
	for {
		e, err := m.get(ctx, id)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if m.sessions[id] == e {
			return e, nil
		}
		m.mu.Unlock()
	}
}

func (m *Manager) readSession(ctx context.Context, id string) (*Session, error) {
	data, err := m.store.ReadSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if s.State == nil {
		s.State = newState()
	}
	// Transient states do not survive a restart.
	switch s.Status {
	case StatusInitializing, StatusCheckpointing, StatusResuming:
		s.Status = StatusActive
	}
	return &s, nil
}

func (m *Manager) readCheckpoints(ctx context.Context, s *Session) ([]*Checkpoint, error) {
	raw, err := m.store.ReadCheckpoints(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}
	cps := make([]*Checkpoint, 0, len(raw))
	for _, data := range raw {
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		cps = append(cps, &cp)
	}
	if n := len(cps) - s.Config.MaxCheckpoints; s.Config.MaxCheckpoints > 0 && n > 0 {
		cps = cps[n:]
	}
	return cps, nil
}

// flush writes a session's summary and unpersisted checkpoints. On failure
// the pending writes are kept for the next attempt.
func (m *Manager) flush(ctx context.Context, e *entry) error {
	if m.store == nil {
		return nil
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	m.mu.Lock()
	s := e.session
	if !s.Config.PersistToDisk || (!e.dirty && len(e.pending) == 0) {
		m.mu.Unlock()
		return nil
	}
	summary, err := json.Marshal(s)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("encode session: %w", err)
	}
	pending := e.pending
	e.pending = nil
	e.dirty = false
	id, keep := s.ID, s.Config.MaxCheckpoints
	m.mu.Unlock()

	err = m.write(ctx, id, summary, pending, keep)
	if err != nil {
		m.mu.Lock()
		e.pending = append(pending, e.pending...)
		e.dirty = true
		m.mu.Unlock()
		slog.Error("failed to persist session", "session", id, "error", err)
	}
	return err
}

func (m *Manager) write(ctx context.Context, id string, summary []byte, pending []*Checkpoint, keep int) error {
	if err := m.store.WriteSession(ctx, id, summary); err != nil {
		return err
	}
	for _, cp := range pending {
		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("encode checkpoint: %w", err)
		}
		if err := m.store.WriteCheckpoint(ctx, id, cp.ID, data); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		return m.store.PruneCheckpoints(ctx, id, keep)
	}
	return nil
}

// Evict drops a persisted paused or terminated session from memory. It is
// reloaded from the store on next use.
func (m *Manager) Evict(ctx context.Context, id string) error {
	m.mu.RLock()
	e := m.sessions[id]
	m.mu.RUnlock()
	if e == nil {
		return fmt.Errorf("%w: session %s not in memory", ErrNotFound, id)
	}
	if m.store == nil {
		return fmt.Errorf("%w: no checkpoint store", ErrInvalidTransition)
	}

	m.mu.RLock()
	s := e.session
	status, persist := s.Status, s.Config.PersistToDisk
	m.mu.RUnlock()
	if status != StatusPaused && status != StatusTerminated {
		return fmt.Errorf("%w: cannot evict %s session", ErrInvalidTransition, status)
	}
	if !persist {
		return fmt.Errorf("%w: session is not persisted", ErrInvalidTransition)
	}

	if err := m.flush(ctx, e); err != nil {
		return fmt.Errorf("evict session: %w", err)
	}

	m.mu.Lock()
	if m.sessions[id] != e || e.dirty || e.inflight > 0 || len(e.pending) > 0 || s.Status != status {
		m.mu.Unlock()
		return fmt.Errorf("%w: session changed during eviction", ErrInvalidTransition)
	}
	m.disarmLocked(e)
	delete(m.sessions, id)
	m.mu.Unlock()

	slog.Debug("session evicted", "session", id)
	m.publish(id, "session_evicted", nil)
	return nil
}

// reap retries failed persistence and evicts sessions idle past
// sessions.evict_after.
func (m *Manager) reap(ctx context.Context) {
	m.mu.RLock()
	evictAfter := m.defaults.EvictAfter
	entries := slices.Collect(maps.Values(m.sessions))
	m.mu.RUnlock()

	now := time.Now()
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		_ = m.flush(ctx, e)

		m.mu.RLock()
		s := e.session
		idle := (s.Status == StatusPaused || s.Status == StatusTerminated) &&
			s.Config.PersistToDisk && now.Sub(s.LastActiveAt) > evictAfter
		id := s.ID
		m.mu.RUnlock()

		if evictAfter > 0 && idle {
			if err := m.Evict(ctx, id); err != nil {
				slog.Debug("idle eviction skipped", "session", id, "error", err)
			}
		}
	}
}

func (m *Manager) publish(sessionID, eventType string, data map[string]any) {
	if m.pub == nil {
		return
	}
	event := map[string]any{
		"type":       eventType,
		"session_id": sessionID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"data":       data,
	}
	if err := m.pub.PublishJSON(natsbus.TopicEventsSession(sessionID), event); err != nil {
		slog.Debug("publish session event failed", "session", sessionID, "type", eventType, "error", err)
	}
}

// clone deep-copies a session including its checkpoints.
func (s *Session) clone() (*Session, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	var out Session
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	out.Checkpoints = make([]*Checkpoint, 0, len(s.Checkpoints))
	for _, cp := range s.Checkpoints {
		c, err := cp.clone()
		if err != nil {
			return nil, err
		}
		out.Checkpoints = append(out.Checkpoints, c)
	}
	return &out, nil
}

func (cp *Checkpoint) clone() (*Checkpoint, error) {
	c := *cp
	c.Metadata = maps.Clone(cp.Metadata)
	st, err := cp.State.clone()
	if err != nil {
		return nil, err
	}
	c.State = st
	return &c, nil
}
