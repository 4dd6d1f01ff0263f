package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/hive/internal/agent"
)

// mutableLocked rejects changes to sessions that are not running.
func mutableLocked(s *Session) error {
	if s.Status == StatusActive || s.Status == StatusCheckpointing {
		return nil
	}
	return fmt.Errorf("%w: session %s is %s", ErrInactive, s.ID, s.Status)
}

func (s *Session) touch(e *entry) {
	s.LastActiveAt = time.Now().UTC()
	if s.Config.PersistToDisk {
		e.dirty = true
	}
}

// electCoordinator picks the first agent of the roster when the topology
// needs a coordinator and none is set.
func (s *Session) electCoordinator() {
	if !s.Topology.hasCoordinator() || s.CoordinatorID != "" || len(s.AgentIDs) == 0 {
		return
	}
	s.CoordinatorID = s.AgentIDs[0]
}

func copyJSON[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

// AddAgent binds a snapshot of a to the session. Adding an agent that is
// already bound refreshes its snapshot.
func (m *Manager) AddAgent(ctx context.Context, sessionID string, a *agent.Agent) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("add agent: missing agent id")
	}
	snap, err := copyJSON(a)
	if err != nil {
		return fmt.Errorf("copy agent: %w", err)
	}

	e, err := m.lockLive(ctx, sessionID)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	s := e.session
	if err := mutableLocked(s); err != nil {
		return err
	}
	if _, ok := s.State.Agents[a.ID]; !ok {
		if len(s.AgentIDs) >= s.Config.MaxAgents {
			return fmt.Errorf("%w: session %s has %d agents", ErrCapacityExceeded, sessionID, len(s.AgentIDs))
		}
		s.AgentIDs = append(s.AgentIDs, a.ID)
	}
	s.State.Agents[a.ID] = snap
	s.electCoordinator()
	s.touch(e)
	return nil
}

// RemoveAgent unbinds an agent, electing a new coordinator if needed.
func (m *Manager) RemoveAgent(ctx context.Context, sessionID, agentID string) error {
	e, err := m.lockLive(ctx, sessionID)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	s := e.session
	if err := mutableLocked(s); err != nil {
		return err
	}
	i := slices.Index(s.AgentIDs, agentID)
	if i < 0 {
		return fmt.Errorf("%w: agent %s in session %s", ErrNotFound, agentID, sessionID)
	}
	s.AgentIDs = slices.Delete(s.AgentIDs, i, i+1)
	delete(s.State.Agents, agentID)
	if s.CoordinatorID == agentID {
		s.CoordinatorID = ""
		s.electCoordinator()
	}
	s.touch(e)
	return nil
}

// AddTask adds a task to the session. It starts immediately when the
// session has a free slot and its dependencies have completed; otherwise it
// is queued. Dependencies on unknown tasks count as satisfied.
func (m *Manager) AddTask(ctx context.Context, sessionID string, t Task) (*Task, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Dependencies = slices.Clone(t.Dependencies)
	t.Metadata = maps.Clone(t.Metadata)

	e, err := m.lockLive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	s := e.session
	st := s.State
	if err := mutableLocked(s); err != nil {
		return nil, err
	}
	if st.hasTask(t.ID) {
		return nil, fmt.Errorf("%w: duplicate task %s", ErrInvalidTask, t.ID)
	}
	if _, err := BuildPlan(append(st.pending(), &t)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	now := time.Now().UTC()
	t.CreatedAt = now
	t.StartedAt, t.CompletedAt = nil, nil
	if len(st.ActiveTasks) < s.Config.MaxConcurrentTasks && st.ready(&t) {
		t.Status = TaskRunning
		t.StartedAt = &now
		st.ActiveTasks[t.ID] = &t
	} else {
		t.Status = TaskPending
		st.TaskQueue = append(st.TaskQueue, &t)
	}
	s.TasksTotal++
	s.touch(e)

	out := t
	out.Dependencies = slices.Clone(t.Dependencies)
	out.Metadata = maps.Clone(t.Metadata)
	return &out, nil
}

// UpdateTaskStatus moves a task between buckets. Unknown and already
// finished tasks are ignored.
func (m *Manager) UpdateTaskStatus(ctx context.Context, sessionID, taskID string, status TaskStatus) error {
	switch status {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTask, status)
	}

	e, err := m.lockLive(ctx, sessionID)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	s := e.session
	st := s.State
	if err := mutableLocked(s); err != nil {
		return err
	}
	if st.finished(taskID) {
		return nil
	}

	t, active := st.ActiveTasks[taskID]
	qi := -1
	if !active {
		if qi = st.queueIndex(taskID); qi < 0 {
			return nil
		}
		t = st.TaskQueue[qi]
	}

	now := time.Now().UTC()
	switch status {
	case TaskCompleted, TaskFailed:
		if active {
			delete(st.ActiveTasks, taskID)
		} else {
			st.TaskQueue = slices.Delete(st.TaskQueue, qi, qi+1)
		}
		t.Status = status
		t.CompletedAt = &now
		if status == TaskCompleted {
			st.CompletedTasks = append(st.CompletedTasks, taskID)
			s.TasksCompleted++
		} else {
			st.FailedTasks = append(st.FailedTasks, taskID)
		}
		st.promote(s.Config.MaxConcurrentTasks, now)
	case TaskRunning:
		if active {
			return nil
		}
		if len(st.ActiveTasks) >= s.Config.MaxConcurrentTasks {
			return fmt.Errorf("%w: session %s has %d running tasks", ErrCapacityExceeded, sessionID, len(st.ActiveTasks))
		}
		if !st.ready(t) {
			return fmt.Errorf("%w: task %s has unfinished dependencies", ErrInvalidTask, taskID)
		}
		st.TaskQueue = slices.Delete(st.TaskQueue, qi, qi+1)
		st.start(t, now)
	case TaskPending:
		if active {
			return fmt.Errorf("%w: task %s is already running", ErrInvalidTask, taskID)
		}
		return nil
	}
	s.touch(e)
	return nil
}

func (st *SessionState) start(t *Task, now time.Time) {
	t.Status = TaskRunning
	t.StartedAt = &now
	st.ActiveTasks[t.ID] = t
}

// promote starts queued tasks in order while there are free slots.
func (st *SessionState) promote(limit int, now time.Time) {
	for len(st.ActiveTasks) < limit {
		i := slices.IndexFunc(st.TaskQueue, st.ready)
		if i < 0 {
			return
		}
		t := st.TaskQueue[i]
		st.TaskQueue = slices.Delete(st.TaskQueue, i, i+1)
		st.start(t, now)
	}
}

// SetMemory stores a working memory value, or a shared context value when
// shared is set. Values are kept in their persisted form.
func (m *Manager) SetMemory(ctx context.Context, sessionID, key string, value any, shared bool) error {
	v, err := normalize(value)
	if err != nil {
		return fmt.Errorf("encode memory value: %w", err)
	}
	e, err := m.lockLive(ctx, sessionID)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	s := e.session
	if err := mutableLocked(s); err != nil {
		return err
	}
	if shared {
		s.State.SharedContext[key] = v
	} else {
		s.State.WorkingMemory[key] = v
	}
	s.touch(e)
	return nil
}

// GetSessionStats returns derived counters for a session.
func (m *Manager) GetSessionStats(ctx context.Context, sessionID string) (*Stats, error) {
	e, err := m.lockLive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	s := e.session
	st := s.State

	end := time.Now()
	if s.CompletedAt != nil {
		end = *s.CompletedAt
	}
	completed, failed := len(st.CompletedTasks), len(st.FailedTasks)
	var rate float64
	if completed+failed > 0 {
		rate = float64(completed) / float64(completed+failed)
	}
	return &Stats{
		SessionID:      s.ID,
		Status:         s.Status,
		Uptime:         end.Sub(s.StartedAt),
		ActiveAgents:   len(s.AgentIDs),
		ActiveTasks:    len(st.ActiveTasks),
		QueuedTasks:    len(st.TaskQueue),
		CompletedTasks: completed,
		FailedTasks:    failed,
		TasksTotal:     s.TasksTotal,
		SuccessRate:    rate,
		Checkpoints:    len(s.Checkpoints),
	}, nil
}

// TaskPlan orders the unfinished tasks of a session by dependency.
func (m *Manager) TaskPlan(ctx context.Context, sessionID string) (*Plan, error) {
	e, err := m.lockLive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return BuildPlan(e.session.State.pending())
}
