package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/hive/internal/schedule"
)

// CreateCheckpoint snapshots the session state. Mutations made after the
// snapshot is taken are kept in the live state and are not part of it.
func (m *Manager) CreateCheckpoint(ctx context.Context, id, reason string, metadata map[string]string) (*Checkpoint, error) {
	return m.checkpoint(ctx, id, reason, metadata, nil)
}

// checkpoint implements CreateCheckpoint. A non-nil gen restricts it to the
// timer generation that scheduled it.
func (m *Manager) checkpoint(ctx context.Context, id, reason string, metadata map[string]string, gen *uint64) (*Checkpoint, error) {
	e, err := m.lockLive(ctx, id)
	if err != nil {
		return nil, err
	}
	s := e.session
	if gen != nil && e.gen != *gen {
		m.mu.Unlock()
		return nil, errStaleTimer
	}
	switch s.Status {
	case StatusActive:
		s.Status = StatusCheckpointing
	case StatusCheckpointing, StatusPaused:
	default:
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot checkpoint %s session", ErrInvalidTransition, s.Status)
	}
	e.inflight++

	state, err := s.State.clone()
	if err != nil {
		m.finishCheckpointLocked(e)
		m.mu.Unlock()
		return nil, fmt.Errorf("snapshot session: %w", err)
	}
	now := time.Now().UTC()
	cp := &Checkpoint{
		ID:        uuid.New().String(),
		SessionID: id,
		CreatedAt: now,
		Reason:    reason,
		State:     state,
		Metadata:  maps.Clone(metadata),
	}
	cps := append(s.Checkpoints, cp)
	if n := len(cps) - s.Config.MaxCheckpoints; n > 0 {
		cps = append([]*Checkpoint(nil), cps[n:]...)
	}
	s.Checkpoints = cps
	s.LastActiveAt = now
	if s.Config.PersistToDisk {
		e.pending = append(e.pending, cp)
		e.dirty = true
	}
	out, err := cp.clone()
	m.mu.Unlock()

	// Persistence errors are retried by the reaper.
	_ = m.flush(ctx, e)

	m.mu.Lock()
	m.finishCheckpointLocked(e)
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	slog.Info("checkpoint created", "session", id, "checkpoint", cp.ID, "reason", reason)
	m.publish(id, "session_checkpoint", map[string]any{
		"checkpoint_id": cp.ID,
		"reason":        reason,
	})
	return out, nil
}

var errStaleTimer = errors.New("stale session timer")

func (m *Manager) finishCheckpointLocked(e *entry) {
	e.inflight--
	if e.inflight == 0 && e.session.Status == StatusCheckpointing {
		e.session.Status = StatusActive
	}
}

// ResumeSession reactivates an active or paused session. With a
// checkpointID the live state is replaced by a copy of that checkpoint.
func (m *Manager) ResumeSession(ctx context.Context, id, checkpointID string) (*Session, error) {
	e, err := m.lockLive(ctx, id)
	if err != nil {
		return nil, err
	}
	s := e.session
	if s.Status != StatusActive && s.Status != StatusPaused {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot resume %s session", ErrInvalidTransition, s.Status)
	}

	var restored *SessionState
	if checkpointID != "" {
		var cp *Checkpoint
		for _, c := range s.Checkpoints {
			if c.ID == checkpointID {
				cp = c
				break
			}
		}
		if cp == nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: checkpoint %s", ErrNotFound, checkpointID)
		}
		if restored, err = cp.State.clone(); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("restore checkpoint: %w", err)
		}
	}

	s.Status = StatusResuming
	if restored != nil {
		s.State = restored
		s.recount()
	}
	s.Status = StatusActive
	s.LastActiveAt = time.Now().UTC()
	e.dirty = true
	m.armLocked(e)
	out, err := s.clone()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	_ = m.flush(ctx, e)
	slog.Info("session resumed", "session", id, "checkpoint", checkpointID)
	m.publish(id, "session_resumed", map[string]any{"checkpoint_id": checkpointID})
	return out, nil
}

// recount rebuilds the roster and counters from the state after a restore.
func (s *Session) recount() {
	st := s.State
	ids := make([]string, 0, len(st.Agents))
	for _, id := range s.AgentIDs {
		if _, ok := st.Agents[id]; ok {
			ids = append(ids, id)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(st.Agents)) {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	s.AgentIDs = ids
	if _, ok := st.Agents[s.CoordinatorID]; !ok {
		s.CoordinatorID = ""
	}
	s.electCoordinator()
	s.TasksCompleted = len(st.CompletedTasks)
	s.TasksTotal = len(st.ActiveTasks) + len(st.TaskQueue) + len(st.CompletedTasks) + len(st.FailedTasks)
}

// PauseSession checkpoints the session and pauses it.
func (m *Manager) PauseSession(ctx context.Context, id string) (*Checkpoint, error) {
	if err := m.checkStatus(ctx, id, StatusActive, StatusCheckpointing); err != nil {
		return nil, fmt.Errorf("pause session: %w", err)
	}
	cp, err := m.CreateCheckpoint(ctx, id, "pause", nil)
	if err != nil {
		return nil, err
	}

	e, err := m.lockLive(ctx, id)
	if err != nil {
		return nil, err
	}
	s := e.session
	if !canTransition(s.Status, StatusPaused) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session became %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusPaused
	s.LastActiveAt = time.Now().UTC()
	e.dirty = true
	m.disarmLocked(e)
	m.mu.Unlock()

	_ = m.flush(ctx, e)
	slog.Info("session paused", "session", id)
	m.publish(id, "session_paused", map[string]any{"checkpoint_id": cp.ID})
	return cp, nil
}

// TerminateSession takes a final checkpoint and ends the session.
func (m *Manager) TerminateSession(ctx context.Context, id, reason string) (*Checkpoint, error) {
	if err := m.checkStatus(ctx, id, StatusActive, StatusCheckpointing, StatusPaused); err != nil {
		return nil, fmt.Errorf("terminate session: %w", err)
	}
	cp, err := m.CreateCheckpoint(ctx, id, "terminate: "+reason, nil)
	if err != nil {
		return nil, err
	}

	e, err := m.lockLive(ctx, id)
	if err != nil {
		return nil, err
	}
	s := e.session
	if !canTransition(s.Status, StatusTerminated) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session became %s", ErrInvalidTransition, s.Status)
	}
	now := time.Now().UTC()
	s.Status = StatusTerminated
	s.CompletedAt = &now
	s.LastActiveAt = now
	e.dirty = true
	m.disarmLocked(e)
	m.mu.Unlock()

	_ = m.flush(ctx, e)
	slog.Info("session terminated", "session", id, "reason", reason)
	m.publish(id, "session_terminated", map[string]any{
		"reason":        reason,
		"checkpoint_id": cp.ID,
	})
	return cp, nil
}

func (m *Manager) checkStatus(ctx context.Context, id string, allowed ...Status) error {
	e, err := m.lockLive(ctx, id)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	st := e.session.Status
	for _, a := range allowed {
		if st == a {
			return nil
		}
	}
	return fmt.Errorf("%w: session is %s", ErrInvalidTransition, st)
}

// armLocked replaces the session's timers. Only active sessions have any.
func (m *Manager) armLocked(e *entry) {
	m.disarmLocked(e)
	if m.closed || e.session.Status != StatusActive {
		return
	}
	m.armAutoLocked(e, e.gen)
	m.armTimeoutLocked(e, e.gen)
}

func (m *Manager) disarmLocked(e *entry) {
	e.gen++
	if e.autoTimer != nil {
		e.autoTimer.Stop()
		e.autoTimer = nil
	}
	if e.timeoutTimer != nil {
		e.timeoutTimer.Stop()
		e.timeoutTimer = nil
	}
}

func (m *Manager) armAutoLocked(e *entry, gen uint64) {
	s := e.session
	if !s.Config.AutoCheckpoint {
		return
	}
	sched, err := schedule.New(s.Config.CheckpointInterval, s.Config.CheckpointSchedule)
	if err != nil {
		slog.Error("invalid checkpoint schedule", "session", s.ID, "error", err)
		return
	}
	d, ok := sched.Delay(time.Now())
	if !ok {
		return
	}
	id := s.ID
	e.autoTimer = time.AfterFunc(d, func() { m.autoCheckpoint(id, gen) })
}

func (m *Manager) armTimeoutLocked(e *entry, gen uint64) {
	s := e.session
	if s.Config.Timeout <= 0 {
		return
	}
	d := max(time.Until(s.StartedAt.Add(s.Config.Timeout)), 0)
	id := s.ID
	e.timeoutTimer = time.AfterFunc(d, func() { m.expire(id, gen) })
}

// current reports whether a timer generation still belongs to id and, if
// so, registers the callback with the shutdown wait group.
func (m *Manager) current(id string, gen uint64) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.sessions[id]
	if m.closed || e == nil || e.gen != gen {
		return nil, false
	}
	if st := e.session.Status; st != StatusActive && st != StatusCheckpointing {
		return nil, false
	}
	m.wg.Add(1)
	return e, true
}

// autoCheckpoint runs one automatic checkpoint and re-arms the chain while
// the session stays active.
func (m *Manager) autoCheckpoint(id string, gen uint64) {
	e, ok := m.current(id, gen)
	if !ok {
		return
	}
	defer m.wg.Done()

	if _, err := m.checkpoint(m.ctx, id, "auto", nil, &gen); err != nil {
		if errors.Is(err, errStaleTimer) {
			return
		}
		slog.Warn("auto checkpoint failed", "session", id, "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed && m.sessions[id] == e && e.gen == gen &&
		(e.session.Status == StatusActive || e.session.Status == StatusCheckpointing) {
		m.armAutoLocked(e, gen)
	}
}

func (m *Manager) expire(id string, gen uint64) {
	if _, ok := m.current(id, gen); !ok {
		return
	}
	defer m.wg.Done()

	slog.Info("session timed out", "session", id)
	if _, err := m.TerminateSession(m.ctx, id, "timeout"); err != nil {
		slog.Warn("failed to terminate timed out session", "session", id, "error", err)
	}
}
