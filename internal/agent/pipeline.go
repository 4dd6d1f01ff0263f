package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// RecordLearningEvent queues an event for the periodic drain. Positive and
// negative events are also folded right away; their queued copy is then
// skipped by the drain.
func (m *Manager) RecordLearningEvent(ctx context.Context, ev Event) error {
	if ev.Payload == nil {
		return errors.New("learning event has no payload")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Impact == "" {
		ev.Impact = ImpactNeutral
	}

	m.mu.RLock()
	t, ok := m.agents[ev.AgentID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ev.AgentID)
	}

	if ev.highImpact() {
		if err := m.ProcessLearningEvent(ctx, ev); err != nil {
			return err
		}
		ev.applied = true
	}
	t.queue.Enqueue(ev)
	return nil
}

// ProcessLearningEvent folds one event into its agent and persists it.
func (m *Manager) ProcessLearningEvent(ctx context.Context, ev Event) error {
	if ev.Payload == nil {
		return errors.New("learning event has no payload")
	}

	m.mu.Lock()
	t, ok := m.agents[ev.AgentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, ev.AgentID)
	}
	ev.Payload.apply(t.agent, ev.Timestamp, m.cfg.PerformanceHistory)
	m.mu.Unlock()

	slog.Debug("learning event processed", "agent", ev.AgentID, "type", ev.Payload.Type(), "impact", ev.Impact)
	_ = m.save(ctx, ev.AgentID)
	return nil
}

// drainOnce takes at most one event from every agent queue. A failure on one
// agent does not stop the others.
func (m *Manager) drainOnce(ctx context.Context) {
	m.mu.RLock()
	queues := make([]*LearningQueue, 0, len(m.agents))
	for _, t := range m.agents {
		queues = append(queues, t.queue)
	}
	m.mu.RUnlock()

	for _, q := range queues {
		ev, ok := q.Dequeue()
		if !ok || ev.applied {
			continue
		}
		if err := m.ProcessLearningEvent(ctx, ev); err != nil {
			slog.Warn("learning event dropped", "agent", q.agentID, "type", ev.Payload.Type(), "error", err)
		}
	}
}

// compactOnce trims every agent's performance history and retries saves
// that failed earlier.
func (m *Manager) compactOnce(ctx context.Context) {
	m.mu.Lock()
	keep := m.cfg.CompactTo
	var ids []string
	for id, t := range m.agents {
		changed := false
		if len(t.agent.Performance) > keep {
			t.agent.Performance = slices.Clone(t.agent.Performance[len(t.agent.Performance)-keep:])
			changed = true
		}
		if changed || t.dirty {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.save(ctx, id)
	}
	if len(ids) > 0 {
		slog.Debug("performance history compacted", "agents", len(ids), "keep", keep)
	}
}
