package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"
)

// PerformHealthCheck samples an agent and records the evaluated result.
func (m *Manager) PerformHealthCheck(ctx context.Context, id string) (*HealthCheckResult, error) {
	m.mu.RLock()
	t, ok := m.agents[id]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	snap := t.agent.Clone()
	th := m.cfg.Thresholds
	m.mu.RUnlock()

	start := time.Now()
	s, err := m.sampler.Sample(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("sample agent %s: %w", id, err)
	}
	if s.ResponseTime == 0 {
		s.ResponseTime = time.Since(start)
	}

	res := evaluate(snap, s, th, time.Now())

	m.mu.Lock()
	if t, ok := m.agents[id]; ok {
		t.lastHealth = cloneResult(res)
	}
	m.mu.Unlock()

	if res.Status != HealthHealthy {
		slog.Warn("agent health degraded", "agent", id, "status", res.Status, "issues", len(res.Issues))
		m.publish(id, "agent_health", map[string]any{
			"status": res.Status,
			"issues": res.Issues,
		})
	}
	return res, nil
}

// HandleHealthIssue applies the corrective action of every critical issue.
// Issues whose action succeeded are marked resolved. Load is reduced at
// most once per result.
func (m *Manager) HandleHealthIssue(ctx context.Context, id string, res *HealthCheckResult) error {
	var errs []error
	adjusted := false
	for i, issue := range res.Issues {
		var err error
		switch correctiveFor(issue) {
		case actionRestart:
			err = m.RestartAgent(ctx, id, issue.Description)
		case actionAdjustLoad:
			if adjusted {
				res.Issues[i].Resolved = true
				continue
			}
			adjusted = true
			err = m.AdjustAgentLoad(ctx, id, 0.5)
		case actionPause:
			err = m.PauseAgent(ctx, id)
		default:
			continue
		}
		if err != nil {
			slog.Error("corrective action failed", "agent", id, "issue", issue.Type, "error", err)
			errs = append(errs, err)
			continue
		}
		res.Issues[i].Resolved = true
	}

	m.mu.Lock()
	if t, ok := m.agents[id]; ok && t.lastHealth != nil && t.lastHealth.CheckedAt.Equal(res.CheckedAt) {
		t.lastHealth.Issues = slices.Clone(res.Issues)
	}
	m.mu.Unlock()

	return errors.Join(errs...)
}

// checkAgent is the body of the per-agent and sweep timers. Agents in
// maintenance are checked but not acted on.
func (m *Manager) checkAgent(ctx context.Context, id string, skipMaintenance bool) {
	m.mu.RLock()
	t, ok := m.agents[id]
	maintenance := ok && t.agent.Status == StatusMaintenance
	m.mu.RUnlock()
	if !ok || (skipMaintenance && maintenance) {
		return
	}

	res, err := m.PerformHealthCheck(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Error("health check failed", "agent", id, "error", err)
		}
		return
	}
	if res.Status == HealthHealthy || maintenance {
		return
	}
	_ = m.HandleHealthIssue(ctx, id, res)
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.agents))
	for id, t := range m.agents {
		if t.agent.Status != StatusMaintenance {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		m.checkAgent(ctx, id, true)
	}
}

// RestartAgent puts an agent in maintenance and returns it to service after
// the restart grace period. A restart already in progress is not repeated.
func (m *Manager) RestartAgent(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	t, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("restart agent: %w", ErrUnavailable)
	}
	if t.restarting {
		m.mu.Unlock()
		return nil
	}
	t.restarting = true
	t.agent.Status = StatusMaintenance
	actx := t.ctx
	grace := m.cfg.RestartGrace
	m.wg.Add(1)
	m.mu.Unlock()

	slog.Warn("restarting agent", "agent", id, "reason", reason)
	_ = m.save(ctx, id)
	m.publish(id, "agent_restarting", map[string]any{"reason": reason})

	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-actx.Done():
			return
		case <-timer.C:
		}
		m.completeRestart(actx, id)
	}()
	return nil
}

func (m *Manager) completeRestart(ctx context.Context, id string) {
	m.mu.Lock()
	t, ok := m.agents[id]
	if !ok || !t.restarting {
		m.mu.Unlock()
		return
	}
	t.restarting = false
	if !t.agent.Paused {
		t.agent.Status = t.agent.idleOrBusy()
	}
	status := t.agent.Status
	m.mu.Unlock()

	_ = m.save(ctx, id)
	slog.Info("agent restarted", "agent", id, "status", status)
	m.publish(id, "agent_restarted", map[string]any{"status": status})
}

// PauseAgent takes an agent out of service until ResumeAgent.
func (m *Manager) PauseAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.agent.Paused = true
	t.agent.Status = StatusMaintenance
	m.mu.Unlock()

	_ = m.save(ctx, id)
	slog.Info("agent paused", "agent", id)
	m.publish(id, "agent_paused", nil)
	return nil
}

// ResumeAgent returns a paused or restarting agent to service. Agents not in
// maintenance are left alone.
func (m *Manager) ResumeAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.agent.Status != StatusMaintenance {
		m.mu.Unlock()
		return nil
	}
	t.agent.Paused = false
	t.restarting = false
	t.agent.Status = t.agent.idleOrBusy()
	status := t.agent.Status
	m.mu.Unlock()

	_ = m.save(ctx, id)
	slog.Info("agent resumed", "agent", id, "status", status)
	m.publish(id, "agent_resumed", map[string]any{"status": status})
	return nil
}

// AdjustAgentLoad scales an agent's task capacity by factor, never below
// one.
func (m *Manager) AdjustAgentLoad(ctx context.Context, id string, factor float64) error {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return fmt.Errorf("invalid load factor %v", factor)
	}

	m.mu.Lock()
	t, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := t.agent.MaxConcurrentTasks
	to := max(int(math.Floor(float64(from)*factor)), 1)
	t.agent.MaxConcurrentTasks = to
	m.mu.Unlock()

	_ = m.save(ctx, id)
	slog.Info("agent load adjusted", "agent", id, "from", from, "to", to)
	m.publish(id, "agent_load_adjusted", map[string]any{"from": from, "to": to})
	return nil
}

// AssignTask records a task on an agent and marks it busy.
func (m *Manager) AssignTask(ctx context.Context, id, taskID string) error {
	m.mu.Lock()
	t, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a := t.agent
	if a.Status == StatusMaintenance {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is in maintenance", ErrUnavailable, id)
	}
	if slices.Contains(a.CurrentTasks, taskID) {
		m.mu.Unlock()
		return nil
	}
	if len(a.CurrentTasks) >= a.MaxConcurrentTasks {
		n, limit := len(a.CurrentTasks), a.MaxConcurrentTasks
		m.mu.Unlock()
		return fmt.Errorf("%w: %s has %d/%d tasks", ErrCapacityExceeded, id, n, limit)
	}
	a.CurrentTasks = append(a.CurrentTasks, taskID)
	a.Status = StatusBusy
	a.LastActiveAt = time.Now()
	m.mu.Unlock()

	_ = m.save(ctx, id)
	return nil
}

// ReleaseTask removes a task from an agent. The agent becomes idle when it
// has no tasks left.
func (m *Manager) ReleaseTask(ctx context.Context, id, taskID string) error {
	m.mu.Lock()
	t, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a := t.agent
	idx := slices.Index(a.CurrentTasks, taskID)
	if idx < 0 {
		m.mu.Unlock()
		return nil
	}
	a.CurrentTasks = slices.Delete(a.CurrentTasks, idx, idx+1)
	a.LastActiveAt = time.Now()
	if a.Status == StatusBusy {
		a.Status = a.idleOrBusy()
	}
	m.mu.Unlock()

	_ = m.save(ctx, id)
	return nil
}
