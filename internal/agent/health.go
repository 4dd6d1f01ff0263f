package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthCritical  HealthStatus = "critical"
)

func (h HealthStatus) rank() int {
	switch h {
	case HealthDegraded:
		return 1
	case HealthUnhealthy:
		return 2
	case HealthCritical:
		return 3
	default:
		return 0
	}
}

// atLeast escalates h to floor if floor is worse.
func (h HealthStatus) atLeast(floor HealthStatus) HealthStatus {
	if floor.rank() > h.rank() {
		return floor
	}
	return h
}

type IssueType string

const (
	IssueErrorRate   IssueType = "error_rate"
	IssueResource    IssueType = "resource"
	IssuePerformance IssueType = "performance"
	IssueCapacity    IssueType = "capacity"
	IssueInactivity  IssueType = "inactivity"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type HealthIssue struct {
	Type        IssueType `json:"type"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	Resolved    bool      `json:"resolved"`
}

type HealthCheckResult struct {
	AgentID         string        `json:"agent_id"`
	Status          HealthStatus  `json:"status"`
	CheckedAt       time.Time     `json:"checked_at"`
	ResponseTime    time.Duration `json:"response_time"`
	MemoryUsage     float64       `json:"memory_usage"`
	CPUUsage        float64       `json:"cpu_usage"`
	ActiveTasks     int           `json:"active_tasks"`
	ErrorRate       float64       `json:"error_rate"`
	LastActivity    time.Time     `json:"last_activity"`
	Issues          []HealthIssue `json:"issues"`
	Recommendations []string      `json:"recommendations"`
}

// Sample is one measurement of an agent's runtime signals. Usage values are
// fractions of the agent's limits.
type Sample struct {
	ResponseTime time.Duration
	MemoryUsage  float64
	CPUUsage     float64
	ErrorRate    float64
}

// Sampler measures an agent. A zero ResponseTime is replaced by the time the
// Sample call took.
type Sampler interface {
	Sample(ctx context.Context, a *Agent) (Sample, error)
}

// evaluate derives a health result from a sample. Each breached threshold
// appends an issue and escalates the status; it never lowers it.
func evaluate(a *Agent, s Sample, th config.HealthThresholds, now time.Time) *HealthCheckResult {
	r := &HealthCheckResult{
		AgentID:      a.ID,
		Status:       HealthHealthy,
		CheckedAt:    now,
		ResponseTime: s.ResponseTime,
		MemoryUsage:  s.MemoryUsage,
		CPUUsage:     s.CPUUsage,
		ActiveTasks:  len(a.CurrentTasks),
		ErrorRate:    s.ErrorRate,
		LastActivity: a.LastActiveAt,
	}

	issue := func(t IssueType, sev Severity, floor HealthStatus, desc, rec string) {
		r.Issues = append(r.Issues, HealthIssue{Type: t, Severity: sev, Description: desc})
		r.Recommendations = append(r.Recommendations, rec)
		r.Status = r.Status.atLeast(floor)
	}

	switch {
	case s.ErrorRate > th.CriticalErrorRate:
		issue(IssueErrorRate, SeverityCritical, HealthCritical,
			fmt.Sprintf("Critical error rate: %.1f%%", s.ErrorRate*100),
			"Restart the agent and review recent failures")
	case s.ErrorRate > th.ErrorRate:
		issue(IssueErrorRate, SeverityHigh, HealthUnhealthy,
			fmt.Sprintf("High error rate: %.1f%%", s.ErrorRate*100),
			"Review error logs and failing task types")
	}

	switch {
	case s.MemoryUsage > th.CriticalMemory:
		issue(IssueResource, SeverityCritical, HealthCritical,
			fmt.Sprintf("Critical memory usage: %.1f%%", s.MemoryUsage*100),
			"Reduce agent load or raise the memory limit")
	case s.MemoryUsage > th.Memory:
		issue(IssueResource, SeverityMedium, HealthDegraded,
			fmt.Sprintf("High memory usage: %.1f%%", s.MemoryUsage*100),
			"Monitor memory usage and consider lowering concurrency")
	}

	switch {
	case s.CPUUsage > th.CriticalCPU:
		issue(IssueResource, SeverityCritical, HealthCritical,
			fmt.Sprintf("Critical CPU usage: %.1f%%", s.CPUUsage*100),
			"Reduce agent load")
	case s.CPUUsage > th.CPU:
		issue(IssueResource, SeverityMedium, HealthDegraded,
			fmt.Sprintf("High CPU usage: %.1f%%", s.CPUUsage*100),
			"Consider distributing tasks to other agents")
	}

	switch {
	case th.CriticalResponseTime > 0 && s.ResponseTime > th.CriticalResponseTime:
		issue(IssuePerformance, SeverityCritical, HealthUnhealthy,
			fmt.Sprintf("Critical response time: %s", s.ResponseTime),
			"Pause the agent until it becomes responsive")
	case th.ResponseTime > 0 && s.ResponseTime > th.ResponseTime:
		issue(IssuePerformance, SeverityMedium, HealthDegraded,
			fmt.Sprintf("Slow response time: %s", s.ResponseTime),
			"Check for blocking work in the agent")
	}

	if a.MaxConcurrentTasks > 0 && len(a.CurrentTasks) >= a.MaxConcurrentTasks {
		issue(IssueCapacity, SeverityMedium, HealthDegraded,
			fmt.Sprintf("At task capacity: %d/%d", len(a.CurrentTasks), a.MaxConcurrentTasks),
			"Route new tasks to other agents")
	}

	if th.Inactivity > 0 && !a.LastActiveAt.IsZero() && now.Sub(a.LastActiveAt) > th.Inactivity {
		r.Issues = append(r.Issues, HealthIssue{
			Type:        IssueInactivity,
			Severity:    SeverityLow,
			Description: fmt.Sprintf("Inactive for %s", now.Sub(a.LastActiveAt).Round(time.Minute)),
		})
		r.Recommendations = append(r.Recommendations, "Consider retiring the agent if it is no longer needed")
	}

	if len(r.Issues) == 0 {
		r.Recommendations = []string{"Agent is operating normally"}
	}
	return r
}

type correctiveAction int

const (
	actionNone correctiveAction = iota
	actionRestart
	actionAdjustLoad
	actionPause
)

// correctiveFor maps an issue to its remediation. Only critical issues act.
func correctiveFor(issue HealthIssue) correctiveAction {
	if issue.Severity != SeverityCritical || issue.Resolved {
		return actionNone
	}
	switch issue.Type {
	case IssueErrorRate:
		return actionRestart
	case IssueResource:
		return actionAdjustLoad
	case IssuePerformance:
		return actionPause
	default:
		return actionNone
	}
}
