package agent

import (
	"testing"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateHealthy(t *testing.T) {
	a := newBareAgent()
	a.LastActiveAt = time.Now()
	r := evaluate(a, Sample{}, config.DefaultThresholds(), time.Now())

	assert.Equal(t, HealthHealthy, r.Status)
	assert.Empty(t, r.Issues)
	assert.Equal(t, []string{"Agent is operating normally"}, r.Recommendations)
}

func TestEvaluateThresholds(t *testing.T) {
	th := config.DefaultThresholds()
	tests := []struct {
		name     string
		sample   Sample
		status   HealthStatus
		issue    IssueType
		severity Severity
	}{
		{"error rate", Sample{ErrorRate: 0.06}, HealthUnhealthy, IssueErrorRate, SeverityHigh},
		{"critical error rate", Sample{ErrorRate: 0.2}, HealthCritical, IssueErrorRate, SeverityCritical},
		{"memory", Sample{MemoryUsage: 0.85}, HealthDegraded, IssueResource, SeverityMedium},
		{"critical memory", Sample{MemoryUsage: 0.95}, HealthCritical, IssueResource, SeverityCritical},
		{"cpu", Sample{CPUUsage: 0.75}, HealthDegraded, IssueResource, SeverityMedium},
		{"critical cpu", Sample{CPUUsage: 0.95}, HealthCritical, IssueResource, SeverityCritical},
		{"slow", Sample{ResponseTime: 6 * time.Second}, HealthDegraded, IssuePerformance, SeverityMedium},
		{"unresponsive", Sample{ResponseTime: 20 * time.Second}, HealthUnhealthy, IssuePerformance, SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newBareAgent()
			a.LastActiveAt = time.Now()
			r := evaluate(a, tt.sample, th, time.Now())
			assert.Equal(t, tt.status, r.Status)
			require.Len(t, r.Issues, 1)
			assert.Equal(t, tt.issue, r.Issues[0].Type)
			assert.Equal(t, tt.severity, r.Issues[0].Severity)
			assert.Len(t, r.Recommendations, 1)
		})
	}
}

func TestEvaluateCapacity(t *testing.T) {
	a := newBareAgent()
	a.LastActiveAt = time.Now()
	a.MaxConcurrentTasks = 2
	a.CurrentTasks = []string{"t1", "t2"}

	r := evaluate(a, Sample{}, config.DefaultThresholds(), time.Now())
	assert.Equal(t, HealthDegraded, r.Status)
	require.Len(t, r.Issues, 1)
	assert.Equal(t, IssueCapacity, r.Issues[0].Type)
	assert.Equal(t, 2, r.ActiveTasks)
}

func TestEvaluateInactivityDoesNotEscalate(t *testing.T) {
	a := newBareAgent()
	a.LastActiveAt = time.Now().Add(-2 * time.Hour)

	r := evaluate(a, Sample{}, config.DefaultThresholds(), time.Now())
	assert.Equal(t, HealthHealthy, r.Status)
	require.Len(t, r.Issues, 1)
	assert.Equal(t, IssueInactivity, r.Issues[0].Type)
	assert.Equal(t, SeverityLow, r.Issues[0].Severity)
}

func TestEvaluateErrorRateMonotonic(t *testing.T) {
	th := config.DefaultThresholds()
	others := []Sample{
		{},
		{MemoryUsage: 0.85},
		{CPUUsage: 0.95},
		{ResponseTime: 6 * time.Second},
	}
	for _, base := range others {
		prev := -1
		for _, rate := range []float64{0, 0.02, 0.05, 0.051, 0.1, 0.15, 0.151, 0.5, 1} {
			s := base
			s.ErrorRate = rate
			a := newBareAgent()
			a.LastActiveAt = time.Now()
			rank := evaluate(a, s, th, time.Now()).Status.rank()
			assert.GreaterOrEqual(t, rank, prev, "error rate %v with %+v", rate, base)
			if rate > th.ErrorRate {
				assert.GreaterOrEqual(t, rank, HealthUnhealthy.rank())
			}
			prev = rank
		}
	}
}

func TestCorrectiveFor(t *testing.T) {
	assert.Equal(t, actionRestart, correctiveFor(HealthIssue{Type: IssueErrorRate, Severity: SeverityCritical}))
	assert.Equal(t, actionAdjustLoad, correctiveFor(HealthIssue{Type: IssueResource, Severity: SeverityCritical}))
	assert.Equal(t, actionPause, correctiveFor(HealthIssue{Type: IssuePerformance, Severity: SeverityCritical}))
	assert.Equal(t, actionNone, correctiveFor(HealthIssue{Type: IssueErrorRate, Severity: SeverityHigh}))
	assert.Equal(t, actionNone, correctiveFor(HealthIssue{Type: IssueCapacity, Severity: SeverityCritical}))
	assert.Equal(t, actionNone, correctiveFor(HealthIssue{Type: IssueResource, Severity: SeverityCritical, Resolved: true}))
}

func TestRuntimeSamplerErrorRate(t *testing.T) {
	a := newBareAgent()
	now := time.Now()
	for i := 0; i < 9; i++ {
		TaskCompletion{TaskType: "t", Quality: 1}.apply(a, now, 100)
	}
	ErrorOccurrence{ErrorType: "boom"}.apply(a, now, 100)

	s, err := NewRuntimeSampler().Sample(t.Context(), a)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, s.ErrorRate, 1e-9)
	assert.GreaterOrEqual(t, s.MemoryUsage, 0.0)
	assert.GreaterOrEqual(t, s.CPUUsage, 0.0)
}
