package agent

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"
)

type SuccessPattern struct {
	Signature   string    `json:"signature"`
	TaskType    string    `json:"task_type"`
	SuccessRate float64   `json:"success_rate"`
	Frequency   int       `json:"frequency"`
	LastSeen    time.Time `json:"last_seen"`
}

type FailurePattern struct {
	Signature string    `json:"signature"`
	ErrorType string    `json:"error_type"`
	Frequency int       `json:"frequency"`
	LastSeen  time.Time `json:"last_seen"`
}

type LearnedSkill struct {
	Skill       string    `json:"skill"`
	Proficiency float64   `json:"proficiency"`
	LearnedAt   time.Time `json:"learned_at"`
}

type DiscoveredPattern struct {
	Pattern      string    `json:"pattern"`
	Confidence   float64   `json:"confidence"`
	Context      string    `json:"context,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

type EffectiveStrategy struct {
	Strategy      string            `json:"strategy"`
	Effectiveness float64           `json:"effectiveness"`
	Before        map[string]string `json:"before,omitempty"`
	After         map[string]string `json:"after,omitempty"`
	RecordedAt    time.Time         `json:"recorded_at"`
}

type BehaviorAdaptation struct {
	Trigger   string    `json:"trigger"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

type PreferenceChange struct {
	Preference string    `json:"preference"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to"`
	ChangedAt  time.Time `json:"changed_at"`
}

type CapabilityEnhancement struct {
	Capability string    `json:"capability"`
	Source     string    `json:"source,omitempty"`
	AddedAt    time.Time `json:"added_at"`
}

// LearningData is the adaptive state folded from learning events.
type LearningData struct {
	SuccessPatterns map[string]SuccessPattern `json:"success_patterns"`
	FailurePatterns map[string]FailurePattern `json:"failure_patterns"`
	Skills          []LearnedSkill            `json:"skills"`
	Patterns        []DiscoveredPattern       `json:"patterns"`
	Strategies      []EffectiveStrategy       `json:"strategies"`
	Adaptations     []BehaviorAdaptation      `json:"adaptations"`
	Preferences     []PreferenceChange        `json:"preferences"`
	Enhancements    []CapabilityEnhancement   `json:"enhancements"`
}

func newLearningData() LearningData {
	return LearningData{
		SuccessPatterns: make(map[string]SuccessPattern),
		FailurePatterns: make(map[string]FailurePattern),
	}
}

func (d LearningData) clone() LearningData {
	c := LearningData{
		SuccessPatterns: maps.Clone(d.SuccessPatterns),
		FailurePatterns: maps.Clone(d.FailurePatterns),
		Skills:          slices.Clone(d.Skills),
		Patterns:        slices.Clone(d.Patterns),
		Adaptations:     slices.Clone(d.Adaptations),
		Preferences:     slices.Clone(d.Preferences),
		Enhancements:    slices.Clone(d.Enhancements),
	}
	if c.SuccessPatterns == nil {
		c.SuccessPatterns = make(map[string]SuccessPattern)
	}
	if c.FailurePatterns == nil {
		c.FailurePatterns = make(map[string]FailurePattern)
	}
	for _, s := range d.Strategies {
		s.Before = maps.Clone(s.Before)
		s.After = maps.Clone(s.After)
		c.Strategies = append(c.Strategies, s)
	}
	return c
}

// signature builds the canonical pattern key. Condition order does not
// matter.
func signature(parts []string, conditions []string) string {
	conds := slices.Clone(conditions)
	sort.Strings(conds)
	return strings.Join(append(parts, strings.Join(conds, ",")), "|")
}

type EventType string

const (
	EventTaskCompletion         EventType = "task_completion"
	EventErrorOccurrence        EventType = "error_occurrence"
	EventPerformanceImprovement EventType = "performance_improvement"
	EventPatternDiscovery       EventType = "pattern_discovery"
	EventSkillAcquisition       EventType = "skill_acquisition"
)

type Impact string

const (
	ImpactPositive Impact = "positive"
	ImpactNegative Impact = "negative"
	ImpactNeutral  Impact = "neutral"
)

// Payload is the closed set of learning event bodies. Each variant folds
// itself into an agent.
type Payload interface {
	Type() EventType
	apply(a *Agent, at time.Time, historyCap int)
}

type TaskCompletion struct {
	TaskID          string   `json:"task_id,omitempty"`
	TaskType        string   `json:"task_type"`
	Complexity      string   `json:"complexity,omitempty"`
	Conditions      []string `json:"conditions,omitempty"`
	Quality         float64  `json:"quality"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
}

type ErrorOccurrence struct {
	TaskID    string `json:"task_id,omitempty"`
	ErrorType string `json:"error_type"`
	Context   string `json:"context,omitempty"`
	TaskType  string `json:"task_type,omitempty"`
	Message   string `json:"message,omitempty"`
}

type PerformanceImprovement struct {
	Strategy      string            `json:"strategy"`
	Effectiveness float64           `json:"effectiveness"`
	Before        map[string]string `json:"before,omitempty"`
	After         map[string]string `json:"after,omitempty"`
	// Preference, when set, records a preference change alongside the
	// strategy.
	Preference *PreferenceChange `json:"preference,omitempty"`
}

type PatternDiscovery struct {
	Pattern    string  `json:"pattern"`
	Confidence float64 `json:"confidence"`
	Context    string  `json:"context,omitempty"`
}

type SkillAcquisition struct {
	Skill       string  `json:"skill"`
	Proficiency float64 `json:"proficiency"`
	Source      string  `json:"source,omitempty"`
}

func (TaskCompletion) Type() EventType         { return EventTaskCompletion }
func (ErrorOccurrence) Type() EventType        { return EventErrorOccurrence }
func (PerformanceImprovement) Type() EventType { return EventPerformanceImprovement }
func (PatternDiscovery) Type() EventType       { return EventPatternDiscovery }
func (SkillAcquisition) Type() EventType       { return EventSkillAcquisition }

func (p TaskCompletion) apply(a *Agent, at time.Time, historyCap int) {
	sig := signature([]string{p.TaskType, p.Complexity}, p.Conditions)
	sp := a.Learning.SuccessPatterns[sig]
	sp.Signature = sig
	sp.TaskType = p.TaskType
	sp.Frequency++
	sp.SuccessRate = (sp.SuccessRate*float64(sp.Frequency-1) + p.Quality) / float64(sp.Frequency)
	sp.LastSeen = at
	a.Learning.SuccessPatterns[sig] = sp

	a.appendMetric(PerformanceMetrics{
		Timestamp:     at,
		TaskID:        p.TaskID,
		TaskType:      p.TaskType,
		ExecutionTime: time.Duration(p.ExecutionTimeMs) * time.Millisecond,
		Quality:       p.Quality,
		Success:       true,
	}, historyCap)
}

func (p ErrorOccurrence) apply(a *Agent, at time.Time, historyCap int) {
	sig := signature([]string{p.ErrorType, p.Context, p.TaskType}, nil)
	fp := a.Learning.FailurePatterns[sig]
	fp.Signature = sig
	fp.ErrorType = p.ErrorType
	fp.Frequency++
	fp.LastSeen = at
	a.Learning.FailurePatterns[sig] = fp

	a.Learning.Adaptations = append(a.Learning.Adaptations, BehaviorAdaptation{
		Trigger:   sig,
		Action:    avoidance(p),
		CreatedAt: at,
	})

	// Failures count toward the error rate seen by health checks.
	a.appendMetric(PerformanceMetrics{
		Timestamp: at,
		TaskID:    p.TaskID,
		TaskType:  p.TaskType,
		Success:   false,
	}, historyCap)
}

func avoidance(p ErrorOccurrence) string {
	action := fmt.Sprintf("avoid %s", p.ErrorType)
	if p.TaskType != "" {
		action += " in " + p.TaskType + " tasks"
	}
	if p.Context != "" {
		action += " when " + p.Context
	}
	return action
}

func (p PerformanceImprovement) apply(a *Agent, at time.Time, _ int) {
	a.Learning.Strategies = append(a.Learning.Strategies, EffectiveStrategy{
		Strategy:      p.Strategy,
		Effectiveness: p.Effectiveness,
		Before:        maps.Clone(p.Before),
		After:         maps.Clone(p.After),
		RecordedAt:    at,
	})
	if p.Preference != nil {
		pc := *p.Preference
		pc.ChangedAt = at
		a.Learning.Preferences = append(a.Learning.Preferences, pc)
	}
}

func (p PatternDiscovery) apply(a *Agent, at time.Time, _ int) {
	a.Learning.Patterns = append(a.Learning.Patterns, DiscoveredPattern{
		Pattern:      p.Pattern,
		Confidence:   p.Confidence,
		Context:      p.Context,
		DiscoveredAt: at,
	})
}

func (p SkillAcquisition) apply(a *Agent, at time.Time, _ int) {
	a.Learning.Skills = append(a.Learning.Skills, LearnedSkill{
		Skill:       p.Skill,
		Proficiency: p.Proficiency,
		LearnedAt:   at,
	})
	a.Capabilities = appendUnique(a.Capabilities, p.Skill)
	a.Learning.Enhancements = append(a.Learning.Enhancements, CapabilityEnhancement{
		Capability: p.Skill,
		Source:     p.Source,
		AddedAt:    at,
	})
}

func (a *Agent) appendMetric(m PerformanceMetrics, historyCap int) {
	a.Performance = append(a.Performance, m)
	if historyCap > 0 && len(a.Performance) > historyCap {
		a.Performance = slices.Clone(a.Performance[len(a.Performance)-historyCap:])
	}
}

// Event is an immutable learning fact about one agent.
type Event struct {
	AgentID   string
	Impact    Impact
	Timestamp time.Time
	Payload   Payload

	// applied marks a queued copy that was already folded on record.
	applied bool
}

type eventJSON struct {
	AgentID   string          `json:"agent_id"`
	Type      EventType       `json:"type"`
	Impact    Impact          `json:"impact,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("marshal event: missing payload")
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(eventJSON{
		AgentID:   e.AgentID,
		Type:      e.Payload.Type(),
		Impact:    e.Impact,
		Timestamp: e.Timestamp,
		Payload:   payload,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p, err := decodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	*e = Event{AgentID: raw.AgentID, Impact: raw.Impact, Timestamp: raw.Timestamp, Payload: p}
	return nil
}

func decodePayload(t EventType, data json.RawMessage) (Payload, error) {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	switch t {
	case EventTaskCompletion:
		return decodeAs[TaskCompletion](t, data)
	case EventErrorOccurrence:
		return decodeAs[ErrorOccurrence](t, data)
	case EventPerformanceImprovement:
		return decodeAs[PerformanceImprovement](t, data)
	case EventPatternDiscovery:
		return decodeAs[PatternDiscovery](t, data)
	case EventSkillAcquisition:
		return decodeAs[SkillAcquisition](t, data)
	default:
		return nil, fmt.Errorf("unknown learning event type %q", t)
	}
}

func decodeAs[P Payload](t EventType, data json.RawMessage) (Payload, error) {
	var v P
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return v, nil
}

func (e Event) highImpact() bool {
	return e.Impact == ImpactPositive || e.Impact == ImpactNegative
}
