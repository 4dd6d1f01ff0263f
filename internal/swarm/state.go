package swarm

import (
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/mtzanidakis/hive/internal/agent"
)

// SessionState is the live working set of a session. A task id is in at
// most one of ActiveTasks, CompletedTasks and FailedTasks.
type SessionState struct {
	Agents         map[string]*agent.Agent
	ActiveTasks    map[string]*Task
	TaskQueue      []*Task
	CompletedTasks []string
	FailedTasks    []string
	WorkingMemory  map[string]any
	SharedContext  map[string]any
	TopologyConfig json.RawMessage
	NextActions    []string
}

func newState() *SessionState {
	return &SessionState{
		Agents:        make(map[string]*agent.Agent),
		ActiveTasks:   make(map[string]*Task),
		WorkingMemory: make(map[string]any),
		SharedContext: make(map[string]any),
	}
}

type kv[V any] struct {
	Key   string `json:"key"`
	Value V      `json:"value"`
}

func toEntries[V any](m map[string]V) []kv[V] {
	out := make([]kv[V], 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, kv[V]{Key: k, Value: m[k]})
	}
	return out
}

func fromEntries[V any](es []kv[V]) map[string]V {
	m := make(map[string]V, len(es))
	for _, e := range es {
		m[e.Key] = e.Value
	}
	return m
}

// wireState is the persisted shape. Maps are written as key-sorted
// key/value lists so the output is stable.
type wireState struct {
	Agents         []kv[*agent.Agent] `json:"agents"`
	ActiveTasks    []kv[*Task]        `json:"active_tasks"`
	TaskQueue      []*Task            `json:"task_queue"`
	CompletedTasks []string           `json:"completed_tasks"`
	FailedTasks    []string           `json:"failed_tasks"`
	WorkingMemory  []kv[any]          `json:"working_memory"`
	SharedContext  []kv[any]          `json:"shared_context"`
	TopologyConfig json.RawMessage    `json:"topology_config,omitempty"`
	NextActions    []string           `json:"next_actions"`
}

func (st *SessionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireState{
		Agents:         toEntries(st.Agents),
		ActiveTasks:    toEntries(st.ActiveTasks),
		TaskQueue:      nonNil(st.TaskQueue),
		CompletedTasks: nonNil(st.CompletedTasks),
		FailedTasks:    nonNil(st.FailedTasks),
		WorkingMemory:  toEntries(st.WorkingMemory),
		SharedContext:  toEntries(st.SharedContext),
		TopologyConfig: st.TopologyConfig,
		NextActions:    nonNil(st.NextActions),
	})
}

func (st *SessionState) UnmarshalJSON(data []byte) error {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*st = SessionState{
		Agents:         fromEntries(w.Agents),
		ActiveTasks:    fromEntries(w.ActiveTasks),
		TaskQueue:      nonNil(w.TaskQueue),
		CompletedTasks: nonNil(w.CompletedTasks),
		FailedTasks:    nonNil(w.FailedTasks),
		WorkingMemory:  fromEntries(w.WorkingMemory),
		SharedContext:  fromEntries(w.SharedContext),
		TopologyConfig: w.TopologyConfig,
		NextActions:    nonNil(w.NextActions),
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// clone deep-copies the state through its persisted encoding, so a copy
// shares nothing with the original and equals what a reload would produce.
func (st *SessionState) clone() (*SessionState, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	var out SessionState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &out, nil
}

// normalize round-trips a value through JSON so that what is held in memory
// is what a checkpoint restores (numbers become float64 and so on).
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (st *SessionState) hasTask(id string) bool {
	if _, ok := st.ActiveTasks[id]; ok {
		return true
	}
	if st.queueIndex(id) >= 0 {
		return true
	}
	return slices.Contains(st.CompletedTasks, id) || slices.Contains(st.FailedTasks, id)
}

func (st *SessionState) queueIndex(id string) int {
	return slices.IndexFunc(st.TaskQueue, func(t *Task) bool { return t.ID == id })
}

// finished reports whether a task id reached a terminal bucket.
func (st *SessionState) finished(id string) bool {
	return slices.Contains(st.CompletedTasks, id) || slices.Contains(st.FailedTasks, id)
}

// activeSorted returns active tasks ordered by creation.
func (st *SessionState) activeSorted() []*Task {
	ts := slices.Collect(maps.Values(st.ActiveTasks))
	slices.SortFunc(ts, func(a, b *Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return ts
}
