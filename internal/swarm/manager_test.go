package swarm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/filestore"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu          sync.Mutex
	sessions    map[string][]byte
	order       []string
	checkpoints map[string][]memCheckpoint
	fail        bool
}

type memCheckpoint struct {
	id   string
	data []byte
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string][]byte), checkpoints: make(map[string][]memCheckpoint)}
}

func (s *memStore) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *memStore) WriteSession(_ context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	if _, ok := s.sessions[id]; !ok {
		s.order = append(s.order, id)
	}
	s.sessions[id] = data
	return nil
}

func (s *memStore) ReadSession(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id], nil
}

func (s *memStore) ListSessions(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...), nil
}

func (s *memStore) WriteCheckpoint(_ context.Context, sessionID, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	for i, cp := range s.checkpoints[sessionID] {
		if cp.id == id {
			s.checkpoints[sessionID][i].data = data
			return nil
		}
	}
	s.checkpoints[sessionID] = append(s.checkpoints[sessionID], memCheckpoint{id: id, data: data})
	return nil
}

func (s *memStore) ReadCheckpoints(_ context.Context, sessionID string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, cp := range s.checkpoints[sessionID] {
		out = append(out, cp.data)
	}
	return out, nil
}

func (s *memStore) PruneCheckpoints(_ context.Context, sessionID string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cps := s.checkpoints[sessionID]; len(cps) > keep {
		s.checkpoints[sessionID] = cps[len(cps)-keep:]
	}
	return nil
}

func (s *memStore) checkpointCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checkpoints[sessionID])
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) PublishJSON(_ string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, v.(map[string]any)["type"].(string))
	return nil
}

func (p *recordingPublisher) has(eventType string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == eventType {
			return true
		}
	}
	return false
}

func testDefaults() config.SessionsConfig {
	return config.SessionsConfig{
		MaxAgents:          10,
		MaxConcurrentTasks: 5,
		CheckpointInterval: time.Hour,
		AutoCheckpoint:     false,
		PersistToDisk:      true,
		MaxCheckpoints:     10,
		EvictAfter:         time.Hour,
		ReapInterval:       time.Hour,
	}
}

func newTestManager(t *testing.T, cs CheckpointStore) *Manager {
	t.Helper()
	m := NewManager(Options{Defaults: testDefaults(), Store: cs, Publisher: &recordingPublisher{}})
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func testAgent(id string) *agent.Agent {
	return &agent.Agent{
		ID:                 id,
		Name:               "agent " + id,
		Type:               agent.TypeResearch,
		Version:            "1.0.0",
		Status:             agent.StatusIdle,
		Capabilities:       []string{"search"},
		MaxConcurrentTasks: 2,
	}
}

// checkBuckets asserts that no task id is in more than one bucket.
func checkBuckets(t *testing.T, st *SessionState) {
	t.Helper()
	seen := make(map[string]string)
	mark := func(id, bucket string) {
		if prev, ok := seen[id]; ok {
			t.Fatalf("task %s in both %s and %s", id, prev, bucket)
		}
		seen[id] = bucket
	}
	for id := range st.ActiveTasks {
		mark(id, "active")
	}
	for _, task := range st.TaskQueue {
		mark(task.ID, "queue")
	}
	for _, id := range st.CompletedTasks {
		mark(id, "completed")
	}
	for _, id := range st.FailedTasks {
		mark(id, "failed")
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	cs := newMemStore()
	m := newTestManager(t, cs)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, "proj", "", TopologyMesh, nil, map[string]string{"owner": "ops"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, 10, s.Config.MaxAgents)
	assert.Equal(t, "session-"+s.ID[:8], s.Name)
	assert.Equal(t, "ops", s.Metadata["owner"])
	assert.NotNil(t, s.State.ActiveTasks)

	data, _ := cs.ReadSession(ctx, s.ID)
	assert.NotNil(t, data, "session should be persisted on creation")
	assert.True(t, m.pub.(*recordingPublisher).has("session_created"))
}

func TestCreateSessionConfigMerge(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.CreateSession(ctx, "p", "bad", TopologyStar, &Config{MaxAgents: 0}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = m.CreateSession(ctx, "p", "bad", Topology("ring"), nil, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	s, err := m.CreateSession(ctx, "p", "merged", TopologyStar, &Config{MaxAgents: 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Config.MaxAgents)
	assert.Equal(t, 5, s.Config.MaxConcurrentTasks)
	assert.Equal(t, 10, s.Config.MaxCheckpoints)
	assert.Equal(t, time.Hour, s.Config.CheckpointInterval)
	assert.False(t, s.Config.PersistToDisk)
}

func TestSessionScenarioRosterAndCompletion(t *testing.T) {
	m := newTestManager(t, newMemStore())
	ctx := context.Background()

	s, err := m.CreateSession(ctx, "p", "scenario", TopologyHierarchical,
		&Config{MaxAgents: 2, MaxCheckpoints: 3, AutoCheckpoint: false}, nil)
	require.NoError(t, err)

	require.NoError(t, m.AddAgent(ctx, s.ID, testAgent("a1")))
	require.NoError(t, m.AddAgent(ctx, s.ID, testAgent("a2")))
	err = m.AddAgent(ctx, s.ID, testAgent("a3"))
	require.ErrorIs(t, err, ErrCapacityExceeded)

	got, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, got.AgentIDs)
	assert.Len(t, got.State.Agents, 2)
	assert.Equal(t, "a1", got.CoordinatorID)

	task, err := m.AddTask(ctx, s.ID, Task{ID: "t1", Description: "lint the repo"})
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, task.Status)

	require.NoError(t, m.UpdateTaskStatus(ctx, s.ID, "t1", TaskCompleted))

	stats, err := m.GetSessionStats(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CompletedTasks)
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.Equal(t, 2, stats.ActiveAgents)

	got, _ = m.GetSession(ctx, s.ID)
	assert.Equal(t, 1, got.TasksCompleted)
	assert.Equal(t, 1, got.TasksTotal)
	assert.NotContains(t, got.State.ActiveTasks, "t1")
	assert.Equal(t, []string{"t1"}, got.State.CompletedTasks)
}

func TestAddAgentRefreshesSnapshot(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "p", "", TopologyMesh, &Config{MaxAgents: 1}, nil)
	require.NoError(t, err)

	a := testAgent("a1")
	require.NoError(t, m.AddAgent(ctx, s.ID, a))
	a.Status = agent.StatusBusy
	a.Capabilities = append(a.Capabilities, "mutated")

	got, _ := m.GetSession(ctx, s.ID)
	assert.Equal(t, agent.StatusIdle, got.State.Agents["a1"].Status, "bound agent is a snapshot")
	assert.Empty(t, got.CoordinatorID, "mesh has no coordinator")

	// Same agent again does not count against the roster cap.
	require.NoError(t, m.AddAgent(ctx, s.ID, a))
	got, _ = m.GetSession(ctx, s.ID)
	assert.Equal(t, agent.StatusBusy, got.State.Agents["a1"].Status)
	assert.Len(t, got.AgentIDs, 1)
}

func TestRemoveAgentReelectsCoordinator(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "p", "", TopologyStar, nil, nil)
	require.NoError(t, err)

	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, m.AddAgent(ctx, s.ID, testAgent(id)))
	}
	require.NoError(t, m.RemoveAgent(ctx, s.ID, "a1"))

	got, _ := m.GetSession(ctx, s.ID)
	assert.Equal(t, []string{"a2", "a3"}, got.AgentIDs)
	assert.Equal(t, "a2", got.CoordinatorID)
	assert.NotContains(t, got.State.Agents, "a1")

	require.ErrorIs(t, m.RemoveAgent(ctx, s.ID, "a1"), ErrNotFound)
}

func TestCheckpointResumeRoundTrip(t *testing.T) {
	m := newTestManager(t, newMemStore())
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "p", "roundtrip", TopologyHierarchical, nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.AddAgent(ctx, s.ID, testAgent("a1")))
	_, err = m.AddTask(ctx, s.ID, Task{ID: "done", Description: "first", Metadata: map[string]string{"k": "v"}})
	require.NoError(t, err)
	require.NoError(t, m.UpdateTaskStatus(ctx, s.ID, "done", TaskCompleted))
	_, err = m.AddTask(ctx, s.ID, Task{ID: "live", Description: "second", Priority: 2})
	require.NoError(t, err)
	require.NoError(t, m.SetMemory(ctx, s.ID, "plan", map[string]any{"steps": []any{"a", "b"}, "n": 3}, false))
	require.NoError(t, m.SetMemory(ctx, s.ID, "goal", "ship it", true))

	before, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)

	cp, err := m.CreateCheckpoint(ctx, s.ID, "manual", map[string]string{"by": "test"})
	require.NoError(t, err)
	assert.Equal(t, "manual", cp.Reason)

	// Mutations after the snapshot do not reach it.
	require.NoError(t, m.UpdateTaskStatus(ctx, s.ID, "live", TaskFailed))
	require.NoError(t, m.AddAgent(ctx, s.ID, testAgent("a2")))
	require.NoError(t, m.SetMemory(ctx, s.ID, "plan", "changed", false))
	_, err = m.AddTask(ctx, s.ID, Task{ID: "later", Description: "third"})
	require.NoError(t, err)

	resumed, err := m.ResumeSession(ctx, s.ID, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, resumed.Status)
	assert.Equal(t, before.State, resumed.State)
	assert.Equal(t, []string{"a1"}, resumed.AgentIDs)
	assert.Equal(t, 1, resumed.TasksCompleted)
	assert.Equal(t, 2, resumed.TasksTotal)
	checkBuckets(t, resumed.State)
}

func TestCheckpointCap(t *testing.T) {
	cs := newMemStore()
	m := newTestManager(t, cs)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "p", "", TopologyMesh, &Config{MaxAgents: 1, MaxCheckpoints: 3, PersistToDisk: true}, nil)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		cp, err := m.CreateCheckpoint(ctx, s.ID, fmt.Sprintf("manual-%d", i), nil)
		require.NoError(t, err)
		ids = append(ids, cp.ID)
	}

	got, _ := m.GetSession(ctx, s.ID)
	require.Len(t, got.Checkpoints, 3)
	for i, cp := range got.Checkpoints {
		assert.Equal(t, ids[i+2], cp.ID)
	}
	assert.Equal(t, 3, cs.checkpointCount(s.ID))

	stats, _ := m.GetSessionStats(ctx, s.ID)
	assert.Equal(t, 3, stats.Checkpoints)
	assert.Equal(t, 0.0, stats.SuccessRate)
}

func TestTaskQueueAndDependencies(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "p", "", TopologyDynamic, &Config{MaxAgents: 2, MaxConcurrentTasks: 1}, nil)
	require.NoError(t, err)

	a, _ := m.AddTask(ctx, s.ID, Task{ID: "a"})
	b, _ := m.AddTask(ctx, s.ID, Task{ID: "b", Dependencies: []string{"a"}})
	c, _ := m.AddTask(ctx, s.ID, Task{ID: "c"})
	assert.Equal(t, TaskRunning, a.Status)
	assert.Equal(t, TaskPending, b.Status)
	assert.Equal(t, TaskPending, c.Status)

	plan, err := m.TaskPlan(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "c"}, {"b"}}, plan.Tiers)

	// No free slot.
	err = m.UpdateTaskStatus(ctx, s.ID, "c", TaskRunning)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	require.NoError(t, m.UpdateTaskStatus(ctx, s.ID, "a", TaskCompleted))
	got, _ := m.GetSession(ctx, s.ID)
	assert.Contains(t, got.State.ActiveTasks, "b")
	require.Len(t, got.State.TaskQueue, 1)
	assert.Equal(t, "c", got.State.TaskQueue[0].ID)

	require.NoError(t, m.UpdateTaskStatus(ctx, s.ID, "b", TaskFailed))
	got, _ = m.GetSession(ctx, s.ID)
	assert.Contains(t, got.State.ActiveTasks, "c")
	assert.Equal(t, []string{"b"}, got.State.FailedTasks)
	checkBuckets(t, got.State)

	stats, _ := m.GetSessionStats(ctx, s.ID)
	assert.Equal(t, 0.5, stats.SuccessRate)
}

func TestAddTaskRejectsCyclesAndDuplicates(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "p", "", TopologyMesh, nil, nil)
	require.NoError(t, err)

	_, err = m.AddTask(ctx, s.ID, Task{ID: "x", Dependencies: []string{"y"}})
	require.NoError(t, err)
	_, err = m.AddTask(ctx, s.ID, Task{ID: "y", Dependencies: []string{"x"}})
	require.ErrorIs(t, err, ErrInvalidTask)
	_, err = m.AddTask(ctx, s.ID, Task{ID: "x"})
	require.ErrorIs(t, err, ErrInvalidTask)
	_, err = m.AddTask(ctx, s.ID, Task{ID: "self", Dependencies: []string{"self"}})
	require.ErrorIs(t, err, ErrInvalidTask)

	generated, err := m.AddTask(ctx, s.ID, Task{Description: "no id"})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)
}

func TestUpdateTaskStatusIsAtMostOnce(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "p", "", TopologyMesh, nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.UpdateTaskStatus(ctx, s.ID, "ghost", TaskCompleted))
	require.ErrorIs(t, m.UpdateTaskStatus(ctx, s.ID, "ghost", TaskStatus("lost")), ErrInvalidTask)

	_, err = m.AddTask(ctx, s.ID, Task{ID: "t1"})
	require.NoError(t, err)
	require.NoError(t, m.UpdateTaskStatus(ctx, s.ID, "t1", TaskCompleted))
	require.NoError(t, m.UpdateTaskStatus(ctx, s.ID, "t1", TaskCompleted))
	require.NoError(t, m.UpdateTaskStatus(ctx, s.ID, "t1", TaskFailed))

	got, _ := m.GetSession(ctx, s.ID)
	assert.Equal(t, 1, got.TasksCompleted)
	assert.Equal(t, []string{"t1"}, got.State.CompletedTasks)
	assert.Empty(t, got.State.FailedTasks)
}

func TestTaskBucketExclusivity(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "p", "", TopologyMesh, &Config{MaxAgents: 1, MaxConcurrentTasks: 2}, nil)
	require.NoError(t, err)

	statuses := []TaskStatus{TaskCompleted, TaskRunning, TaskFailed, TaskPending, TaskCompleted}
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("t%d", i)
		_, err := m.AddTask(ctx, s.ID, Task{ID: id})
		require.NoError(t, err)
		for j := 0; j <= i; j += 2 {
			_ = m.UpdateTaskStatus(ctx, s.ID, fmt.Sprintf("t%d", j), statuses[(i+j)%len(statuses)])
			got, err := m.GetSession(ctx, s.ID)
			require.NoError(t, err)
			checkBuckets(t, got.State)
			assert.LessOrEqual(t, len(got.State.ActiveTasks), 2)
		}
	}
}

func TestPauseResumeTerminate(t *testing.T) {
	cs := newMemStore()
	m := newTestManager(t, cs)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "p", "", TopologyMesh, nil, nil)
	require.NoError(t, err)

	cp, err := m.PauseSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "pause", cp.Reason)

	got, _ := m.GetSession(ctx, s.ID)
	assert.Equal(t, StatusPaused, got.Status)

	_, err = m.PauseSession(ctx, s.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = m.AddTask(ctx, s.ID, Task{ID: "t"})
	require.ErrorIs(t, err, ErrInactive)

	resumed, err := m.ResumeSession(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, resumed.Status)

	_, err = m.PauseSession(ctx, s.ID)
	require.NoError(t, err)

	cp, err = m.TerminateSession(ctx, s.ID, "done")
	require.NoError(t, err)
	assert.Equal(t, "terminate: done", cp.Reason)

	got, _ = m.GetSession(ctx, s.ID)
	assert.Equal(t, StatusTerminated, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Len(t, got.Checkpoints, 3)

	_, err = m.ResumeSession(ctx, s.ID, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = m.TerminateSession(ctx, s.ID, "again")
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = m.CreateCheckpoint(ctx, s.ID, "manual", nil)
	require.ErrorIs(t, err, ErrInvalidTransition)

	stats, _ := m.GetSessionStats(ctx, s.ID)
	assert.Equal(t, got.CompletedAt.Sub(got.StartedAt), stats.Uptime)
	assert.True(t, m.pub.(*recordingPublisher).has("session_terminated"))
}

func TestResumeNotFound(t *testing.T) {
	m := newTestManager(t, newMemStore())
	ctx := context.Background()

	_, err := m.ResumeSession(ctx, "missing", "")
	require.ErrorIs(t, err, ErrNotFound)

	s, err := m.CreateSession(ctx, "p", "", TopologyMesh, nil, nil)
	require.NoError(t, err)
	_, err = m.ResumeSession(ctx, s.ID, "no-such-checkpoint")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEvictAndReload(t *testing.T) {
	cs := newMemStore()
	m := newTestManager(t, cs)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "p", "", TopologyMesh, nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.AddAgent(ctx, s.ID, testAgent("a1")))

	require.ErrorIs(t, m.Evict(ctx, s.ID), ErrInvalidTransition)

	cp, err := m.PauseSession(ctx, s.ID)
	require.NoError(t, err)
	require.NoError(t, m.Evict(ctx, s.ID))
	require.ErrorIs(t, m.Evict(ctx, s.ID), ErrNotFound)

	sums, err := m.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, StatusPaused, sums[0].Status)
	assert.Equal(t, 1, sums[0].Agents)

	resumed, err := m.ResumeSession(ctx, s.ID, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, resumed.Status)
	assert.Contains(t, resumed.State.Agents, "a1")
	require.Len(t, resumed.Checkpoints, 1)
	assert.Equal(t, cp.ID, resumed.Checkpoints[0].ID)
}

func TestReaperEvictsIdleSessions(t *testing.T) {
	cs := newMemStore()
	m := newTestManager(t, cs)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "p", "", TopologyMesh, nil, nil)
	require.NoError(t, err)
	_, err = m.PauseSession(ctx, s.ID)
	require.NoError(t, err)

	m.mu.Lock()
	m.defaults.EvictAfter = time.Millisecond
	m.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	m.reap(ctx)

	m.mu.RLock()
	_, inMemory := m.sessions[s.ID]
	m.mu.RUnlock()
	assert.False(t, inMemory)

	got, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
}

func TestPersistenceFailureIsRetried(t *testing.T) {
	cs := newMemStore()
	m := newTestManager(t, cs)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "p", "", TopologyMesh, nil, nil)
	require.NoError(t, err)

	cs.setFail(true)
	cp, err := m.CreateCheckpoint(ctx, s.ID, "manual", nil)
	require.NoError(t, err, "in-memory checkpoint survives a store failure")
	assert.Equal(t, 0, cs.checkpointCount(s.ID))

	got, _ := m.GetSession(ctx, s.ID)
	assert.Equal(t, StatusActive, got.Status)

	cs.setFail(false)
	m.reap(ctx)
	require.Equal(t, 1, cs.checkpointCount(s.ID))
	raw, _ := cs.ReadCheckpoints(ctx, s.ID)
	assert.Contains(t, string(raw[0]), cp.ID)
}

func TestAutoCheckpointChain(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "p", "", TopologyMesh,
		&Config{MaxAgents: 1, AutoCheckpoint: true, CheckpointInterval: 10 * time.Millisecond, MaxCheckpoints: 100}, nil)
	require.NoError(t, err)

	count := func() int {
		got, err := m.GetSession(ctx, s.ID)
		require.NoError(t, err)
		return len(got.Checkpoints)
	}
	require.Eventually(t, func() bool { return count() >= 3 }, 2*time.Second, 5*time.Millisecond)

	_, err = m.PauseSession(ctx, s.ID)
	require.NoError(t, err)
	paused := count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, paused, count(), "paused sessions take no automatic checkpoints")

	got, _ := m.GetSession(ctx, s.ID)
	assert.Equal(t, "auto", got.Checkpoints[0].Reason)
}

func TestSessionTimeout(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "p", "", TopologyMesh,
		&Config{MaxAgents: 1, Timeout: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.GetSession(ctx, s.ID)
		return err == nil && got.Status == StatusTerminated
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := m.GetSession(ctx, s.ID)
	require.NotEmpty(t, got.Checkpoints)
	assert.Equal(t, "terminate: timeout", got.Checkpoints[len(got.Checkpoints)-1].Reason)
}

func TestShutdownPersistsAndInitializeReloads(t *testing.T) {
	dir := t.TempDir()
	db, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "hive.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	m := NewManager(Options{Defaults: testDefaults(), Store: db})
	require.NoError(t, m.Initialize(ctx))
	s, err := m.CreateSession(ctx, "p", "durable", TopologyHierarchical, nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.AddAgent(ctx, s.ID, testAgent("a1")))
	_, err = m.AddTask(ctx, s.ID, Task{ID: "t1", Description: "build"})
	require.NoError(t, err)
	_, err = m.CreateCheckpoint(ctx, s.ID, "manual", nil)
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(ctx))

	_, err = m.CreateSession(ctx, "p", "late", TopologyMesh, nil, nil)
	require.ErrorIs(t, err, ErrUnavailable)

	m2 := NewManager(Options{Defaults: testDefaults(), Store: db})
	require.NoError(t, m2.Initialize(ctx))
	t.Cleanup(func() { _ = m2.Shutdown(ctx) })

	got, err := m2.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, "a1", got.CoordinatorID)
	assert.Contains(t, got.State.ActiveTasks, "t1")
	assert.Len(t, got.Checkpoints, 1)

	sums, err := m2.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "durable", sums[0].Name)
}

func TestFileBackendSealedCheckpoints(t *testing.T) {
	fs, err := filestore.New(config.CheckpointConfig{
		Backend:    "file",
		Dir:        t.TempDir(),
		Compress:   true,
		Passphrase: "correct horse",
	})
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	m := newTestManager(t, fs)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "p", "", TopologyMesh, nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.SetMemory(ctx, s.ID, "k", 42, false))
	cp, err := m.TerminateSession(ctx, s.ID, "finished")
	require.NoError(t, err)
	require.NoError(t, m.Evict(ctx, s.ID))

	got, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, got.Status)
	require.Len(t, got.Checkpoints, 1)
	assert.Equal(t, cp.ID, got.Checkpoints[0].ID)
	assert.Equal(t, float64(42), got.Checkpoints[0].State.WorkingMemory["k"])
}

func TestUpdateDefaults(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	cfg := testDefaults()
	cfg.MaxAgents = 4
	m.UpdateDefaults(cfg)

	s, err := m.CreateSession(ctx, "p", "", TopologyMesh, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Config.MaxAgents)
}
