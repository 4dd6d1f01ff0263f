package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/nats-io/nats.go"
)

type Sessions interface {
	CreateSession(ctx context.Context, projectID, name string, topology swarm.Topology, cfg *swarm.Config, metadata map[string]string) (*swarm.Session, error)
	ListSessions(ctx context.Context) ([]swarm.Summary, error)
	GetSession(ctx context.Context, id string) (*swarm.Session, error)
	GetSessionStats(ctx context.Context, id string) (*swarm.Stats, error)
	TaskPlan(ctx context.Context, id string) (*swarm.Plan, error)
	PauseSession(ctx context.Context, id string) (*swarm.Checkpoint, error)
	ResumeSession(ctx context.Context, id, checkpointID string) (*swarm.Session, error)
	TerminateSession(ctx context.Context, id, reason string) (*swarm.Checkpoint, error)
	CreateCheckpoint(ctx context.Context, id, reason string, metadata map[string]string) (*swarm.Checkpoint, error)
	Evict(ctx context.Context, id string) error
	AddAgent(ctx context.Context, sessionID string, a *agent.Agent) error
	AddTask(ctx context.Context, sessionID string, t swarm.Task) (*swarm.Task, error)
	UpdateTaskStatus(ctx context.Context, sessionID, taskID string, status swarm.TaskStatus) error
	SetMemory(ctx context.Context, sessionID, key string, value any, shared bool) error
}

type Agents interface {
	CreateAgent(ctx context.Context, cfg agent.Configuration) (*agent.Agent, error)
	GetAgent(id string) (*agent.Agent, error)
	ListAgents() []*agent.Agent
	RetireAgent(ctx context.Context, id, reason string) error
	PerformHealthCheck(ctx context.Context, id string) (*agent.HealthCheckResult, error)
	RestartAgent(ctx context.Context, id, reason string) error
	PauseAgent(ctx context.Context, id string) error
	ResumeAgent(ctx context.Context, id string) error
	AssignTask(ctx context.Context, id, taskID string) error
	ReleaseTask(ctx context.Context, id, taskID string) error
	GetSystemHealth() agent.SystemHealth
}

type Subscriber interface {
	Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error)
}

// Server answers control requests against the session and agent managers.
type Server struct {
	sessions Sessions
	agents   Agents
	timeout  time.Duration
}

func NewServer(sessions Sessions, agents Agents) *Server {
	return &Server{sessions: sessions, agents: agents, timeout: 30 * time.Second}
}

func payload[P any](raw json.RawMessage) (P, error) {
	var p P
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, fmt.Errorf("decode payload: %w", err)
		}
	}
	return p, nil
}

// call decodes the payload and runs fn with it.
func call[P, R any](ctx context.Context, raw json.RawMessage, fn func(context.Context, P) (R, error)) (any, error) {
	p, err := payload[P](raw)
	if err != nil {
		return nil, err
	}
	return fn(ctx, p)
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Type {
	case SessionCreate:
		return call(ctx, req.Payload, s.createSession)
	case SessionList:
		return s.sessions.ListSessions(ctx)
	case SessionShow:
		return call(ctx, req.Payload, func(ctx context.Context, r SessionRef) (*swarm.Session, error) {
			return s.sessions.GetSession(ctx, r.SessionID)
		})
	case SessionStats:
		return call(ctx, req.Payload, func(ctx context.Context, r SessionRef) (*swarm.Stats, error) {
			return s.sessions.GetSessionStats(ctx, r.SessionID)
		})
	case SessionPlan:
		return call(ctx, req.Payload, func(ctx context.Context, r SessionRef) (*swarm.Plan, error) {
			return s.sessions.TaskPlan(ctx, r.SessionID)
		})
	case SessionPause:
		return call(ctx, req.Payload, func(ctx context.Context, r SessionRef) (*swarm.Checkpoint, error) {
			return s.sessions.PauseSession(ctx, r.SessionID)
		})
	case SessionResume:
		return call(ctx, req.Payload, func(ctx context.Context, r SessionRef) (*swarm.Session, error) {
			return s.sessions.ResumeSession(ctx, r.SessionID, r.CheckpointID)
		})
	case SessionTerminate:
		return call(ctx, req.Payload, s.terminateSession)
	case SessionCheckpoint:
		return call(ctx, req.Payload, s.checkpoint)
	case SessionEvict:
		return call(ctx, req.Payload, func(ctx context.Context, r SessionRef) (any, error) {
			return nil, s.sessions.Evict(ctx, r.SessionID)
		})
	case SessionAddAgent:
		return call(ctx, req.Payload, s.addAgent)
	case SessionAddTask:
		return call(ctx, req.Payload, s.addTask)
	case SessionTaskStatus:
		return call(ctx, req.Payload, s.taskStatus)
	case SessionSetMemory:
		return call(ctx, req.Payload, s.setMemory)

	case AgentList:
		return s.agents.ListAgents(), nil
	case AgentCreate:
		return call(ctx, req.Payload, s.agents.CreateAgent)
	case AgentRetire:
		return call(ctx, req.Payload, func(ctx context.Context, r AgentRef) (any, error) {
			return nil, s.agents.RetireAgent(ctx, r.AgentID, orDefault(r.Reason, "operator request"))
		})
	case AgentHealth:
		return call(ctx, req.Payload, func(ctx context.Context, r AgentRef) (*agent.HealthCheckResult, error) {
			return s.agents.PerformHealthCheck(ctx, r.AgentID)
		})
	case AgentRestart:
		return call(ctx, req.Payload, func(ctx context.Context, r AgentRef) (any, error) {
			return nil, s.agents.RestartAgent(ctx, r.AgentID, orDefault(r.Reason, "operator request"))
		})
	case AgentPause:
		return call(ctx, req.Payload, func(ctx context.Context, r AgentRef) (any, error) {
			return nil, s.agents.PauseAgent(ctx, r.AgentID)
		})
	case AgentResume:
		return call(ctx, req.Payload, func(ctx context.Context, r AgentRef) (any, error) {
			return nil, s.agents.ResumeAgent(ctx, r.AgentID)
		})
	case SystemHealth:
		return s.agents.GetSystemHealth(), nil
	default:
		return nil, fmt.Errorf("unknown request type: %s", req.Type)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Serve subscribes to control requests until the subscription is drained.
func (s *Server) Serve(sub Subscriber) (*nats.Subscription, error) {
	return sub.Subscribe(natsbus.TopicControl, s.handle)
}

func (s *Server) handle(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, nil, fmt.Errorf("invalid request: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	result, err := s.dispatch(ctx, req)
	if err != nil {
		slog.Debug("control request failed", "type", req.Type, "error", err)
	}
	s.respond(msg, result, err)
}

func (s *Server) respond(msg *nats.Msg, result any, err error) {
	resp := Response{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	} else if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			resp = Response{Error: fmt.Sprintf("marshal result: %v", merr)}
		} else {
			resp.Data = data
		}
	}
	data, _ := json.Marshal(resp)
	if err := msg.Respond(data); err != nil {
		slog.Warn("control reply failed", "error", err)
	}
}

func (s *Server) createSession(ctx context.Context, r CreateSession) (*swarm.Session, error) {
	return s.sessions.CreateSession(ctx, r.ProjectID, r.Name, r.Topology, r.Config, r.Metadata)
}

func (s *Server) terminateSession(ctx context.Context, r SessionRef) (*swarm.Checkpoint, error) {
	return s.sessions.TerminateSession(ctx, r.SessionID, orDefault(r.Reason, "operator request"))
}

func (s *Server) checkpoint(ctx context.Context, r SessionRef) (*swarm.Checkpoint, error) {
	return s.sessions.CreateCheckpoint(ctx, r.SessionID, orDefault(r.Reason, "manual"), r.Metadata)
}

func (s *Server) addAgent(ctx context.Context, r AddAgent) (any, error) {
	a, err := s.agents.GetAgent(r.AgentID)
	if err != nil {
		return nil, err
	}
	return nil, s.sessions.AddAgent(ctx, r.SessionID, a)
}

// addTask reserves a slot on the assigned agent before adding the task.
func (s *Server) addTask(ctx context.Context, r AddTask) (*swarm.Task, error) {
	agentID := r.Task.AssignedTo
	if agentID != "" && r.Task.ID == "" {
		return nil, fmt.Errorf("%w: assigned tasks need an id", swarm.ErrInvalidTask)
	}
	if agentID != "" {
		if err := s.agents.AssignTask(ctx, agentID, r.Task.ID); err != nil {
			return nil, err
		}
	}
	t, err := s.sessions.AddTask(ctx, r.SessionID, r.Task)
	if err != nil && agentID != "" {
		if rerr := s.agents.ReleaseTask(ctx, agentID, r.Task.ID); rerr != nil {
			slog.Warn("failed to release task", "agent", agentID, "task", r.Task.ID, "error", rerr)
		}
	}
	return t, err
}

func (s *Server) taskStatus(ctx context.Context, r TaskStatus) (any, error) {
	if err := s.sessions.UpdateTaskStatus(ctx, r.SessionID, r.TaskID, r.Status); err != nil {
		return nil, err
	}
	if r.AgentID != "" && (r.Status == swarm.TaskCompleted || r.Status == swarm.TaskFailed) {
		return nil, s.agents.ReleaseTask(ctx, r.AgentID, r.TaskID)
	}
	return nil, nil
}

func (s *Server) setMemory(ctx context.Context, r SetMemory) (any, error) {
	if r.Key == "" {
		return nil, fmt.Errorf("empty memory key")
	}
	var v any
	if len(r.Value) > 0 {
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, fmt.Errorf("decode memory value: %w", err)
		}
	}
	return nil, s.sessions.SetMemory(ctx, r.SessionID, r.Key, v, r.Shared)
}
