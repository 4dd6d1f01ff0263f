// Package control is the request/reply interface between the hive CLI and
// a running server, carried over NATS.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/swarm"
)

// Request types.
const (
	SessionCreate     = "session.create"
	SessionList       = "session.list"
	SessionShow       = "session.show"
	SessionStats      = "session.stats"
	SessionPlan       = "session.plan"
	SessionPause      = "session.pause"
	SessionResume     = "session.resume"
	SessionTerminate  = "session.terminate"
	SessionCheckpoint = "session.checkpoint"
	SessionEvict      = "session.evict"
	SessionAddAgent   = "session.add_agent"
	SessionAddTask    = "session.add_task"
	SessionTaskStatus = "session.task_status"
	SessionSetMemory  = "session.set_memory"

	AgentList    = "agent.list"
	AgentCreate  = "agent.create"
	AgentRetire  = "agent.retire"
	AgentHealth  = "agent.health"
	AgentRestart = "agent.restart"
	AgentPause   = "agent.pause"
	AgentResume  = "agent.resume"
	SystemHealth = "system.health"
)

type Request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type CreateSession struct {
	ProjectID string            `json:"project_id"`
	Name      string            `json:"name"`
	Topology  swarm.Topology    `json:"topology"`
	Config    *swarm.Config     `json:"config,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SessionRef names a session and, depending on the request, a checkpoint
// or a reason.
type SessionRef struct {
	SessionID    string            `json:"session_id"`
	CheckpointID string            `json:"checkpoint_id,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type AddAgent struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
}

type AddTask struct {
	SessionID string     `json:"session_id"`
	Task      swarm.Task `json:"task"`
}

type TaskStatus struct {
	SessionID string           `json:"session_id"`
	TaskID    string           `json:"task_id"`
	Status    swarm.TaskStatus `json:"status"`
	AgentID   string           `json:"agent_id,omitempty"`
}

// SetMemory writes one working memory entry, or a shared context entry when
// Shared is set.
type SetMemory struct {
	SessionID string          `json:"session_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Shared    bool            `json:"shared,omitempty"`
}

type AgentRef struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

type CreateAgent = agent.Configuration

// RemoteError is an error reported by the server.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Client issues control requests to a running server.
type Client struct {
	conn    *natsbus.Client
	timeout time.Duration
}

func Dial(url string) (*Client, error) {
	conn, err := natsbus.NewClientFromURL(url)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, timeout: 10 * time.Second}, nil
}

func (c *Client) Close() {
	c.conn.Close()
}

// Call sends a request of type typ and decodes the reply data into out,
// which may be nil.
func (c *Client) Call(typ string, payload, out any) error {
	req := Request{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		req.Payload = data
	}
	var resp Response
	if err := c.conn.RequestJSON(natsbus.TopicControl, req, &resp, c.timeout); err != nil {
		return fmt.Errorf("control request: %w", err)
	}
	if !resp.OK {
		return &RemoteError{Message: resp.Error}
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", typ, err)
		}
	}
	return nil
}

// IsRemote reports whether err came from the server rather than the
// transport.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
