package agent

import (
	"encoding/json"
	"log/slog"

	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/nats-io/nats.go"
)

type Subscriber interface {
	Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error)
}

// Ingest feeds JSON learning events published on learning.<agentId> into the
// manager. The subject wins over a conflicting agent_id in the body.
func (m *Manager) Ingest(sub Subscriber) (*nats.Subscription, error) {
	return sub.Subscribe(natsbus.TopicLearningAll, func(msg *nats.Msg) {
		agentID := natsbus.AgentFromLearningTopic(msg.Subject)
		if agentID == "" {
			return
		}

		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("invalid learning event", "subject", msg.Subject, "error", err)
			m.reply(msg, err)
			return
		}
		if ev.AgentID != "" && ev.AgentID != agentID {
			slog.Warn("learning event agent mismatch", "subject", msg.Subject, "agent_id", ev.AgentID)
		}
		ev.AgentID = agentID

		err := m.RecordLearningEvent(m.ctx, ev)
		if err != nil {
			slog.Warn("learning event rejected", "agent", agentID, "error", err)
		}
		m.reply(msg, err)
	})
}

func (m *Manager) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	resp := map[string]any{"ok": err == nil}
	if err != nil {
		resp["error"] = err.Error()
	}
	data, _ := json.Marshal(resp)
	_ = msg.Respond(data)
}
