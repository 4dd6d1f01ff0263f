package natsbus

import (
	"fmt"
	"strings"
)

// Topic patterns for NATS pub/sub communication.

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

func TopicEventsSession(sessionID string) string {
	return fmt.Sprintf("events.session.%s", sessionID)
}

func TopicLearning(agentID string) string {
	return fmt.Sprintf("learning.%s", agentID)
}

// AgentFromLearningTopic extracts the agent id from a learning.{agentID}
// subject. It returns "" for any other subject.
func AgentFromLearningTopic(subject string) string {
	id, ok := strings.CutPrefix(subject, "learning.")
	if !ok || id == "" || strings.Contains(id, ".") {
		return ""
	}
	return id
}

const (
	TopicEventsAll      = "events.>"
	TopicEventsAgents   = "events.agent.*"
	TopicEventsSessions = "events.session.*"
	TopicLearningAll    = "learning.*"

	// TopicControl carries operator requests from the hive CLI.
	TopicControl = "hive.control"
)
