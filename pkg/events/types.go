package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

// Sink accepts events for delivery. Implemented by Bus. Components hold a
// Sink rather than the concrete bus; a nil Sink disables eventing.
type Sink interface {
	Publish(evt models.Event)
}

// GlobalEventsChannel carries every event the orchestrator emits. Dashboards
// subscribe here.
const GlobalEventsChannel = "events"

// AgentChannel returns the per-agent channel name. Agents subscribe to their
// own channel to receive work assignments and cancellations.
func AgentChannel(agentID string) string {
	return "agent:" + agentID
}

// ChannelsFor returns the channels an event is delivered on. Every event goes
// to the global channel; events directed at a specific agent also go to that
// agent's channel.
func ChannelsFor(evt models.Event) []string {
	channels := []string{GlobalEventsChannel}

	agentID := ""
	switch p := evt.Payload.(type) {
	case models.TaskAssignedPayload:
		agentID = p.AgentID
	case *models.TaskAssignedPayload:
		agentID = p.AgentID
	case models.TaskFailedPayload:
		agentID = p.AgentID
	case *models.TaskFailedPayload:
		agentID = p.AgentID
	}
	if agentID != "" {
		channels = append(channels, AgentChannel(agentID))
	}
	return channels
}

// NewEvent builds an event with a fresh ID and timestamp. Payload must be
// JSON-serializable.
func NewEvent(eventType, source, severity string, payload any) models.Event {
	return models.Event{
		ID:        "evt_" + uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Source:    source,
		Payload:   payload,
	}
}

// ClientMessage is a message received from a WebSocket client.
type ClientMessage struct {
	Action      string `json:"action"`  // subscribe, unsubscribe, ping
	Channel     string `json:"channel"` // target channel for subscribe/unsubscribe
	LastEventID *int64 `json:"last_event_id,omitempty"`
}
