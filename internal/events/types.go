// Package events defines the in-process event bus and the event types the
// uplink publishes about its own lifecycle and about server replies.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection lifecycle
	EventStateChanged   EventType = "state_changed"
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
	EventConnectFailed  EventType = "connect_failed"
	EventConnectGaveUp  EventType = "connect_gave_up"
	EventNamespaceReady EventType = "namespace_ready"

	// Delivery
	EventDelivered EventType = "delivered"
	EventDropped   EventType = "dropped"
	EventRejected  EventType = "rejected"

	// Server replies
	EventStatsUpdated EventType = "stats_updated"
	EventUpdateError  EventType = "update_error"
	EventServerError  EventType = "server_error"
	EventServerPong   EventType = "server_pong"
	EventServerHello  EventType = "server_hello"

	// System
	EventCredentialsChanged EventType = "credentials_changed"
	EventShutdown           EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// StateChangedPayload is carried by EventStateChanged.
type StateChangedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ConnectFailedPayload is carried by EventConnectFailed and EventConnectGaveUp.
type ConnectFailedPayload struct {
	Failures int           `json:"failures"`
	Delay    time.Duration `json:"delay"`
	Error    string        `json:"error"`
}

// DeliveryPayload is carried by EventDelivered, EventDropped and EventRejected.
type DeliveryPayload struct {
	Event  string    `json:"event"`
	Bytes  int       `json:"bytes"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// ServerMessagePayload carries a server-originated event or error.
type ServerMessagePayload struct {
	Event   string `json:"event,omitempty"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}
