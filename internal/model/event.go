// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventSessionCreated      EventType = "SESSION_CREATED"
	EventSessionConnected    EventType = "SESSION_CONNECTED"
	EventSessionDisconnected EventType = "SESSION_DISCONNECTED"
	EventSessionError        EventType = "SESSION_ERROR"
	EventCommandExecuted     EventType = "COMMAND_EXECUTED"
	EventConnectionLost      EventType = "CONNECTION_LOST"
	EventConnectionRestored  EventType = "CONNECTION_RESTORED"
	EventDataReceived        EventType = "DATA_RECEIVED"
)

// AllEventTypes lists every session event type
func AllEventTypes() []EventType {
	return []EventType{
		EventSessionCreated,
		EventSessionConnected,
		EventSessionDisconnected,
		EventSessionError,
		EventCommandExecuted,
		EventConnectionLost,
		EventConnectionRestored,
		EventDataReceived,
	}
}

// SessionEvent represents an event in the system
type SessionEvent struct {
	ID        uuid.UUID  `json:"id"`
	EventType EventType  `json:"event_type"`
	SessionID uuid.UUID  `json:"session_id,omitempty"`
	Port      string     `json:"port,omitempty"`
	Data      JSONObject `json:"data,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Source    string     `json:"source"`
	Severity  string     `json:"severity"` // INFO, WARNING, ERROR, CRITICAL
}

// NewSessionEvent builds an event stamped with a fresh ID and the current time
func NewSessionEvent(eventType EventType, sessionID uuid.UUID, port, source, severity string) *SessionEvent {
	return &SessionEvent{
		ID:        uuid.New(),
		EventType: eventType,
		SessionID: sessionID,
		Port:      port,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Severity:  severity,
	}
}

// EventData structures for different event types

// SessionStatusEventData represents a session status transition
type SessionStatusEventData struct {
	PreviousStatus SessionStatus `json:"previous_status"`
	NewStatus      SessionStatus `json:"new_status"`
	DeviceName     string        `json:"device_name"`
	Vendor         VendorType    `json:"vendor_type"`
	ErrorMessage   string        `json:"error_message,omitempty"`
}

// CommandEventData represents a command execution event
type CommandEventData struct {
	Command     string     `json:"command"`
	Success     bool       `json:"success"`
	DurationMS  int64      `json:"duration_ms"`
	OutputBytes int        `json:"output_bytes"`
	Vendor      VendorType `json:"vendor_type"`
}

// ConnectionEventData represents transport-level connection changes
type ConnectionEventData struct {
	Port             string `json:"port"`
	BaudRate         int    `json:"baud_rate"`
	ReconnectAttempt int    `json:"reconnect_attempt,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
}
