package eventbus

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Workflow lifecycle event types.
const (
	TypeWorkflowStarted   = "workflow.started"
	TypeWorkflowCompleted = "workflow.completed"
	TypeWorkflowFailed    = "workflow.failed"
	TypeFHIRHealth        = "fhir.health"
)

// CanonicalEvent is the envelope published for every workbench event.
type CanonicalEvent struct {
	EventID   string        `json:"event_id"`
	Source    string        `json:"source"`
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Context   EventContext  `json:"context"`
	Payload   EventPayload  `json:"payload"`
	Security  EventSecurity `json:"security"`
}

type EventContext struct {
	RunID    string `json:"run_id,omitempty"`
	Channel  string `json:"channel,omitempty"` // api|cli|scheduler
	Endpoint string `json:"endpoint,omitempty"`
}

type EventPayload struct {
	Text        string                 `json:"text,omitempty"`
	Attachments []string               `json:"attachments,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

type EventSecurity struct {
	// Clinical results default to high
	Sensitivity string `json:"sensitivity,omitempty"` // low|medium|high
}

// NewEventID generates a compact unique event id with a date prefix.
func NewEventID(prefix string, t time.Time) string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return prefix + t.UTC().Format("20060102") + "_" + hex.EncodeToString(b)
}

// NewEvent fills in id, timestamp and source for an event of the given type.
func NewEvent(source, eventType string, ctx EventContext, payload EventPayload) CanonicalEvent {
	now := time.Now().UTC()
	return CanonicalEvent{
		EventID:   NewEventID("evt_", now),
		Source:    source,
		Type:      eventType,
		Timestamp: now,
		Context:   ctx,
		Payload:   payload,
		Security:  EventSecurity{Sensitivity: "high"},
	}
}

// MinimalValidate checks required fields.
func (e *CanonicalEvent) MinimalValidate() bool {
	return e.EventID != "" && e.Source != "" && e.Type != "" && !e.Timestamp.IsZero()
}
