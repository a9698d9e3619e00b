package domain

import (
	"encoding/json"
	"time"
)

// StreamType names an aggregate family.
type StreamType string

// EventType is a namespaced verb such as "organization.created".
type EventType string

const (
	StreamOrganization     StreamType = "organization"
	StreamOrganizationUnit StreamType = "organization_unit"
	StreamRole             StreamType = "role"
	StreamPermission       StreamType = "permission"
	StreamUser             StreamType = "user"
	StreamContact          StreamType = "contact"
	StreamAddress          StreamType = "address"
	StreamInvitation       StreamType = "invitation"
)

// EventMetadata carries audit context for an event.
type EventMetadata struct {
	ActorID       string `json:"actor_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Event is an append-only record in the event log. Only the dispatch outcome
// (ProcessedAt or ProcessingError) changes after insert.
type Event struct {
	ID              string          `json:"id"`
	Sequence        int64           `json:"sequence"`
	StreamID        string          `json:"stream_id"`
	StreamType      StreamType      `json:"stream_type"`
	StreamVersion   int64           `json:"stream_version"`
	EventType       EventType       `json:"event_type"`
	SchemaVersion   int             `json:"schema_version"`
	Data            json.RawMessage `json:"event_data"`
	Metadata        EventMetadata   `json:"event_metadata"`
	CreatedAt       time.Time       `json:"created_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	ProcessingError *string         `json:"processing_error,omitempty"`
}

// IsProcessed reports whether the event was routed successfully.
func (e *Event) IsProcessed() bool {
	return e != nil && e.ProcessedAt != nil
}

// IsFailed reports whether the last dispatch attempt failed.
func (e *Event) IsFailed() bool {
	return e != nil && e.ProcessingError != nil
}

// MarkProcessed records a successful dispatch and clears any earlier error.
func (e *Event) MarkProcessed(at time.Time) {
	e.ProcessedAt = &at
	e.ProcessingError = nil
}

// MarkFailed records a failed dispatch.
func (e *Event) MarkFailed(msg string) {
	e.ProcessedAt = nil
	e.ProcessingError = &msg
}

// Payload decodes the typed event data.
func (e *Event) Payload() (Payload, error) {
	return DecodePayload(e.EventType, e.Data)
}
