package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// EventType represents the type of event being emitted
type EventType string

const (
	// Intention lifecycle events
	EventIntentionSubmitted EventType = "intention_submitted"
	EventIntentionExpired   EventType = "intention_expired"
	EventIntentionRevealed  EventType = "intention_revealed"

	// Commit-reveal events
	EventCommitmentRecorded EventType = "commitment_recorded"

	// Consensus events
	EventVerifierRegistered  EventType = "verifier_registered"
	EventAttestationRecorded EventType = "attestation_recorded"
	EventAttestationRejected EventType = "attestation_rejected"

	// Ledger events
	EventMatchFinalized EventType = "match_finalized"
	EventMatchExecuted  EventType = "match_executed"

	// Discovery events
	EventDiscoveryFailed EventType = "discovery_failed"
)

// EventSeverity indicates the importance/severity of an event
type EventSeverity string

const (
	SeverityDebug   EventSeverity = "debug"
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// Event represents a system event with metadata and payload
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Severity  EventSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`

	// Context fields
	Component     string `json:"component"`
	CoordinatorID string `json:"coordinator_id,omitempty"`
	Venue         string `json:"venue,omitempty"`

	Payload json.RawMessage `json:"payload"`

	// Optional correlation fields
	IntentionID string            `json:"intention_id,omitempty"`
	MatchID     string            `json:"match_id,omitempty"`
	VerifierID  string            `json:"verifier_id,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// IntentionEventPayload contains data for intention lifecycle events
type IntentionEventPayload struct {
	IntentionID string `json:"intention_id"`
	Venue       string `json:"venue"`
	Side        string `json:"side"`
	Submitter   string `json:"submitter,omitempty"`
	Origin      uint64 `json:"origin,omitempty"`
	State       string `json:"state,omitempty"`
}

// CommitmentEventPayload contains data for commit-reveal events
type CommitmentEventPayload struct {
	Submitter string `json:"submitter"`
	Hash      string `json:"hash"`
	Deadline  int64  `json:"deadline"`
}

// AttestationEventPayload contains data for attestation events
type AttestationEventPayload struct {
	IntentionID string `json:"intention_id"`
	OppositeID  string `json:"opposite_id,omitempty"`
	Verifier    string `json:"verifier"`
	Count       int    `json:"count,omitempty"`
	RosterSize  int    `json:"roster_size,omitempty"`
	Reason      string `json:"reason,omitempty"` // For rejection events
}

// MatchEventPayload contains data for finalized and executed matches
type MatchEventPayload struct {
	MatchID        string `json:"match_id"`
	IntentionID    string `json:"intention_id"`
	OppositeID     string `json:"opposite_id"`
	Amount         string `json:"amount"`
	Price          string `json:"price"`
	Savings        string `json:"savings"`
	ConsensusCount int    `json:"consensus_count"`
	Delegated      bool   `json:"delegated,omitempty"`
}

// DiscoveryEventPayload contains data for relay failures
type DiscoveryEventPayload struct {
	IntentionID string   `json:"intention_id"`
	Failed      []string `json:"failed_peers"`
	Total       int      `json:"total_peers"`
}

// EventHandler is called when an event is emitted
type EventHandler func(event *Event)

// EventFilter can be used to filter events before processing
type EventFilter func(event *Event) bool

// Subscriber represents an event subscriber with optional filtering
type Subscriber struct {
	ID      string
	Handler EventHandler
	Filter  EventFilter
	Types   []EventType // Subscribe to specific event types only
}

// Sink accepts events for delivery
type Sink interface {
	Emit(event *Event) error
}

// String returns a string representation of the event
func (e *Event) String() string {
	return fmt.Sprintf("[%s] %s: %s (component=%s, intention=%s)",
		e.Timestamp.Format(time.RFC3339),
		e.Severity,
		e.Type,
		e.Component,
		e.IntentionID,
	)
}

// ToJSON serializes the event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewEvent creates a new event with the given parameters
func NewEvent(eventType EventType, severity EventSeverity, component string, payload interface{}) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		Component: component,
		Payload:   payloadBytes,
		Metadata:  make(map[string]string),
	}, nil
}

// Dispatch hands an event to sink. A nil sink is allowed; delivery failures
// are logged and never returned, since events are advisory.
func Dispatch(sink Sink, event *Event) {
	if sink == nil || event == nil {
		return
	}
	if err := sink.Emit(event); err != nil {
		log.WithFields(log.Fields{
			"event_type": event.Type,
			"event_id":   event.ID,
		}).WithError(err).Debug("Event not delivered")
	}
}
