package events

import (
	"time"

	"github.com/google/uuid"
)

// AggregateType identifies the command-side aggregate an event belongs to.
type AggregateType string

const (
	AggregateUser    AggregateType = "user"
	AggregateSession AggregateType = "session"
	AggregateAPIKey  AggregateType = "api_key"
	AggregateAdmin   AggregateType = "admin"
	AggregateUAI     AggregateType = "uai"
)

// Event type names. The downstream read model switches on these.
const (
	TypeUserUpserted          = "UserUpserted"
	TypeSessionCreated        = "SessionCreated"
	TypeSessionRefreshed      = "SessionRefreshed"
	TypeSessionRevoked        = "SessionRevoked"
	TypeSessionCompromised    = "SessionCompromised"
	TypeAPIKeyCreated         = "ApiKeyCreated"
	TypeAPIKeyRotated         = "ApiKeyRotated"
	TypeAPIKeyRevoked         = "ApiKeyRevoked"
	TypeAdminBypassUsed       = "AdminBypassUsed"
	TypeUAILinked             = "UaiLinked"
	TypeOAuthClientRegistered = "OAuthClientRegistered"
	TypeDeviceGrantApproved   = "DeviceGrantApproved"
	TypeDeviceGrantDenied     = "DeviceGrantDenied"
)

// Event is one append-only entry in the event log.
// Seq is assigned by the store at append time, monotonic per aggregate.
type Event struct {
	ID            uuid.UUID      `json:"event_id"`
	AggregateType AggregateType  `json:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id"`
	Type          string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	ActorID       string         `json:"actor_id,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Seq           int64          `json:"seq"`

	// Fingerprint dedupes bootstrap imports (UPSERT by aggregate_id,
	// event_type, fingerprint). Empty for live events.
	Fingerprint string `json:"-"`
}

// New builds an event with a UUIDv7 id so ids sort by emission time.
func New(aggType AggregateType, aggID, eventType string, payload map[string]any) Event {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if crypto/rand does; nothing sane to do but stop.
		panic(err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:            id,
		AggregateType: aggType,
		AggregateID:   aggID,
		Type:          eventType,
		Payload:       payload,
		OccurredAt:    time.Now().UTC(),
	}
}

// WithActor records who triggered the event.
func (e Event) WithActor(actorID string) Event {
	e.ActorID = actorID
	return e
}

// Outbox delivery states.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Delivery is an outbox row joined with its event, claimed for dispatch.
type Delivery struct {
	Event       Event
	Destination string
	Status      string
	Attempts    int
	LastError   string
	NextAttempt time.Time
}
