// Package memory is an in-memory implementation of every store
// interface, used by tests and local development. Semantics mirror the
// postgres package, including atomic event appends.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/apikey"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/identity"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/oauth"
)

type outboxRow struct {
	eventID     uuid.UUID
	status      string
	attempts    int
	lastError   string
	nextAttempt time.Time
}

// Store holds everything behind one mutex. Good enough for tests.
type Store struct {
	mu sync.Mutex

	users    map[string]auth.User
	sessions map[uuid.UUID]auth.Session
	codes    map[string]auth.AuthCode
	admins   map[string]auth.AdminAccount

	apiKeys map[uuid.UUID]apikey.Key
	// legacy maps raw plaintext -> key id for the pre-hashing fallback.
	legacy map[string]uuid.UUID

	identities map[uuid.UUID]identity.Identity
	links      map[string]identity.Link // keyed method+":"+identifierHash

	clients      map[string]oauth.Client
	authzCodes   map[string]oauth.AuthzCode
	deviceGrants map[string]oauth.DeviceGrant // keyed by device code hash

	log    []events.Event
	seq    map[string]int64 // aggregate_type+":"+aggregate_id
	outbox []*outboxRow
}

func NewStore() *Store {
	return &Store{
		users:        make(map[string]auth.User),
		sessions:     make(map[uuid.UUID]auth.Session),
		codes:        make(map[string]auth.AuthCode),
		admins:       make(map[string]auth.AdminAccount),
		apiKeys:      make(map[uuid.UUID]apikey.Key),
		legacy:       make(map[string]uuid.UUID),
		identities:   make(map[uuid.UUID]identity.Identity),
		links:        make(map[string]identity.Link),
		clients:      make(map[string]oauth.Client),
		authzCodes:   make(map[string]oauth.AuthzCode),
		deviceGrants: make(map[string]oauth.DeviceGrant),
		seq:          make(map[string]int64),
	}
}

func (s *Store) Users() *UserStore          { return &UserStore{s} }
func (s *Store) Sessions() *SessionStore    { return &SessionStore{s} }
func (s *Store) Codes() *CodeStore          { return &CodeStore{s} }
func (s *Store) Admins() *AdminStore        { return &AdminStore{s} }
func (s *Store) APIKeys() *APIKeyStore      { return &APIKeyStore{s} }
func (s *Store) Identities() *IdentityStore { return &IdentityStore{s} }
func (s *Store) OAuth() *OAuthStore         { return &OAuthStore{s} }
func (s *Store) Outbox() *OutboxStore       { return &OutboxStore{s} }

// append must be called with the mutex held.
func (s *Store) append(evt events.Event) {
	key := string(evt.AggregateType) + ":" + evt.AggregateID
	s.seq[key]++
	evt.Seq = s.seq[key]
	s.log = append(s.log, evt)
	s.outbox = append(s.outbox, &outboxRow{
		eventID:     evt.ID,
		status:      events.StatusPending,
		nextAttempt: time.Now(),
	})
}

// Events returns a copy of the log for assertions.
func (s *Store) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.log))
	copy(out, s.log)
	return out
}

// EventsOfType filters the log by event type.
func (s *Store) EventsOfType(eventType string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, evt := range s.log {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// AppendEvent mirrors the postgres bootstrap append, deduping on
// fingerprint.
func (s *Store) AppendEvent(_ context.Context, evt events.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Fingerprint != "" {
		for _, existing := range s.log {
			if existing.AggregateID == evt.AggregateID &&
				existing.Type == evt.Type &&
				existing.Fingerprint == evt.Fingerprint {
				return false, nil
			}
		}
	}
	s.append(evt)
	return true, nil
}
