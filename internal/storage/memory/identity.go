package memory

import (
	"context"
	"time"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/identity"
)

// IdentityStore implements identity.Store.
type IdentityStore struct {
	*Store
}

func linkKey(method, identifierHash string) string {
	return method + ":" + identifierHash
}

func (s *IdentityStore) GetLink(_ context.Context, method, identifierHash string) (identity.Link, identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[linkKey(method, identifierHash)]
	if !ok {
		return identity.Link{}, identity.Identity{}, identity.ErrNotFound
	}
	id, ok := s.identities[link.UniversalID]
	if !ok {
		return identity.Link{}, identity.Identity{}, identity.ErrNotFound
	}
	return link, id, nil
}

func (s *IdentityStore) TouchLink(_ context.Context, method, identifierHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := linkKey(method, identifierHash)
	link, ok := s.links[key]
	if !ok {
		return identity.ErrNotFound
	}
	link.LastSeenAt = at
	s.links[key] = link
	return nil
}

func (s *IdentityStore) GetByEmail(_ context.Context, email string) (identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.identities {
		if id.PrimaryEmail == email {
			return id, nil
		}
	}
	return identity.Identity{}, identity.ErrNotFound
}

func (s *IdentityStore) CreateWithLink(_ context.Context, id identity.Identity, link identity.Link, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[id.UniversalID] = id
	s.links[linkKey(link.Method, link.IdentifierHash)] = link
	s.append(evt)
	return nil
}

func (s *IdentityStore) AddLink(_ context.Context, link identity.Link, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[linkKey(link.Method, link.IdentifierHash)] = link
	s.append(evt)
	return nil
}
