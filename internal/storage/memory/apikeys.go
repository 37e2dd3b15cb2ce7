package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/apikey"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
)

// APIKeyStore implements apikey.Store.
type APIKeyStore struct {
	*Store
}

// SeedLegacy inserts a key validated by raw plaintext equality, the way
// pre-hashing rows look. Test helper.
func (s *APIKeyStore) SeedLegacy(k apikey.Key, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k.KeyHash = ""
	s.apiKeys[k.ID] = k
	s.legacy[raw] = k.ID
}

func (s *APIKeyStore) Create(_ context.Context, k apikey.Key, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[k.ID] = k
	s.append(evt)
	return nil
}

func (s *APIKeyStore) GetByHash(_ context.Context, hash string) (apikey.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.apiKeys {
		if k.KeyHash != "" && k.KeyHash == hash {
			return k, nil
		}
	}
	return apikey.Key{}, apikey.ErrNotFound
}

func (s *APIKeyStore) GetByPlaintext(_ context.Context, raw string) (apikey.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.legacy[raw]
	if !ok {
		return apikey.Key{}, apikey.ErrNotFound
	}
	return s.apiKeys[id], nil
}

func (s *APIKeyStore) GetByID(_ context.Context, id uuid.UUID) (apikey.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return apikey.Key{}, apikey.ErrNotFound
	}
	return k, nil
}

func (s *APIKeyStore) ListByUser(_ context.Context, userID string) ([]apikey.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []apikey.Key
	for _, k := range s.apiKeys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *APIKeyStore) Rotate(_ context.Context, oldID uuid.UUID, newKey apikey.Key, evts []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.apiKeys[oldID]
	if !ok {
		return apikey.ErrNotFound
	}
	old.IsActive = false
	s.apiKeys[oldID] = old
	s.apiKeys[newKey.ID] = newKey
	for _, evt := range evts {
		s.append(evt)
	}
	return nil
}

func (s *APIKeyStore) Deactivate(_ context.Context, id uuid.UUID, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return apikey.ErrNotFound
	}
	k.IsActive = false
	s.apiKeys[id] = k
	s.append(evt)
	return nil
}

func (s *APIKeyStore) TouchLastUsed(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return apikey.ErrNotFound
	}
	k.LastUsedAt = &at
	s.apiKeys[id] = k
	return nil
}

func (s *APIKeyStore) Rehash(_ context.Context, id uuid.UUID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return apikey.ErrNotFound
	}
	k.KeyHash = hash
	s.apiKeys[id] = k
	for raw, keyID := range s.legacy {
		if keyID == id {
			delete(s.legacy, raw)
		}
	}
	return nil
}

func (s *APIKeyStore) CountLegacyPlaintext(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.legacy)), nil
}
