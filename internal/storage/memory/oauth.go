package memory

import (
	"context"
	"sort"
	"time"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/oauth"
)

// OAuthStore implements oauth.Store.
type OAuthStore struct {
	*Store
}

func (s *OAuthStore) CreateClient(_ context.Context, c oauth.Client, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
	s.append(evt)
	return nil
}

func (s *OAuthStore) GetClient(_ context.Context, id string) (oauth.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return oauth.Client{}, oauth.ErrNotFound
	}
	return c, nil
}

func (s *OAuthStore) ListClients(_ context.Context) ([]oauth.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]oauth.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *OAuthStore) CreateAuthzCode(_ context.Context, c oauth.AuthzCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authzCodes[c.CodeHash] = c
	return nil
}

func (s *OAuthStore) ConsumeAuthzCode(_ context.Context, codeHash string) (oauth.AuthzCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.authzCodes[codeHash]
	if !ok || c.Used || time.Now().After(c.ExpiresAt) {
		return oauth.AuthzCode{}, oauth.ErrNotFound
	}
	c.Used = true
	s.authzCodes[codeHash] = c
	return c, nil
}

func (s *OAuthStore) CreateDeviceGrant(_ context.Context, g oauth.DeviceGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceGrants[g.DeviceCodeHash] = g
	return nil
}

func (s *OAuthStore) GetDeviceByUserCode(_ context.Context, userCode string) (oauth.DeviceGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.deviceGrants {
		if g.UserCode == userCode {
			return g, nil
		}
	}
	return oauth.DeviceGrant{}, oauth.ErrNotFound
}

func (s *OAuthStore) GetDeviceByCodeHash(_ context.Context, hash string) (oauth.DeviceGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.deviceGrants[hash]
	if !ok {
		return oauth.DeviceGrant{}, oauth.ErrNotFound
	}
	return g, nil
}

func (s *OAuthStore) SetDeviceStatus(_ context.Context, userCode, status, userID string, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, g := range s.deviceGrants {
		if g.UserCode == userCode {
			if g.Status != oauth.DeviceStatusPending {
				return oauth.ErrNotFound
			}
			g.Status = status
			g.UserID = userID
			s.deviceGrants[hash] = g
			s.append(evt)
			return nil
		}
	}
	return oauth.ErrNotFound
}

func (s *OAuthStore) TouchDevicePoll(_ context.Context, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.deviceGrants[hash]
	if !ok {
		return oauth.ErrNotFound
	}
	g.LastPolledAt = &at
	s.deviceGrants[hash] = g
	return nil
}

func (s *OAuthStore) ConsumeApprovedDevice(_ context.Context, hash string) (oauth.DeviceGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.deviceGrants[hash]
	if !ok || g.Status != oauth.DeviceStatusApproved {
		return oauth.DeviceGrant{}, oauth.ErrNotFound
	}
	delete(s.deviceGrants, hash)
	return g, nil
}

func (s *OAuthStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for hash, c := range s.authzCodes {
		if c.Used || c.ExpiresAt.Before(now) {
			delete(s.authzCodes, hash)
			removed++
		}
	}
	for hash, g := range s.deviceGrants {
		if g.ExpiresAt.Before(now) {
			delete(s.deviceGrants, hash)
			removed++
		}
	}
	return removed, nil
}
