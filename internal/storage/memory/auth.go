package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
)

// UserStore implements auth.UserStore.
type UserStore struct {
	*Store
}

func (s *UserStore) Upsert(_ context.Context, u auth.User, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	} else {
		u.CreatedAt = time.Now()
	}
	s.users[u.ID] = u
	s.append(evt)
	return nil
}

func (s *UserStore) GetByID(_ context.Context, id string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return u, nil
}

// SessionStore implements auth.SessionStore.
type SessionStore struct {
	*Store
}

func (s *SessionStore) Create(_ context.Context, sess auth.Session, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	s.append(evt)
	return nil
}

func (s *SessionStore) findSession(match func(auth.Session) bool) (auth.Session, error) {
	for _, sess := range s.sessions {
		if match(sess) {
			return sess, nil
		}
	}
	return auth.Session{}, auth.ErrSessionNotFound
}

func (s *SessionStore) GetByAccessTokenHash(_ context.Context, hash string) (auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findSession(func(sess auth.Session) bool { return sess.AccessTokenHash == hash })
}

func (s *SessionStore) GetByRefreshTokenHash(_ context.Context, hash string) (auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findSession(func(sess auth.Session) bool { return sess.RefreshTokenHash == hash })
}

func (s *SessionStore) GetByPrevRefreshTokenHash(_ context.Context, hash string) (auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findSession(func(sess auth.Session) bool { return sess.PrevRefreshTokenHash == hash })
}

func (s *SessionStore) Rotate(_ context.Context, id uuid.UUID, accessHash, refreshHash string, expiresAt time.Time, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.RevokedAt != nil {
		return auth.ErrSessionNotFound
	}
	now := time.Now()
	sess.PrevRefreshTokenHash = sess.RefreshTokenHash
	sess.AccessTokenHash = accessHash
	sess.RefreshTokenHash = refreshHash
	sess.ExpiresAt = expiresAt
	sess.RotatedAt = &now
	s.sessions[id] = sess
	s.append(evt)
	return nil
}

func (s *SessionStore) Revoke(_ context.Context, id uuid.UUID, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.RevokedAt != nil {
		return auth.ErrSessionNotFound
	}
	now := time.Now()
	sess.RevokedAt = &now
	s.sessions[id] = sess
	s.append(evt)
	return nil
}

func (s *SessionStore) RevokeByAccessTokenHash(_ context.Context, hash string, evt events.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.AccessTokenHash == hash && sess.RevokedAt == nil {
			now := time.Now()
			sess.RevokedAt = &now
			s.sessions[id] = sess
			evt.AggregateID = id.String()
			s.append(evt)
			return true, nil
		}
	}
	return false, nil
}

func (s *SessionStore) RevokeChain(_ context.Context, userID string, platform auth.Platform, evt events.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var revoked int64
	now := time.Now()
	for id, sess := range s.sessions {
		if sess.UserID == userID && sess.Platform == platform && sess.RevokedAt == nil {
			sess.RevokedAt = &now
			s.sessions[id] = sess
			revoked++
		}
	}
	if revoked > 0 {
		s.append(evt)
	}
	return revoked, nil
}

func (s *SessionStore) ListByUser(_ context.Context, userID string) ([]auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *SessionStore) GC(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, sess := range s.sessions {
		if sess.RevokedAt != nil || sess.ExpiresAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// CodeStore implements auth.CodeStore.
type CodeStore struct {
	*Store
}

func (s *CodeStore) Create(_ context.Context, c auth.AuthCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[c.CodeHash] = c
	return nil
}

func (s *CodeStore) Consume(_ context.Context, codeHash string) (auth.AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[codeHash]
	if !ok || c.Used || time.Now().After(c.ExpiresAt) {
		return auth.AuthCode{}, auth.ErrInvalidCode
	}
	c.Used = true
	s.codes[codeHash] = c
	return c, nil
}

func (s *CodeStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for hash, c := range s.codes {
		if c.Used || c.ExpiresAt.Before(now) {
			delete(s.codes, hash)
			removed++
		}
	}
	return removed, nil
}

// AdminStore implements auth.AdminStore.
type AdminStore struct {
	*Store
}

func (s *AdminStore) GetByEmail(_ context.Context, email string) (auth.AdminAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.admins[email]
	if !ok {
		return auth.AdminAccount{}, auth.ErrUserNotFound
	}
	return a, nil
}

func (s *AdminStore) Create(_ context.Context, a auth.AdminAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admins[a.Email] = a
	return nil
}

func (s *AdminStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.admins)), nil
}

func (s *AdminStore) TouchLastUsed(_ context.Context, email string, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.admins[email]
	if !ok {
		return auth.ErrUserNotFound
	}
	now := time.Now()
	a.LastUsedAt = &now
	s.admins[email] = a
	s.append(evt)
	return nil
}
