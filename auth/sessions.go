package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// tokenBytes is the amount of randomness behind each session token.
const tokenBytes = 32

var (
	// ErrAuthenticationFailed is returned for unknown users and wrong passwords alike.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrSessionNotFound is returned when a token does not resolve to a live session.
	ErrSessionNotFound = errors.New("session not found")
)

// SessionConfig configures a SessionStore.
type SessionConfig struct {
	Users []User
	// TTL bounds the lifetime of a session. Zero means sessions never expire.
	TTL time.Duration
	// Rand is the token entropy source. Defaults to crypto/rand.
	Rand func([]byte) (int, error)
}

// SessionStore maps opaque session tokens to users.
type SessionStore struct {
	users    map[string]User
	sessions *expirable.LRU[string, string] // token -> username
	issueMu  sync.Mutex
	rand     func([]byte) (int, error)
	dummy    []byte
}

// NewSessionStore creates a session store over a fixed user registry.
func NewSessionStore(cfg SessionConfig) *SessionStore {
	users := make(map[string]User, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = u
	}
	randFn := cfg.Rand
	if randFn == nil {
		randFn = rand.Read
	}
	return &SessionStore{
		users:    users,
		sessions: expirable.NewLRU[string, string](0, nil, cfg.TTL),
		rand:     randFn,
		dummy:    []byte("dbgate-no-such-user"),
	}
}

// Authenticate checks credentials and issues a new session token.
func (s *SessionStore) Authenticate(username, password string) (string, error) {
	user, ok := s.users[username]
	expected := s.dummy
	if ok {
		expected = []byte(user.Password)
	}
	match := subtle.ConstantTimeCompare(expected, []byte(password)) == 1
	if !ok || !match {
		return "", ErrAuthenticationFailed
	}

	s.issueMu.Lock()
	defer s.issueMu.Unlock()
	for {
		token, err := s.newToken()
		if err != nil {
			return "", fmt.Errorf("failed to generate session token: %w", err)
		}
		if s.sessions.Contains(token) {
			continue
		}
		s.sessions.Add(token, user.Username)
		return token, nil
	}
}

// Resolve returns the user bound to token.
func (s *SessionStore) Resolve(token string) (*User, bool) {
	if token == "" {
		return nil, false
	}
	username, ok := s.sessions.Get(token)
	if !ok {
		return nil, false
	}
	user, ok := s.users[username]
	if !ok {
		return nil, false
	}
	return &user, true
}

// Revoke destroys the session for token. Revoking an unknown token is a no-op.
func (s *SessionStore) Revoke(token string) {
	s.sessions.Remove(token)
}

// Count returns the number of live sessions.
func (s *SessionStore) Count() int {
	return s.sessions.Len()
}

// Users returns the registered usernames and roles, without passwords.
func (s *SessionStore) Users() map[string]Role {
	out := make(map[string]Role, len(s.users))
	for name, u := range s.users {
		out[name] = u.Role
	}
	return out
}

func (s *SessionStore) newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := s.rand(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
