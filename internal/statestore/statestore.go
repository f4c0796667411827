// Package statestore persists resolution state across the enrollment
// redirect round-trip. Save hands out a signed token; Load redeems it
// exactly once before expiry.
package statestore

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rciam.org/internal/attributes"
	"rciam.org/internal/ids"
)

var (
	ErrNotFound = errors.New("statestore: state not found or expired")
	ErrBadToken = errors.New("statestore: invalid token")
)

// State is the snapshot carried across a redirect: the asserted org
// identifier and whatever attributes were already resolved.
type State struct {
	OrgIdentifier string
	Attributes    attributes.Map
	CreatedAt     time.Time
}

// Store keeps states in memory, keyed by ULID, and wraps the id in an
// HS256-signed token so the id cannot be forged or guessed offline.
// Entries expire after TTL; Load removes the entry it returns.
type Store struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu     sync.Mutex
	states map[string]entry
}

type entry struct {
	state   State
	expires time.Time
}

func New(secret string, ttl time.Duration) *Store {
	return &Store{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
		states: make(map[string]entry),
	}
}

type claims struct {
	StateID string `json:"sid"`
	jwt.RegisteredClaims
}

// Save stores the state and returns the resume token.
func (s *Store) Save(st State) (string, error) {
	id := ids.New()
	now := s.now()
	st.CreatedAt = now

	s.mu.Lock()
	s.purgeLocked(now)
	s.states[id] = entry{state: st, expires: now.Add(s.ttl)}
	s.mu.Unlock()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		StateID: id,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Load redeems a token. The stored state is removed, so a token can be
// used once.
func (s *Store) Load(token string) (State, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadToken
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return State{}, ErrBadToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.states[c.StateID]
	if !ok || s.now().After(e.expires) {
		delete(s.states, c.StateID)
		return State{}, ErrNotFound
	}
	delete(s.states, c.StateID)
	return e.state, nil
}

// purgeLocked drops expired entries; called with mu held.
func (s *Store) purgeLocked(now time.Time) {
	for id, e := range s.states {
		if now.After(e.expires) {
			delete(s.states, id)
		}
	}
}
