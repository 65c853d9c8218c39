package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// WSTokenTTL is how long an event stream ticket stays valid
const WSTokenTTL = 30 * time.Second

// WSTokenStore issues one-time tickets for the event stream WebSocket.
// Browsers cannot set headers on the upgrade request, so the client
// fetches a ticket over the authenticated API and passes it as ?token=.
type WSTokenStore struct {
	mu     sync.Mutex
	tokens map[string]wsTicket
	now    func() time.Time
}

type wsTicket struct {
	username string
	issued   time.Time
}

// NewWSTokenStore creates an empty ticket store
func NewWSTokenStore() *WSTokenStore {
	return &WSTokenStore{
		tokens: make(map[string]wsTicket),
		now:    time.Now,
	}
}

// Generate creates a ticket for username
func (s *WSTokenStore) Generate(username string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	s.mu.Lock()
	s.tokens[token] = wsTicket{username: username, issued: s.now()}
	s.mu.Unlock()

	return token, nil
}

// Validate consumes token and returns the username it was issued for
func (s *WSTokenStore) Validate(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[token]
	if !ok {
		return "", false
	}
	delete(s.tokens, token)

	if s.now().Sub(t.issued) > WSTokenTTL {
		return "", false
	}
	return t.username, true
}

// RunCleanup drops expired tickets every interval until ctx is done
func (s *WSTokenStore) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for token, t := range s.tokens {
				if now.Sub(t.issued) > WSTokenTTL {
					delete(s.tokens, token)
				}
			}
			s.mu.Unlock()
		}
	}
}
