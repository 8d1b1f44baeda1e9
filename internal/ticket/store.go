// Package ticket issues short-lived, single-use tickets that let a browser
// open the dashboard websocket without putting its JWT in the URL.
package ticket

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrTicketExpired     = errors.New("ticket has expired")
	ErrTicketAlreadyUsed = errors.New("ticket has already been used")
)

const DefaultTTL = 30 * time.Second

type Ticket struct {
	Key       string
	UserID    string
	Username  string
	Role      string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

type Store struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
	ttl     time.Duration
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		tickets: make(map[string]*Ticket),
		ttl:     ttl,
	}
}

func (s *Store) Create(userID, username, role string) (*Ticket, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	now := time.Now()
	t := &Ticket{
		Key:       "wst_" + hex.EncodeToString(b),
		UserID:    userID,
		Username:  username,
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.tickets[t.Key] = t
	s.mu.Unlock()

	slog.Debug("UI ticket issued", "user_id", userID, "expires_at", t.ExpiresAt)
	copied := *t
	return &copied, nil
}

// Redeem validates and consumes a ticket in one step.
func (s *Store) Redeem(key string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tickets[key]
	if !exists {
		return nil, ErrTicketNotFound
	}
	if t.Used {
		return nil, ErrTicketAlreadyUsed
	}
	if time.Now().After(t.ExpiresAt) {
		return nil, ErrTicketExpired
	}

	t.Used = true
	copied := *t
	return &copied, nil
}

// RevokeUser drops every outstanding ticket of userID.
func (s *Store) RevokeUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, t := range s.tickets {
		if t.UserID == userID {
			delete(s.tickets, key)
			removed++
		}
	}
	return removed
}

// Outstanding returns the number of tickets that can still be redeemed.
func (s *Store) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for _, t := range s.tickets {
		if !t.Used && !now.After(t.ExpiresAt) {
			count++
		}
	}
	return count
}

func (s *Store) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, t := range s.tickets {
		if t.Used || now.After(t.ExpiresAt) {
			delete(s.tickets, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Cleaned up UI tickets", "removed", removed)
	}
}
