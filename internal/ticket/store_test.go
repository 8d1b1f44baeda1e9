package ticket

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate(t *testing.T) {
	s := NewStore(time.Minute)

	tk, err := s.Create("user-1", "alice", "operator")
	require.NoError(t, err)
	assert.Equal(t, "user-1", tk.UserID)
	assert.Equal(t, "alice", tk.Username)
	assert.True(t, strings.HasPrefix(tk.Key, "wst_"))
	assert.Len(t, tk.Key, 4+64) // "wst_" + 32 bytes hex
	assert.False(t, tk.Used)
	assert.WithinDuration(t, time.Now().Add(time.Minute), tk.ExpiresAt, 5*time.Second)
	assert.Equal(t, 1, s.Outstanding())
}

func TestNewStoreDefaultTTL(t *testing.T) {
	s := NewStore(0)
	assert.Equal(t, DefaultTTL, s.ttl)
}

func TestRedeem(t *testing.T) {
	s := NewStore(time.Minute)
	tk, err := s.Create("user-1", "alice", "operator")
	require.NoError(t, err)

	got, err := s.Redeem(tk.Key)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "operator", got.Role)

	_, err = s.Redeem(tk.Key)
	assert.ErrorIs(t, err, ErrTicketAlreadyUsed)
	assert.Equal(t, 0, s.Outstanding())
}

func TestRedeemNotFound(t *testing.T) {
	s := NewStore(time.Minute)

	_, err := s.Redeem("wst_nonexistent")
	assert.ErrorIs(t, err, ErrTicketNotFound)
}

func TestRedeemExpired(t *testing.T) {
	s := NewStore(time.Millisecond)
	tk, err := s.Create("user-1", "alice", "operator")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = s.Redeem(tk.Key)
	assert.ErrorIs(t, err, ErrTicketExpired)
}

func TestRedeemConcurrent(t *testing.T) {
	s := NewStore(time.Minute)
	tk, err := s.Create("user-1", "alice", "operator")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Redeem(tk.Key); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func TestRevokeUser(t *testing.T) {
	s := NewStore(time.Minute)
	a, _ := s.Create("user-1", "alice", "operator")
	_, _ = s.Create("user-1", "alice", "operator")
	b, _ := s.Create("user-2", "bob", "operator")

	assert.Equal(t, 2, s.RevokeUser("user-1"))
	assert.Equal(t, 0, s.RevokeUser("user-1"))

	_, err := s.Redeem(a.Key)
	assert.ErrorIs(t, err, ErrTicketNotFound)
	_, err = s.Redeem(b.Key)
	assert.NoError(t, err)
}

func TestCleanup(t *testing.T) {
	s := NewStore(time.Millisecond)
	_, _ = s.Create("user-1", "alice", "operator")
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.StartCleanup(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.tickets) == 0
	}, time.Second, 5*time.Millisecond)
}
