package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAndStore_FirstWriterWins(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	processed, _, err := s.CheckAndStore(ctx, "abc123", []byte(`{"id":"first"}`))
	require.NoError(t, err)
	assert.False(t, processed)

	// A second write must not overwrite the stored result.
	processed, stored, err := s.CheckAndStore(ctx, "abc123", []byte(`{"id":"second"}`))
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []byte(`{"id":"first"}`), stored)
}

func TestCheckAndStore_PreCheckHasNoSideEffects(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	processed, stored, err := s.CheckAndStore(ctx, "abc123", nil)
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Nil(t, stored)

	// The pre-check did not create an entry.
	processed, _, err = s.CheckAndStore(ctx, "abc123", nil)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestReserve_ExactlyOneWinner(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	const callers = 50
	var wg sync.WaitGroup
	wins := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.Reserve(ctx, "abc123")
			assert.NoError(t, err)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestReserve_ThenStoreAndRead(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	won, err := s.Reserve(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, won)

	// While reserved, readers see "not processed yet".
	processed, stored, err := s.CheckAndStore(ctx, "abc123", nil)
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Nil(t, stored)

	// The winner completes; subsequent readers get its result.
	_, _, err = s.CheckAndStore(ctx, "abc123", []byte("done"))
	require.NoError(t, err)

	processed, stored, err = s.CheckAndStore(ctx, "abc123", []byte("other"))
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []byte("done"), stored)
}

func TestRelease_ReopensFailedReservation(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	won, err := s.Reserve(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, won)

	// The winner fails without storing a result and gives the claim back.
	require.NoError(t, s.Release(ctx, "abc123"))

	// A retry can now win a fresh reservation instead of waiting out the TTL.
	won, err = s.Reserve(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, won)
}

func TestRelease_KeepsCompletedEntry(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	won, err := s.Reserve(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, won)
	_, _, err = s.CheckAndStore(ctx, "abc123", []byte("done"))
	require.NoError(t, err)

	// A stale Release after completion must not drop the stored response.
	require.NoError(t, s.Release(ctx, "abc123"))

	processed, stored, err := s.CheckAndStore(ctx, "abc123", nil)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []byte("done"), stored)

	won, err = s.Reserve(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestLazyExpiry(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	_, _, err := s.CheckAndStore(ctx, "abc123", []byte("done"))
	require.NoError(t, err)

	// Within the window the entry is live.
	now = now.Add(30 * time.Minute)
	processed, _, err := s.CheckAndStore(ctx, "abc123", nil)
	require.NoError(t, err)
	assert.True(t, processed)

	// Past the window the entry is purged and the identifier is reusable.
	now = now.Add(31 * time.Minute)
	processed, _, err = s.CheckAndStore(ctx, "abc123", nil)
	require.NoError(t, err)
	assert.False(t, processed)

	won, err := s.Reserve(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, won)
}

func TestConcurrentDuplicates_SingleResult(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	const callers = 20
	var wg sync.WaitGroup
	results := make(chan []byte, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n byte) {
			defer wg.Done()
			processed, stored, err := s.CheckAndStore(ctx, "abc123", []byte{n})
			assert.NoError(t, err)
			if processed {
				results <- stored
			} else {
				results <- []byte{n}
			}
		}(byte(i))
	}
	wg.Wait()
	close(results)

	// Every caller observed the same winning result.
	var winner []byte
	for r := range results {
		if winner == nil {
			winner = r
		}
		assert.Equal(t, winner, r)
	}
}
