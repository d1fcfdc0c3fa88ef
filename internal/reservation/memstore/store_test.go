package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/reservation"
	"github.com/stretchr/testify/require"
)

func TestStore_ReserveUntilSoldOut(t *testing.T) {
	ctx := context.Background()
	s := New(5 * time.Minute)

	require.NoError(t, s.SetInventory(ctx, "p1", 2))

	for i := 0; i < 2; i++ {
		ok, err := s.TryReserve(ctx, fmt.Sprintf("u%d", i), "p1")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := s.TryReserve(ctx, "u3", "p1")
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, s.HasHold("u3", "p1"))

	count, err := s.GetInventory(ctx, "p1")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestStore_ConcurrentReserveNeverOversells(t *testing.T) {
	ctx := context.Background()
	s := New(time.Minute)
	require.NoError(t, s.SetInventory(ctx, "p1", 10))

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			ok, err := s.TryReserve(ctx, fmt.Sprintf("u%d", i), "p1")
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}

			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 10, won)
}

func TestStore_HoldExpiresAndReleaseFails(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New(5 * time.Minute).WithClock(func() time.Time { return now })

	require.NoError(t, s.SetInventory(ctx, "p1", 1))

	ok, err := s.TryReserve(ctx, "u1", "p1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, s.HasHold("u1", "p1"))

	now = now.Add(5 * time.Minute)
	require.False(t, s.HasHold("u1", "p1"))
	require.ErrorIs(t, s.Release(ctx, "u1", "p1"), reservation.ErrHoldNotFound)
}

func TestStore_Release(t *testing.T) {
	ctx := context.Background()
	s := New(time.Minute)
	require.NoError(t, s.SetInventory(ctx, "p1", 1))

	ok, err := s.TryReserve(ctx, "u1", "p1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Release(ctx, "u1", "p1"))

	count, err := s.GetInventory(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(time.Minute)
	_, err := s.TryReserve(ctx, "u1", "p1")
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, s.SetInventory(ctx, "p1", 1), context.Canceled)
}
