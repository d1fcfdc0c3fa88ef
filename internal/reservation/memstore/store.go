// Package memstore is an in-process reservation.Store. The mutex stands in
// for the single-threaded script execution of the real storage engine, which
// keeps the intake and worker packages testable without Redis.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/reservation"
)

type Store struct {
	mu      sync.Mutex
	counts  map[string]int64
	holds   map[string]time.Time
	holdTTL time.Duration
	now     func() time.Time
}

func New(holdTTL time.Duration) *Store {
	return &Store{
		counts:  make(map[string]int64),
		holds:   make(map[string]time.Time),
		holdTTL: holdTTL,
		now:     time.Now,
	}
}

// WithClock replaces the time source used for hold expiry.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) TryReserve(ctx context.Context, buyerID, productID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counts[productID] <= 0 {
		return false, nil
	}

	s.counts[productID]--
	s.holds[reservation.HoldKey(buyerID, productID)] = s.now().Add(s.holdTTL)

	return true, nil
}

func (s *Store) Release(ctx context.Context, buyerID, productID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := reservation.HoldKey(buyerID, productID)
	if !s.holdActive(key) {
		return reservation.ErrHoldNotFound
	}

	delete(s.holds, key)
	s.counts[productID]++

	return nil
}

func (s *Store) SetInventory(ctx context.Context, productID string, count int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if count < 0 {
		return reservation.ErrNegativeCount
	}

	s.mu.Lock()
	s.counts[productID] = count
	s.mu.Unlock()

	return nil
}

func (s *Store) GetInventory(ctx context.Context, productID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.counts[productID], nil
}

// HasHold reports whether an unexpired hold exists for the pair.
func (s *Store) HasHold(buyerID, productID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.holdActive(reservation.HoldKey(buyerID, productID))
}

func (s *Store) holdActive(key string) bool {
	expiresAt, ok := s.holds[key]
	if !ok {
		return false
	}

	if !s.now().Before(expiresAt) {
		delete(s.holds, key)
		return false
	}

	return true
}
