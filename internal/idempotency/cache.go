// Package idempotency stores the response produced for a client token so a
// retried request is answered from the record instead of being re-executed.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/domain"
)

var ErrRecordExists = errors.New("idempotency record already stored")

type Record struct {
	Outcome domain.Outcome  `json:"outcome"`
	Status  int             `json:"status"`
	Body    json.RawMessage `json:"body"`
}

type Cache interface {
	// Lookup returns nil, nil when no live record exists for token.
	Lookup(ctx context.Context, token string) (*Record, error)
	// Store writes rec only if token has no record yet; otherwise it returns
	// ErrRecordExists and leaves the first record in place.
	Store(ctx context.Context, token string, rec Record, ttl time.Duration) error
}

func Key(token string) string {
	return fmt.Sprintf("idempotency:%s", token)
}

func encode(rec Record) ([]byte, error) {
	if !rec.Outcome.Cacheable() {
		return nil, fmt.Errorf("outcome %s must not be cached", rec.Outcome)
	}

	return json.Marshal(rec)
}
