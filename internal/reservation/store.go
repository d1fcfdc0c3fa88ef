// Package reservation defines the atomic inventory primitive shared by every
// intake instance. Implementations must perform the check, the decrement and
// the hold write as one indivisible step enforced by the storage engine.
package reservation

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNegativeCount = errors.New("inventory count must not be negative")
	ErrHoldNotFound  = errors.New("hold not found")
)

const HoldValue = "HELD"

type Store interface {
	// TryReserve decrements the product counter by one and records a hold for
	// the buyer when the counter is positive. It reports false, with no state
	// change, when the product is sold out or unknown.
	TryReserve(ctx context.Context, buyerID, productID string) (bool, error)
	SetInventory(ctx context.Context, productID string, count int64) error
	GetInventory(ctx context.Context, productID string) (int64, error)
	// Release gives back a unit granted by TryReserve whose hand-off failed.
	// It returns ErrHoldNotFound when no hold exists for the pair.
	Release(ctx context.Context, buyerID, productID string) error
}

func InventoryKey(productID string) string {
	return fmt.Sprintf("inventory:%s", productID)
}

func HoldKey(buyerID, productID string) string {
	return fmt.Sprintf("hold:%s:%s", buyerID, productID)
}
