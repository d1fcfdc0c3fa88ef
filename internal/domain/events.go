package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidEvent = errors.New("invalid fulfillment event")

// FulfillmentEvent is published once per successful reservation.
type FulfillmentEvent struct {
	BuyerID   string `json:"userId"`
	ProductID string `json:"productId"`
}

func (e FulfillmentEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func ParseFulfillmentEvent(body []byte) (FulfillmentEvent, error) {
	var event FulfillmentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return FulfillmentEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if event.BuyerID == "" || event.ProductID == "" {
		return FulfillmentEvent{}, fmt.Errorf("%w: missing userId or productId", ErrInvalidEvent)
	}

	return event, nil
}

// InventoryChangedEvent is pushed to live viewers after reservations and restocks.
type InventoryChangedEvent struct {
	ProductID string `json:"productId"`
	Stock     int64  `json:"stock"`
}
