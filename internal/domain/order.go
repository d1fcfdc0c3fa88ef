package domain

import "time"

type OrderStatus string

const OrderStatusConfirmed OrderStatus = "CONFIRMED"

// Order is the durable record written by the confirmation worker.
type Order struct {
	OrderID   string      `db:"order_id" json:"orderId"`
	BuyerID   string      `db:"buyer_id" json:"buyerId"`
	ProductID string      `db:"product_id" json:"productId"`
	Status    OrderStatus `db:"status" json:"status"`
	CreatedAt time.Time   `db:"created_at" json:"timestamp"`
}
