package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/domain"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/mylogger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type OrderRepository interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListByProduct(ctx context.Context, productID string) ([]domain.Order, error)
}

type orderRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewOrderRepository(pool *pgxpool.Pool, logger *zap.Logger) OrderRepository {
	return &orderRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("order_repository"),
	}
}

func (r *orderRepo) CreateOrder(ctx context.Context, order *domain.Order) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.CreateOrder")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", order.OrderID),
		attribute.String("product_id", order.ProductID),
	)

	query := `
		INSERT INTO orders (order_id, buyer_id, product_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.pool.Exec(
		ctx,
		query,
		order.OrderID,
		order.BuyerID,
		order.ProductID,
		string(order.Status),
		order.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrOrderAlreadyExists
		}

		mylogger.Error(
			ctx,
			r.logger,
			"Failed to insert order",
			zap.String("order_id", order.OrderID),
			zap.Error(err),
		)

		return fmt.Errorf("error inserting order: %w", err)
	}

	return nil
}

func (r *orderRepo) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.GetOrder")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", orderID))

	query := `
		SELECT order_id, buyer_id, product_id, status, created_at
		FROM orders
		WHERE order_id = $1
	`

	var order domain.Order
	err := r.pool.QueryRow(ctx, query, orderID).Scan(
		&order.OrderID,
		&order.BuyerID,
		&order.ProductID,
		&order.Status,
		&order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}

		span.RecordError(err)
		return nil, fmt.Errorf("error querying order: %w", err)
	}

	return &order, nil
}

func (r *orderRepo) ListByProduct(ctx context.Context, productID string) ([]domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.ListByProduct")
	defer span.End()

	span.SetAttributes(attribute.String("product_id", productID))

	query := `
		SELECT order_id, buyer_id, product_id, status, created_at
		FROM orders
		WHERE product_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, productID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error querying orders: %w", err)
	}
	defer rows.Close()

	var result []domain.Order
	for rows.Next() {
		var order domain.Order
		if err := rows.Scan(
			&order.OrderID,
			&order.BuyerID,
			&order.ProductID,
			&order.Status,
			&order.CreatedAt,
		); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("error scanning order: %w", err)
		}

		result = append(result, order)
	}

	if err := rows.Err(); err != nil {
		mylogger.Error(ctx, r.logger, "Rows error", zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.Int("result_count", len(result)))

	return result, nil
}
