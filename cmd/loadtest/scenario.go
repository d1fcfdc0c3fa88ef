package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"
)

const idempotencyHitHeader = "X-Idempotency-Hit"

type Client struct {
	rc *resty.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{rc: rc}
}

func (c *Client) SetInventory(ctx context.Context, productID string, count int64) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(map[string]any{"productId": productID, "count": count}).
		Post("/api/admin/inventory")
	if err != nil {
		return fmt.Errorf("error setting inventory: %w", err)
	}

	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("set inventory returned %d: %s", resp.StatusCode(), resp.String())
	}

	return nil
}

func (c *Client) Hold(ctx context.Context, userID, productID, key string) (*resty.Response, error) {
	return c.rc.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"userId":         userID,
			"productId":      productID,
			"idempotencyKey": key,
		}).
		Post("/api/hold")
}

type StressReport struct {
	Reserved int
	SoldOut  int
	Other    int
	Errors   int
	Elapsed  time.Duration
}

// Oversold reports whether more holds succeeded than units were stocked.
func (r StressReport) Oversold(stock int) bool {
	return r.Reserved > stock
}

// RunStress stocks productID with stock units and fires buyers holds with
// distinct users and tokens, at most concurrency at a time.
func RunStress(ctx context.Context, c *Client, productID string, stock, buyers, concurrency int) (StressReport, error) {
	if err := c.SetInventory(ctx, productID, int64(stock)); err != nil {
		return StressReport{}, err
	}

	var (
		mu     sync.Mutex
		report StressReport
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	start := time.Now()
	for i := 0; i < buyers; i++ {
		user := fmt.Sprintf("user-%d", i)
		key := fmt.Sprintf("key-%d-%d", start.UnixNano(), i)

		g.Go(func() error {
			resp, err := c.Hold(gctx, user, productID, key)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err != nil:
				report.Errors++
			case resp.StatusCode() == http.StatusOK:
				report.Reserved++
			case resp.StatusCode() == http.StatusConflict:
				report.SoldOut++
			default:
				report.Other++
			}

			return nil
		})
	}

	_ = g.Wait()
	report.Elapsed = time.Since(start)

	return report, nil
}

type IdempotencyReport struct {
	FirstStatus    int
	SecondStatus   int
	SecondReplayed bool
	ThirdStatus    int
}

func (r IdempotencyReport) OK() bool {
	return r.FirstStatus == http.StatusOK &&
		r.SecondStatus == http.StatusOK &&
		r.SecondReplayed &&
		r.ThirdStatus == http.StatusConflict
}

// RunIdempotency stocks a single unit, sends the same token twice and then a
// fresh token that must find the product sold out.
func RunIdempotency(ctx context.Context, c *Client, productID string) (IdempotencyReport, error) {
	if err := c.SetInventory(ctx, productID, 1); err != nil {
		return IdempotencyReport{}, err
	}

	key := fmt.Sprintf("key-%d", time.Now().UnixNano())

	var report IdempotencyReport

	first, err := c.Hold(ctx, "user-test", productID, key)
	if err != nil {
		return report, fmt.Errorf("first request: %w", err)
	}
	report.FirstStatus = first.StatusCode()

	second, err := c.Hold(ctx, "user-test", productID, key)
	if err != nil {
		return report, fmt.Errorf("second request: %w", err)
	}
	report.SecondStatus = second.StatusCode()
	report.SecondReplayed = second.Header().Get(idempotencyHitHeader) == "true"

	third, err := c.Hold(ctx, "user-other", productID, key+"-other")
	if err != nil {
		return report, fmt.Errorf("third request: %w", err)
	}
	report.ThirdStatus = third.StatusCode()

	return report, nil
}
