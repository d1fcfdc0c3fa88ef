package metrics_test

import (
	"testing"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/domain"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := metrics.New()

	m.ReservationOutcome(domain.OutcomeReserved, false)
	m.ReservationOutcome(domain.OutcomeReserved, true)
	m.ReservationOutcome(domain.OutcomeSoldOut, false)
	m.OrderConfirmed()
	m.OrderConfirmed()
	m.MessageDeadLettered("unparseable")
	m.ReservationReleased()
	m.ObserveRequest("POST", "/api/hold", 200, 15*time.Millisecond)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	assert.True(t, names["velocity_orders_confirmed_total"])
	assert.True(t, names["velocity_reservation_outcomes_total"])
	assert.True(t, names["velocity_http_request_duration_seconds"])
	assert.True(t, names["velocity_fulfillment_dead_letters_total"])
	assert.True(t, names["velocity_reservation_releases_total"])

	count, err := testutil.GatherAndCount(m.Registry(), "velocity_reservation_outcomes_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
