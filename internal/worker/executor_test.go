package worker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sellbridge/marketsync/internal/jobs"
	"github.com/sellbridge/marketsync/internal/pricing"
)

func testPricingEngine(t *testing.T) *pricing.Engine {
	t.Helper()
	engine, err := pricing.NewEngine(pricing.Config{
		BaseCurrency: "EUR",
		Rates: map[string]string{
			"GBP": "0.85",
			"USD": "1.10",
		},
		Schedules: map[string]pricing.ScheduleConfig{
			"ebay":   {CommissionRate: "0.11", FixedFee: "0.30", Currency: "USD"},
			"vinted": {CommissionRate: "0.05", FixedFee: "0.70", Currency: "EUR"},
			"etsy":   {CommissionRate: "0.065", FixedFee: "0.20", Currency: "GBP"},
		},
	})
	require.NoError(t, err)
	return engine
}

func testExecutor(t *testing.T) *Executor {
	t.Helper()
	return NewExecutor(&ExecutorConfig{
		Logger:  slog.New(slog.NewTextHandler(testWriter{t}, nil)),
		Pricing: testPricingEngine(t),
	})
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func publishJob(marketplace jobs.Marketplace) *jobs.Job {
	return &jobs.Job{
		JobID:       "job-1",
		TenantID:    "tenant-1",
		Marketplace: marketplace,
		Action:      jobs.ActionPublish,
	}
}

func TestExecutorPublish(t *testing.T) {
	executor := testExecutor(t)

	payload := map[string]interface{}{
		"title":    "Vintage denim jacket",
		"price":    "100",
		"currency": "EUR",
	}

	result, err := executor.Execute(context.Background(), publishJob(jobs.MarketplaceEbay), payload)
	require.NoError(t, err)

	assert.Equal(t, "Vintage denim jacket", result["title"])
	assert.Equal(t, "USD", result["currency"])
	assert.Equal(t, "110", result["gross"])
	assert.Equal(t, "12.1", result["commission"])
	assert.Equal(t, "0.3", result["fixed_fee"])
	assert.Equal(t, "97.6", result["net"])
	assert.NotEmpty(t, result["listing_id"])
}

func TestExecutorPublishNumericPrice(t *testing.T) {
	executor := testExecutor(t)

	payload := map[string]interface{}{
		"title":    "Ceramic mug",
		"price":    19.99,
		"currency": "EUR",
	}

	result, err := executor.Execute(context.Background(), publishJob(jobs.MarketplaceVinted), payload)
	require.NoError(t, err)
	assert.Equal(t, "EUR", result["currency"])
	assert.Equal(t, "19.99", result["gross"])
}

func TestExecutorPublishInvalidPayload(t *testing.T) {
	executor := testExecutor(t)

	tests := []struct {
		name    string
		payload map[string]interface{}
	}{
		{
			name:    "missing title",
			payload: map[string]interface{}{"price": "10", "currency": "EUR"},
		},
		{
			name:    "missing price",
			payload: map[string]interface{}{"title": "x", "currency": "EUR"},
		},
		{
			name:    "price not a number",
			payload: map[string]interface{}{"title": "x", "price": "abc", "currency": "EUR"},
		},
		{
			name:    "negative price",
			payload: map[string]interface{}{"title": "x", "price": "-5", "currency": "EUR"},
		},
		{
			name:    "price wrong type",
			payload: map[string]interface{}{"title": "x", "price": true, "currency": "EUR"},
		},
		{
			name:    "empty currency",
			payload: map[string]interface{}{"title": "x", "price": "10", "currency": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executor.Execute(context.Background(), publishJob(jobs.MarketplaceEbay), tt.payload)
			assert.ErrorIs(t, err, jobs.ErrInvalidPayload)
		})
	}
}

func TestExecutorSync(t *testing.T) {
	executor := testExecutor(t)

	job := &jobs.Job{JobID: "job-2", Marketplace: jobs.MarketplaceEtsy, Action: jobs.ActionSync}
	result, err := executor.Execute(context.Background(), job, map[string]interface{}{
		"listing_id": "etsy-123",
	})
	require.NoError(t, err)
	assert.Equal(t, "etsy-123", result["listing_id"])
	assert.Equal(t, true, result["synced"])
}

func TestExecutorSyncWithPriceUpdate(t *testing.T) {
	executor := testExecutor(t)

	job := &jobs.Job{JobID: "job-2", Marketplace: jobs.MarketplaceEtsy, Action: jobs.ActionSync}
	result, err := executor.Execute(context.Background(), job, map[string]interface{}{
		"listing_id": "etsy-123",
		"price":      "100",
		"currency":   "EUR",
	})
	require.NoError(t, err)
	assert.Equal(t, "GBP", result["currency"])
	assert.Equal(t, "85", result["gross"])
}

func TestExecutorDelist(t *testing.T) {
	executor := testExecutor(t)

	job := &jobs.Job{JobID: "job-3", Marketplace: jobs.MarketplaceVinted, Action: jobs.ActionDelist}
	result, err := executor.Execute(context.Background(), job, map[string]interface{}{
		"listing_id": "vinted-9",
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["delisted"])
}

func TestExecutorRefund(t *testing.T) {
	executor := testExecutor(t)

	job := &jobs.Job{JobID: "job-4", Marketplace: jobs.MarketplaceEbay, Action: jobs.ActionRefund}
	result, err := executor.Execute(context.Background(), job, map[string]interface{}{
		"order_id": "order-7",
		"amount":   "50",
		"currency": "EUR",
	})
	require.NoError(t, err)

	// 50 EUR at a 1.10 USD rate.
	assert.Equal(t, "order-7", result["order_id"])
	assert.Equal(t, "USD", result["currency"])
	assert.Equal(t, "55", result["refunded_amount"])
}

func TestExecutorUnknownAction(t *testing.T) {
	executor := testExecutor(t)

	job := &jobs.Job{JobID: "job-5", Marketplace: jobs.MarketplaceEbay, Action: jobs.Action("archive")}
	_, err := executor.Execute(context.Background(), job, map[string]interface{}{})
	assert.ErrorIs(t, err, jobs.ErrInvalidPayload)
}

func TestExecutorAbortsOnCancelledContext(t *testing.T) {
	executor := NewExecutor(&ExecutorConfig{
		Logger:      slog.New(slog.NewTextHandler(testWriter{t}, nil)),
		Pricing:     testPricingEngine(t),
		CallLatency: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(jobs.ErrJobCancelled)

	_, err := executor.Execute(ctx, publishJob(jobs.MarketplaceEbay), map[string]interface{}{
		"title":    "x",
		"price":    "10",
		"currency": "EUR",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobs.ErrJobCancelled))
}

func TestDecimalFieldAcceptsDecimalString(t *testing.T) {
	value, err := decimalField(map[string]interface{}{"amount": "12.345"}, "amount")
	require.NoError(t, err)
	assert.True(t, value.Equal(decimal.RequireFromString("12.345")))
}
