package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sellbridge/marketsync/internal/jobs"
	"github.com/sellbridge/marketsync/internal/pricing"
)

// ExecutorConfig holds executor configuration
type ExecutorConfig struct {
	Logger  *slog.Logger
	Pricing *pricing.Engine
	// CallLatency simulates the marketplace API round trip. Zero is
	// fine for tests.
	CallLatency time.Duration
}

// Executor performs the marketplace side of a job: pricing the listing
// and issuing the publish/sync/delist/refund call.
type Executor struct {
	logger      *slog.Logger
	pricing     *pricing.Engine
	callLatency time.Duration
}

// NewExecutor creates a new Executor instance
func NewExecutor(cfg *ExecutorConfig) *Executor {
	return &Executor{
		logger:      cfg.Logger,
		pricing:     cfg.Pricing,
		callLatency: cfg.CallLatency,
	}
}

// Execute runs the job's action and returns the result payload stored
// on the job row. Respects context cancellation during the marketplace
// call.
func (e *Executor) Execute(ctx context.Context, job *jobs.Job, payload map[string]interface{}) (map[string]interface{}, error) {
	if err := e.marketplaceCall(ctx); err != nil {
		return nil, err
	}

	switch job.Action {
	case jobs.ActionPublish:
		return e.publish(job, payload)
	case jobs.ActionSync:
		return e.sync(job, payload)
	case jobs.ActionDelist:
		return e.delist(job, payload)
	case jobs.ActionRefund:
		return e.refund(job, payload)
	default:
		return nil, fmt.Errorf("unknown action %q: %w", job.Action, jobs.ErrInvalidPayload)
	}
}

func (e *Executor) marketplaceCall(ctx context.Context) error {
	if e.callLatency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(e.callLatency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		if cause := context.Cause(ctx); cause != nil {
			return fmt.Errorf("marketplace call aborted: %w", cause)
		}
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Executor) publish(job *jobs.Job, payload map[string]interface{}) (map[string]interface{}, error) {
	title, err := stringField(payload, "title")
	if err != nil {
		return nil, err
	}
	price, err := decimalField(payload, "price")
	if err != nil {
		return nil, err
	}
	currency, err := stringField(payload, "currency")
	if err != nil {
		return nil, err
	}

	quote, err := e.pricing.Quote(price, currency, job.Marketplace)
	if err != nil {
		return nil, fmt.Errorf("failed to price listing: %w", err)
	}

	e.logger.Info("Listing published",
		slog.String("job_id", job.JobID),
		slog.String("marketplace", string(job.Marketplace)),
		slog.String("gross", quote.Gross.String()),
		slog.String("net", quote.Net.String()),
	)

	return map[string]interface{}{
		"title":      title,
		"listing_id": listingID(job),
		"currency":   quote.Currency,
		"gross":      quote.Gross.String(),
		"commission": quote.Commission.String(),
		"fixed_fee":  quote.FixedFee.String(),
		"net":        quote.Net.String(),
	}, nil
}

func (e *Executor) sync(job *jobs.Job, payload map[string]interface{}) (map[string]interface{}, error) {
	listing, err := stringField(payload, "listing_id")
	if err != nil {
		return nil, err
	}
	result := map[string]interface{}{
		"listing_id": listing,
		"synced":     true,
	}
	if raw, ok := payload["price"]; ok {
		price, err := decimalField(map[string]interface{}{"price": raw}, "price")
		if err != nil {
			return nil, err
		}
		currency, err := stringField(payload, "currency")
		if err != nil {
			return nil, err
		}
		quote, err := e.pricing.Quote(price, currency, job.Marketplace)
		if err != nil {
			return nil, fmt.Errorf("failed to price listing: %w", err)
		}
		result["gross"] = quote.Gross.String()
		result["currency"] = quote.Currency
	}
	return result, nil
}

func (e *Executor) delist(job *jobs.Job, payload map[string]interface{}) (map[string]interface{}, error) {
	listing, err := stringField(payload, "listing_id")
	if err != nil {
		return nil, err
	}
	e.logger.Info("Listing removed",
		slog.String("job_id", job.JobID),
		slog.String("listing_id", listing),
	)
	return map[string]interface{}{
		"listing_id": listing,
		"delisted":   true,
	}, nil
}

func (e *Executor) refund(job *jobs.Job, payload map[string]interface{}) (map[string]interface{}, error) {
	orderID, err := stringField(payload, "order_id")
	if err != nil {
		return nil, err
	}
	amount, err := decimalField(payload, "amount")
	if err != nil {
		return nil, err
	}
	currency, err := stringField(payload, "currency")
	if err != nil {
		return nil, err
	}

	schedule, ok := e.pricing.Schedule(job.Marketplace)
	if !ok {
		return nil, fmt.Errorf("no fee schedule for marketplace %q", job.Marketplace)
	}
	refunded, err := e.pricing.Convert(amount, currency, schedule.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to convert refund amount: %w", err)
	}

	return map[string]interface{}{
		"order_id":        orderID,
		"refunded_amount": refunded.Round(2).String(),
		"currency":        schedule.Currency,
	}, nil
}

func listingID(job *jobs.Job) string {
	return fmt.Sprintf("%s-%s", job.Marketplace, job.JobID)
}

func stringField(payload map[string]interface{}, key string) (string, error) {
	raw, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("missing field %q: %w", key, jobs.ErrInvalidPayload)
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", fmt.Errorf("field %q must be a non-empty string: %w", key, jobs.ErrInvalidPayload)
	}
	return value, nil
}

func decimalField(payload map[string]interface{}, key string) (decimal.Decimal, error) {
	raw, ok := payload[key]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("missing field %q: %w", key, jobs.ErrInvalidPayload)
	}
	var value decimal.Decimal
	var err error
	switch v := raw.(type) {
	case string:
		value, err = decimal.NewFromString(v)
	case float64:
		value = decimal.NewFromFloat(v)
	case json.Number:
		value, err = decimal.NewFromString(v.String())
	default:
		return decimal.Decimal{}, fmt.Errorf("field %q must be a number: %w", key, jobs.ErrInvalidPayload)
	}
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("field %q is not a valid amount: %w", key, jobs.ErrInvalidPayload)
	}
	if value.IsNegative() || value.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("field %q must be positive: %w", key, jobs.ErrInvalidPayload)
	}
	return value, nil
}
