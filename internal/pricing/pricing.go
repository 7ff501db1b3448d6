package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sellbridge/marketsync/internal/jobs"
)

// FeeSchedule holds one marketplace's fee coefficients. CommissionRate is
// a fraction of the gross price (0.11 means 11%), FixedFee a flat charge
// in the marketplace's listing currency.
type FeeSchedule struct {
	CommissionRate decimal.Decimal
	FixedFee       decimal.Decimal
	Currency       string
}

// Config configures an Engine from plain strings, so it can be populated
// straight from yaml without losing precision to floats.
type Config struct {
	// BaseCurrency anchors the rate table; its coefficient is always 1.
	BaseCurrency string
	// Rates maps a currency code to units of that currency per one unit
	// of BaseCurrency.
	Rates map[string]string
	// Schedules maps a marketplace name to its fee coefficients.
	Schedules map[string]ScheduleConfig
}

// ScheduleConfig is the string form of a FeeSchedule.
type ScheduleConfig struct {
	CommissionRate string
	FixedFee       string
	Currency       string
}

// Quote is the outcome of pricing a listing for one marketplace.
type Quote struct {
	Marketplace jobs.Marketplace
	Currency    string
	Gross       decimal.Decimal
	Commission  decimal.Decimal
	FixedFee    decimal.Decimal
	Net         decimal.Decimal
}

// Engine computes cross-marketplace price and fee quotes with
// multi-currency coefficients.
type Engine struct {
	baseCurrency string
	rates        map[string]decimal.Decimal
	schedules    map[jobs.Marketplace]FeeSchedule
}

// NewEngine parses and validates the configured coefficients.
func NewEngine(cfg Config) (*Engine, error) {
	base := strings.ToUpper(cfg.BaseCurrency)
	if base == "" {
		return nil, fmt.Errorf("pricing base currency is required")
	}

	rates := map[string]decimal.Decimal{
		base: decimal.NewFromInt(1),
	}
	for code, raw := range cfg.Rates {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid rate for currency %s: %w", code, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate for currency %s must be positive, got %s", code, rate)
		}
		rates[strings.ToUpper(code)] = rate
	}

	schedules := make(map[jobs.Marketplace]FeeSchedule, len(cfg.Schedules))
	for name, sc := range cfg.Schedules {
		marketplace := jobs.Marketplace(strings.ToLower(name))
		if !marketplace.Valid() {
			return nil, fmt.Errorf("unknown marketplace in fee schedule: %s", name)
		}

		commission, err := decimal.NewFromString(sc.CommissionRate)
		if err != nil {
			return nil, fmt.Errorf("invalid commission rate for %s: %w", name, err)
		}
		if commission.IsNegative() || commission.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("commission rate for %s must be in [0, 1), got %s", name, commission)
		}

		fixed, err := decimal.NewFromString(sc.FixedFee)
		if err != nil {
			return nil, fmt.Errorf("invalid fixed fee for %s: %w", name, err)
		}
		if fixed.IsNegative() {
			return nil, fmt.Errorf("fixed fee for %s must not be negative, got %s", name, fixed)
		}

		currency := strings.ToUpper(sc.Currency)
		if _, ok := rates[currency]; !ok {
			return nil, fmt.Errorf("fee schedule for %s uses currency %s with no configured rate", name, currency)
		}

		schedules[marketplace] = FeeSchedule{
			CommissionRate: commission,
			FixedFee:       fixed,
			Currency:       currency,
		}
	}

	return &Engine{
		baseCurrency: base,
		rates:        rates,
		schedules:    schedules,
	}, nil
}

// Convert converts an amount between two configured currencies. Full
// precision is kept; rounding happens only at quote boundaries.
func (e *Engine) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	fromRate, ok := e.rates[strings.ToUpper(from)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no rate configured for currency %s", from)
	}
	toRate, ok := e.rates[strings.ToUpper(to)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no rate configured for currency %s", to)
	}

	return amount.Div(fromRate).Mul(toRate), nil
}

// Quote prices a listing amount in its own currency for one marketplace:
// convert into the marketplace's listing currency, apply commission and
// fixed fee, round everything to 2 decimal places at the end.
func (e *Engine) Quote(amount decimal.Decimal, currency string, marketplace jobs.Marketplace) (*Quote, error) {
	sched, ok := e.schedules[marketplace]
	if !ok {
		return nil, fmt.Errorf("no fee schedule configured for marketplace %s", marketplace)
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("listing amount must not be negative, got %s", amount)
	}

	gross, err := e.Convert(amount, currency, sched.Currency)
	if err != nil {
		return nil, err
	}

	commission := gross.Mul(sched.CommissionRate)
	net := gross.Sub(commission).Sub(sched.FixedFee)

	return &Quote{
		Marketplace: marketplace,
		Currency:    sched.Currency,
		Gross:       gross.Round(2),
		Commission:  commission.Round(2),
		FixedFee:    sched.FixedFee.Round(2),
		Net:         net.Round(2),
	}, nil
}

// Schedule returns the fee schedule for a marketplace, if configured.
func (e *Engine) Schedule(marketplace jobs.Marketplace) (FeeSchedule, bool) {
	sched, ok := e.schedules[marketplace]
	return sched, ok
}
