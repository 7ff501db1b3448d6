package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sellbridge/marketsync/internal/jobs"
)

func testConfig() Config {
	return Config{
		BaseCurrency: "EUR",
		Rates: map[string]string{
			"GBP": "0.85",
			"USD": "1.10",
		},
		Schedules: map[string]ScheduleConfig{
			"ebay": {
				CommissionRate: "0.11",
				FixedFee:       "0.30",
				Currency:       "USD",
			},
			"vinted": {
				CommissionRate: "0.05",
				FixedFee:       "0.70",
				Currency:       "EUR",
			},
			"etsy": {
				CommissionRate: "0.065",
				FixedFee:       "0.20",
				Currency:       "GBP",
			},
		},
	}
}

func TestNewEngine_Validation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(cfg *Config)
		errString string
	}{
		{
			name:      "missing base currency",
			mutate:    func(cfg *Config) { cfg.BaseCurrency = "" },
			errString: "base currency is required",
		},
		{
			name:      "malformed rate",
			mutate:    func(cfg *Config) { cfg.Rates["GBP"] = "zero point eight" },
			errString: "invalid rate for currency GBP",
		},
		{
			name:      "non-positive rate",
			mutate:    func(cfg *Config) { cfg.Rates["USD"] = "0" },
			errString: "must be positive",
		},
		{
			name: "unknown marketplace",
			mutate: func(cfg *Config) {
				cfg.Schedules["amazon"] = cfg.Schedules["ebay"]
			},
			errString: "unknown marketplace",
		},
		{
			name: "commission out of range",
			mutate: func(cfg *Config) {
				sc := cfg.Schedules["ebay"]
				sc.CommissionRate = "1.5"
				cfg.Schedules["ebay"] = sc
			},
			errString: "must be in [0, 1)",
		},
		{
			name: "schedule currency without rate",
			mutate: func(cfg *Config) {
				sc := cfg.Schedules["etsy"]
				sc.Currency = "PLN"
				cfg.Schedules["etsy"] = sc
			},
			errString: "no configured rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)

			engine, err := NewEngine(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
			assert.Nil(t, engine)
		})
	}
}

func TestEngine_Convert(t *testing.T) {
	engine, err := NewEngine(testConfig())
	require.NoError(t, err)

	// 100 EUR -> GBP at 0.85
	got, err := engine.Convert(decimal.NewFromInt(100), "EUR", "GBP")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("85")), "got %s", got)

	// Cross rate GBP -> USD: 85 GBP -> 100 EUR -> 110 USD
	got, err = engine.Convert(decimal.RequireFromString("85"), "GBP", "USD")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("110")), "got %s", got)

	// Identity
	got, err = engine.Convert(decimal.NewFromInt(42), "USD", "USD")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(42)))

	_, err = engine.Convert(decimal.NewFromInt(1), "EUR", "JPY")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rate configured")
}

func TestEngine_Quote(t *testing.T) {
	engine, err := NewEngine(testConfig())
	require.NoError(t, err)

	tests := []struct {
		name        string
		amount      string
		currency    string
		marketplace jobs.Marketplace
		wantCur     string
		wantGross   string
		wantComm    string
		wantNet     string
	}{
		{
			// 100 EUR -> 110 USD, 11% commission, 0.30 fixed
			name:        "eur listing on ebay",
			amount:      "100",
			currency:    "EUR",
			marketplace: jobs.MarketplaceEbay,
			wantCur:     "USD",
			wantGross:   "110.00",
			wantComm:    "12.10",
			wantNet:     "97.60",
		},
		{
			// Same currency, only fees
			name:        "eur listing on vinted",
			amount:      "19.99",
			currency:    "EUR",
			marketplace: jobs.MarketplaceVinted,
			wantCur:     "EUR",
			wantGross:   "19.99",
			wantComm:    "1.00",
			wantNet:     "18.29",
		},
		{
			// 40 USD -> 36.3636.. EUR -> 30.9090.. GBP, rounded at the end
			name:        "usd listing on etsy",
			amount:      "40",
			currency:    "USD",
			marketplace: jobs.MarketplaceEtsy,
			wantCur:     "GBP",
			wantGross:   "30.91",
			wantComm:    "2.01",
			wantNet:     "28.70",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quote, err := engine.Quote(decimal.RequireFromString(tt.amount), tt.currency, tt.marketplace)
			require.NoError(t, err)

			assert.Equal(t, tt.marketplace, quote.Marketplace)
			assert.Equal(t, tt.wantCur, quote.Currency)
			assert.Equal(t, tt.wantGross, quote.Gross.StringFixed(2))
			assert.Equal(t, tt.wantComm, quote.Commission.StringFixed(2))
			assert.Equal(t, tt.wantNet, quote.Net.StringFixed(2))
		})
	}
}

func TestEngine_Quote_Errors(t *testing.T) {
	cfg := testConfig()
	delete(cfg.Schedules, "etsy")
	engine, err := NewEngine(cfg)
	require.NoError(t, err)

	_, err = engine.Quote(decimal.NewFromInt(10), "EUR", jobs.MarketplaceEtsy)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no fee schedule")

	_, err = engine.Quote(decimal.NewFromInt(-1), "EUR", jobs.MarketplaceEbay)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be negative")

	_, err = engine.Quote(decimal.NewFromInt(10), "JPY", jobs.MarketplaceEbay)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rate configured")
}
