package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-exchange/internal/types"
)

// Markets is the TOML market definition:
//
//	[[currencies]]
//	code = "BTC"
//	precision = 8
//
//	[[pairs]]
//	base = "BTC"
//	quote = "USD"
//	min_order_size = "0.0001"
//	...
//
//	[[credentials]]
//	api_key = "..."
//	api_secret = "..."
//	user_id = "trader-1"
type Markets struct {
	Currencies  []types.Currency `toml:"currencies"`
	Pairs       []PairConfig     `toml:"pairs"`
	Credentials []Credential     `toml:"credentials"`
}

type PairConfig struct {
	Base              string          `toml:"base"`
	Quote             string          `toml:"quote"`
	Inactive          bool            `toml:"inactive"`
	MinOrderSize      decimal.Decimal `toml:"min_order_size"`
	MaxOrderSize      decimal.Decimal `toml:"max_order_size"`
	PricePrecision    int32           `toml:"price_precision"`
	QuantityPrecision int32           `toml:"quantity_precision"`
	MakerFee          decimal.Decimal `toml:"maker_fee"`
	TakerFee          decimal.Decimal `toml:"taker_fee"`
}

func (p PairConfig) Symbol() string { return p.Base + "/" + p.Quote }

// Credential provisions an API key for a user at startup
type Credential struct {
	APIKey      string   `toml:"api_key"`
	APISecret   string   `toml:"api_secret"`
	UserID      string   `toml:"user_id"`
	Permissions []string `toml:"permissions"`
}

func DefaultMarkets() Markets {
	dec := decimal.RequireFromString
	return Markets{
		Currencies: []types.Currency{
			{Code: "BTC", Precision: 8},
			{Code: "ETH", Precision: 8},
			{Code: "USD", Precision: 2},
		},
		Pairs: []PairConfig{
			{
				Base: "BTC", Quote: "USD",
				MinOrderSize: dec("0.0001"), MaxOrderSize: dec("100"),
				PricePrecision: 2, QuantityPrecision: 6,
				MakerFee: dec("0.001"), TakerFee: dec("0.002"),
			},
			{
				Base: "ETH", Quote: "USD",
				MinOrderSize: dec("0.001"), MaxOrderSize: dec("1000"),
				PricePrecision: 2, QuantityPrecision: 5,
				MakerFee: dec("0.001"), TakerFee: dec("0.002"),
			},
			{
				Base: "ETH", Quote: "BTC",
				MinOrderSize: dec("0.001"), MaxOrderSize: dec("1000"),
				PricePrecision: 6, QuantityPrecision: 3,
				MakerFee: dec("0.001"), TakerFee: dec("0.002"),
			},
		},
		Credentials: []Credential{
			{APIKey: "test-api-key", APISecret: "test-api-secret", UserID: "trader-1"},
			{APIKey: "test-api-key-2", APISecret: "test-api-secret-2", UserID: "trader-2"},
			{APIKey: "test-api-key-3", APISecret: "test-api-secret-3", UserID: "trader-3"},
			{APIKey: "test-api-key-4", APISecret: "test-api-secret-4", UserID: "trader-4"},
			{APIKey: "ops-api-key", APISecret: "ops-api-secret", UserID: "ops", Permissions: []string{"internal"}},
		},
	}
}

// Currency returns the definition of code
func (m Markets) Currency(code string) (types.Currency, bool) {
	for _, c := range m.Currencies {
		if c.Code == code {
			return c, true
		}
	}
	return types.Currency{}, false
}

// TradingPairs converts the pair definitions into engine trading pairs
func (m Markets) TradingPairs() []types.TradingPair {
	out := make([]types.TradingPair, 0, len(m.Pairs))
	for _, p := range m.Pairs {
		out = append(out, types.TradingPair{
			ID:                p.Symbol(),
			Symbol:            p.Symbol(),
			BaseCurrency:      p.Base,
			QuoteCurrency:     p.Quote,
			Active:            !p.Inactive,
			MinOrderSize:      p.MinOrderSize,
			MaxOrderSize:      p.MaxOrderSize,
			PricePrecision:    p.PricePrecision,
			QuantityPrecision: p.QuantityPrecision,
			MakerFee:          p.MakerFee,
			TakerFee:          p.TakerFee,
		})
	}
	return out
}

func (m Markets) Validate() error {
	var errs []string

	if len(m.Pairs) == 0 {
		errs = append(errs, "markets: at least one pair is required")
	}
	seen := make(map[string]bool)
	for _, p := range m.Pairs {
		sym := p.Symbol()
		if seen[sym] {
			errs = append(errs, fmt.Sprintf("markets: duplicate pair %s", sym))
		}
		seen[sym] = true

		base, okBase := m.Currency(p.Base)
		_, okQuote := m.Currency(p.Quote)
		if !okBase || !okQuote {
			errs = append(errs, fmt.Sprintf("markets: %s references an undefined currency", sym))
		}
		if p.Base == p.Quote {
			errs = append(errs, fmt.Sprintf("markets: %s has identical base and quote", sym))
		}
		if !p.MinOrderSize.IsPositive() || p.MaxOrderSize.LessThan(p.MinOrderSize) {
			errs = append(errs, fmt.Sprintf("markets: %s needs 0 < min_order_size <= max_order_size", sym))
		}
		if p.PricePrecision < 0 || p.QuantityPrecision < 0 {
			errs = append(errs, fmt.Sprintf("markets: %s precisions must not be negative", sym))
		}
		if okBase && p.QuantityPrecision > base.Precision {
			errs = append(errs, fmt.Sprintf("markets: %s quantity precision exceeds %s precision", sym, p.Base))
		}
		if p.MakerFee.IsNegative() || p.TakerFee.IsNegative() ||
			p.MakerFee.GreaterThanOrEqual(decimal.NewFromInt(1)) || p.TakerFee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			errs = append(errs, fmt.Sprintf("markets: %s fee rates must be in [0, 1)", sym))
		}
	}
	for _, c := range m.Credentials {
		if c.APIKey == "" || c.APISecret == "" || c.UserID == "" {
			errs = append(errs, "markets: credentials need api_key, api_secret and user_id")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "\n  - "))
	}
	return nil
}
