package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/ksred/klear-finance/internal/config"
	"github.com/ksred/klear-finance/internal/types"
	"github.com/shopspring/decimal"
)

// Oracle resolves a ticker symbol to its current and opening price.
// Lookup returns an error wrapping types.ErrUnknownSymbol when the symbol
// does not resolve; any other error means the oracle itself failed.
type Oracle interface {
	Lookup(ctx context.Context, symbol string) (types.Quote, error)
}

// New builds the oracle selected by cfg.Type
func New(cfg config.OracleConfig) (Oracle, error) {
	switch cfg.Type {
	case "static":
		return NewStatic(quotesFromConfig(cfg.Quotes)), nil
	case "market":
		return NewMarket(quotesFromConfig(cfg.Quotes)), nil
	case "http":
		timeout, err := cfg.RequestTimeout()
		if err != nil {
			return nil, err
		}
		return NewHTTP(HTTPConfig{
			URL:       cfg.URL,
			APIKey:    cfg.APIKey,
			PricePath: cfg.PricePath,
			OpenPath:  cfg.OpenPath,
			Timeout:   timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported oracle type %q", cfg.Type)
	}
}

// NormalizeSymbol trims and upper-cases a user supplied ticker
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func unknown(symbol string) error {
	return fmt.Errorf("%w: %s", types.ErrUnknownSymbol, symbol)
}

func quotesFromConfig(in map[string]config.QuoteConfig) map[string]types.Quote {
	out := make(map[string]types.Quote, len(in))
	for symbol, q := range in {
		symbol = NormalizeSymbol(symbol)
		out[symbol] = types.Quote{
			Symbol: symbol,
			Price:  decimal.NewFromFloat(q.Price),
			Open:   decimal.NewFromFloat(q.Open),
		}
	}
	return out
}
