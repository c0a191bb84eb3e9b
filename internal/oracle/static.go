package oracle

import (
	"context"
	"sync"

	"github.com/ksred/klear-finance/internal/types"
	"github.com/shopspring/decimal"
)

// Static serves fixed quotes. Prices can be moved with Set, which makes
// it the oracle of choice for tests and offline runs.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]types.Quote
}

func NewStatic(quotes map[string]types.Quote) *Static {
	s := &Static{quotes: make(map[string]types.Quote, len(quotes))}
	for symbol, q := range quotes {
		symbol = NormalizeSymbol(symbol)
		q.Symbol = symbol
		s.quotes[symbol] = q
	}
	return s
}

func (s *Static) Lookup(ctx context.Context, symbol string) (types.Quote, error) {
	if err := ctx.Err(); err != nil {
		return types.Quote{}, err
	}

	symbol = NormalizeSymbol(symbol)

	s.mu.RLock()
	q, ok := s.quotes[symbol]
	s.mu.RUnlock()

	if !ok || !q.Price.IsPositive() {
		return types.Quote{}, unknown(symbol)
	}
	return q, nil
}

// Set adds or replaces the quote for symbol
func (s *Static) Set(symbol string, price, open decimal.Decimal) {
	symbol = NormalizeSymbol(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[symbol] = types.Quote{Symbol: symbol, Price: price, Open: open}
}

// Remove makes symbol unresolvable
func (s *Static) Remove(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quotes, NormalizeSymbol(symbol))
}
