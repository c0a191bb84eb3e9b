package oracle

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ksred/klear-finance/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Market is a simulated market. Each lookup moves the price by a random
// variance around the seeded base price; the opening price stays fixed.
type Market struct {
	Variance   float64 // 0-1, max relative move from the base price
	MinLatency int     // in milliseconds
	MaxLatency int

	mu    sync.Mutex
	rng   *rand.Rand
	bases map[string]types.Quote
}

// NewMarket creates a simulated market seeded with the given base quotes
func NewMarket(bases map[string]types.Quote) *Market {
	m := &Market{
		Variance: 0.02, // ±2%
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		bases:    make(map[string]types.Quote, len(bases)),
	}
	for symbol, q := range bases {
		symbol = NormalizeSymbol(symbol)
		q.Symbol = symbol
		m.bases[symbol] = q
	}
	return m
}

// Seed makes the random walk reproducible
func (m *Market) Seed(seed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rng = rand.New(rand.NewSource(seed))
}

func (m *Market) Lookup(ctx context.Context, symbol string) (types.Quote, error) {
	symbol = NormalizeSymbol(symbol)
	logger := log.With().
		Str("component", "market_oracle").
		Str("symbol", symbol).
		Logger()

	m.mu.Lock()
	base, ok := m.bases[symbol]
	latency := m.MinLatency
	if m.MaxLatency > m.MinLatency {
		latency += m.rng.Intn(m.MaxLatency - m.MinLatency + 1)
	}
	move := m.rng.Float64()*2*m.Variance - m.Variance
	m.mu.Unlock()

	if latency > 0 {
		logger.Debug().Int("latency_ms", latency).Msg("simulated quote latency")
		select {
		case <-ctx.Done():
			return types.Quote{}, ctx.Err()
		case <-time.After(time.Duration(latency) * time.Millisecond):
		}
	}

	if !ok {
		logger.Debug().Msg("symbol not listed")
		return types.Quote{}, unknown(symbol)
	}

	price := base.Price.Mul(decimal.NewFromFloat(1 + move)).Round(2)
	if !price.IsPositive() {
		return types.Quote{}, unknown(symbol)
	}

	logger.Debug().
		Str("base_price", base.Price.String()).
		Str("price", price.String()).
		Msg("price variance applied")

	return types.Quote{Symbol: symbol, Price: price, Open: base.Open}, nil
}
