package trading

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-finance/internal/oracle"
	"github.com/ksred/klear-finance/internal/types"
	"github.com/ksred/klear-finance/pkg/middleware"
	"github.com/ksred/klear-finance/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service handles buying, selling and price lookups
type Service struct {
	db     *Database
	ledger *ledger
	oracle oracle.Oracle
}

// NewService creates a new trading service with the given database connection
func NewService(gormDB *gorm.DB, o oracle.Oracle) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		ledger: newLedger(gormDB),
		oracle: o,
	}
}

// Buy purchases shares of symbol at the current oracle price
func (s *Service) Buy(ctx context.Context, identity types.Identity, symbol, shares string) (*TradeReceipt, error) {
	return s.Trade(ctx, identity, types.TransactionBuy, symbol, shares, "")
}

// Sell sells shares of symbol at the current oracle price
func (s *Service) Sell(ctx context.Context, identity types.Identity, symbol, shares string) (*TradeReceipt, error) {
	return s.Trade(ctx, identity, types.TransactionSell, symbol, shares, "")
}

// Trade validates and books a buy or sell. A non-empty idempotencyKey
// makes resubmissions return the original receipt instead of trading again.
// Parameters:
//   - kind: buy or sell
//   - shares: raw quantity input, must be a positive base-10 integer
//   - idempotencyKey: optional client key, scoped to the user
func (s *Service) Trade(ctx context.Context, identity types.Identity, kind types.TransactionType, symbol, shares, idempotencyKey string) (*TradeReceipt, error) {
	n, err := parseShares(shares)
	if err != nil {
		return nil, err
	}

	symbol = oracle.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, types.MissingField("symbol")
	}

	logger := log.With().
		Str("service", "trading").
		Uint("user_id", identity.UserID).
		Str("symbol", symbol).
		Str("type", string(kind)).
		Int64("shares", n).
		Logger()

	if idempotencyKey != "" {
		receipt, err := s.replay(ctx, identity, idempotencyKey, kind, symbol, n)
		if err != nil || receipt != nil {
			return receipt, err
		}
	}

	if kind == types.TransactionSell {
		holding, err := s.db.GetHolding(ctx, identity.UserID, symbol)
		if err != nil {
			return nil, fmt.Errorf("load holding: %w", err)
		}
		if holding == nil || holding.Shares < n {
			return nil, types.ErrInsufficientShares
		}
	}

	quote, err := s.lookup(ctx, symbol)
	if err != nil {
		return nil, err
	}

	receipt, err := s.ledger.book(ctx, trade{
		userID:         identity.UserID,
		symbol:         symbol,
		shares:         n,
		price:          quote.Price,
		kind:           kind,
		idempotencyKey: idempotencyKey,
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) && idempotencyKey != "" {
		// a concurrent request with the same key committed first
		return s.replay(ctx, identity, idempotencyKey, kind, symbol, n)
	}
	if err != nil {
		if _, ok := types.AsLedgerError(err); !ok {
			logger.Error().Err(err).Msg("trade failed")
		}
		return nil, err
	}

	logger.Info().
		Str("transaction_id", receipt.TransactionID).
		Str("price", receipt.Price.String()).
		Str("cash", receipt.Cash.String()).
		Msg("trade booked")

	return receipt, nil
}

// replay returns the receipt of an earlier trade made with key, or nil
// if the key is unused or expired. A key reused for a different trade is
// rejected. The receipt carries the cash balance right after the
// original trade.
func (s *Service) replay(ctx context.Context, identity types.Identity, key string, kind types.TransactionType, symbol string, shares int64) (*TradeReceipt, error) {
	record, err := s.db.GetIdempotencyRecord(ctx, identity.UserID, key)
	if err != nil {
		return nil, fmt.Errorf("load idempotency record: %w", err)
	}
	if record == nil || !record.ExpiresAt.After(s.ledger.now()) {
		return nil, nil
	}
	if !record.Matches(kind, symbol, shares) {
		log.Warn().
			Uint("user_id", identity.UserID).
			Str("idempotency_key", key).
			Str("transaction_id", record.TransactionID).
			Msg("idempotency key reused for a different trade")
		return nil, types.ErrIdempotencyReused
	}

	txn, err := s.db.GetTransaction(ctx, record.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}

	receipt := receiptFor(txn, txn.Price.Mul(decimal.NewFromInt(abs(txn.Shares))), record.CashAfter)
	receipt.Replayed = true
	return receipt, nil
}

// Quote looks up the current price of one symbol
func (s *Service) Quote(ctx context.Context, symbol string) (*types.Quote, error) {
	symbol = oracle.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, types.MissingField("symbol")
	}

	quote, err := s.lookup(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &quote, nil
}

// Compare reports the intraday percent change of two symbols. Both must
// resolve with a positive opening price.
func (s *Service) Compare(ctx context.Context, symbol1, symbol2 string) (*Comparison, error) {
	symbol1 = oracle.NormalizeSymbol(symbol1)
	if symbol1 == "" {
		return nil, types.MissingField("symbol1")
	}
	symbol2 = oracle.NormalizeSymbol(symbol2)
	if symbol2 == "" {
		return nil, types.MissingField("symbol2")
	}

	first, err := s.change(ctx, symbol1)
	if err != nil {
		return nil, err
	}
	second, err := s.change(ctx, symbol2)
	if err != nil {
		return nil, err
	}

	return &Comparison{First: first, Second: second}, nil
}

// HeldSymbols lists the symbols the user can sell, in order
func (s *Service) HeldSymbols(ctx context.Context, identity types.Identity) ([]string, error) {
	return s.db.HeldSymbols(ctx, identity.UserID)
}

func (s *Service) change(ctx context.Context, symbol string) (StockChange, error) {
	quote, err := s.lookup(ctx, symbol)
	if err != nil {
		return StockChange{}, err
	}
	if !quote.Open.IsPositive() {
		return StockChange{}, fmt.Errorf("%w: %s has no opening price", types.ErrUnknownSymbol, symbol)
	}

	return StockChange{
		Symbol:        quote.Symbol,
		Price:         quote.Price,
		Open:          quote.Open,
		ChangePercent: PercentChange(quote.Price, quote.Open),
	}, nil
}

// lookup treats every oracle failure as an unknown symbol
func (s *Service) lookup(ctx context.Context, symbol string) (types.Quote, error) {
	quote, err := s.oracle.Lookup(ctx, symbol)
	if err != nil {
		if errors.Is(err, types.ErrUnknownSymbol) {
			return types.Quote{}, err
		}
		log.Warn().Err(err).Str("symbol", symbol).Msg("price lookup failed")
		return types.Quote{}, fmt.Errorf("%w: %s", types.ErrUnknownSymbol, symbol)
	}
	if !quote.Price.IsPositive() {
		return types.Quote{}, fmt.Errorf("%w: %s", types.ErrUnknownSymbol, symbol)
	}
	if quote.Symbol == "" {
		quote.Symbol = symbol
	}
	return quote, nil
}

// PercentChange returns (price - open) / open * 100 rounded to 4 places.
// open must be positive.
func PercentChange(price, open decimal.Decimal) decimal.Decimal {
	return price.Sub(open).Div(open).Mul(decimal.NewFromInt(100)).Round(4)
}

func parseShares(raw string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n <= 0 {
		return 0, types.ErrInvalidQuantity
	}
	return n, nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service  *Service
	currency string
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service, currency string) *GinHandlers {
	return &GinHandlers{
		service:  service,
		currency: currency,
	}
}

// BuyHandler handles POST /buy
func (h *GinHandlers) BuyHandler() gin.HandlerFunc {
	return h.tradeHandler(types.TransactionBuy)
}

// SellHandler handles POST /sell
func (h *GinHandlers) SellHandler() gin.HandlerFunc {
	return h.tradeHandler(types.TransactionSell)
}

// tradeHandler requires a session. An optional Idempotency-Key header
// guards against double submission.
func (h *GinHandlers) tradeHandler(kind types.TransactionType) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.Identity(c)
		if !ok {
			response.Unauthorized(c, "Login required")
			return
		}

		var req TradeRequest
		if err := c.ShouldBind(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		receipt, err := h.service.Trade(c.Request.Context(), identity, kind, req.Symbol, req.Shares, c.GetHeader("Idempotency-Key"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{
			"receipt":       receipt,
			"total_display": types.FormatMoney(receipt.Total, h.currency),
			"cash_display":  types.FormatMoney(receipt.Cash, h.currency),
		})
	}
}

// HeldSymbolsHandler handles GET /sell with the symbols the user can sell
func (h *GinHandlers) HeldSymbolsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.Identity(c)
		if !ok {
			response.Unauthorized(c, "Login required")
			return
		}

		symbols, err := h.service.HeldSymbols(c.Request.Context(), identity)
		if symbols == nil {
			symbols = []string{}
		}
		response.Handle(c, gin.H{"symbols": symbols}, err)
	}
}

// QuoteHandler handles POST /quote
func (h *GinHandlers) QuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req QuoteRequest
		if err := c.ShouldBind(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		quote, err := h.service.Quote(c.Request.Context(), req.Symbol)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{
			"quote":         quote,
			"price_display": types.FormatMoney(quote.Price, h.currency),
		})
	}
}

// CompareHandler handles POST /compare
func (h *GinHandlers) CompareHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CompareRequest
		if err := c.ShouldBind(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		comparison, err := h.service.Compare(c.Request.Context(), req.Symbol1, req.Symbol2)
		response.Handle(c, comparison, err)
	}
}
