package portfolio

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-finance/internal/oracle"
	"github.com/ksred/klear-finance/internal/types"
	"github.com/ksred/klear-finance/pkg/middleware"
	"github.com/ksred/klear-finance/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Position is one valued holding
type Position struct {
	Symbol       string          `json:"symbol"`
	Shares       int64           `json:"shares"`
	Price        decimal.Decimal `json:"price"`
	Total        decimal.Decimal `json:"total"`
	PriceDisplay string          `json:"price_display"`
	TotalDisplay string          `json:"total_display"`
}

// Portfolio is a read-only valuation of a user's account
type Portfolio struct {
	Username     string          `json:"username"`
	Positions    []Position      `json:"positions"`
	Cash         decimal.Decimal `json:"cash"`
	Total        decimal.Decimal `json:"total"`
	CashDisplay  string          `json:"cash_display"`
	TotalDisplay string          `json:"total_display"`
}

// HistoryEntry is a transaction as shown in the history listing
type HistoryEntry struct {
	types.Transaction
	PriceDisplay string `json:"price_display"`
}

// Service values portfolios. It never writes.
type Service struct {
	db       *Database
	oracle   oracle.Oracle
	currency string
}

func NewService(gormDB *gorm.DB, o oracle.Oracle, currency string) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		oracle:   o,
		currency: currency,
	}
}

// GetPortfolio values every holding at the current price. Holdings the
// oracle cannot price are left out rather than failing the whole view.
func (s *Service) GetPortfolio(ctx context.Context, identity types.Identity) (*Portfolio, error) {
	var (
		user     *types.User
		holdings []types.Holding
	)
	err := s.db.ReadSnapshot(ctx, func(repo *Database) error {
		var err error
		if user, err = repo.GetUser(ctx, identity.UserID); err != nil {
			return fmt.Errorf("load user: %w", err)
		}
		if holdings, err = repo.GetHoldings(ctx, identity.UserID); err != nil {
			return fmt.Errorf("load holdings: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("service", "portfolio").Uint("user_id", identity.UserID).Logger()

	positions := make([]Position, 0, len(holdings))
	total := user.Cash
	for _, h := range holdings {
		quote, err := s.oracle.Lookup(ctx, h.Symbol)
		if err == nil && !quote.Price.IsPositive() {
			err = fmt.Errorf("%w: %s", types.ErrUnknownSymbol, h.Symbol)
		}
		if err != nil {
			logger.Warn().Err(err).Str("symbol", h.Symbol).Msg("holding left out of valuation")
			continue
		}

		value := quote.Price.Mul(decimal.NewFromInt(h.Shares))
		total = total.Add(value)
		positions = append(positions, Position{
			Symbol:       h.Symbol,
			Shares:       h.Shares,
			Price:        quote.Price,
			Total:        value,
			PriceDisplay: types.FormatMoney(quote.Price, s.currency),
			TotalDisplay: types.FormatMoney(value, s.currency),
		})
	}

	return &Portfolio{
		Username:     user.Username,
		Positions:    positions,
		Cash:         user.Cash,
		Total:        total,
		CashDisplay:  types.FormatMoney(user.Cash, s.currency),
		TotalDisplay: types.FormatMoney(total, s.currency),
	}, nil
}

// History lists the user's transactions, newest first
func (s *Service) History(ctx context.Context, identity types.Identity) ([]HistoryEntry, error) {
	txns, err := s.db.GetTransactions(ctx, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}

	entries := make([]HistoryEntry, 0, len(txns))
	for _, txn := range txns {
		entries = append(entries, HistoryEntry{
			Transaction:  txn,
			PriceDisplay: types.FormatMoney(txn.Price, s.currency),
		})
	}
	return entries, nil
}

// GinHandlers contains HTTP handlers for portfolio endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GetPortfolioHandler handles GET /
func (h *GinHandlers) GetPortfolioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.Identity(c)
		if !ok {
			response.Unauthorized(c, "Login required")
			return
		}

		p, err := h.service.GetPortfolio(c.Request.Context(), identity)
		response.Handle(c, p, err)
	}
}

// HistoryHandler handles GET /history
func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.Identity(c)
		if !ok {
			response.Unauthorized(c, "Login required")
			return
		}

		entries, err := h.service.History(c.Request.Context(), identity)
		response.Handle(c, gin.H{"transactions": entries}, err)
	}
}
