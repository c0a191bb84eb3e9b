package trading

import (
	"time"

	"github.com/ksred/klear-finance/internal/types"
	"github.com/shopspring/decimal"
)

// TradeRequest is bound from the buy and sell forms or a JSON body.
// Shares stays a string so that bad input is reported as an invalid
// quantity rather than a binding error.
type TradeRequest struct {
	Symbol string `form:"symbol" json:"symbol"`
	Shares string `form:"shares" json:"shares"`
}

type QuoteRequest struct {
	Symbol string `form:"symbol" json:"symbol"`
}

type CompareRequest struct {
	Symbol1 string `form:"symbol1" json:"symbol1"`
	Symbol2 string `form:"symbol2" json:"symbol2"`
}

// TradeReceipt describes a committed trade. Shares is always positive;
// the direction is in Type.
type TradeReceipt struct {
	TransactionID string                `json:"transaction_id"`
	Type          types.TransactionType `json:"type"`
	Symbol        string                `json:"symbol"`
	Shares        int64                 `json:"shares"`
	Price         decimal.Decimal       `json:"price"`
	Total         decimal.Decimal       `json:"total"`
	Cash          decimal.Decimal       `json:"cash"`
	Transacted    time.Time             `json:"transacted"`
	Replayed      bool                  `json:"replayed,omitempty"`
}

// StockChange is one side of a comparison
type StockChange struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Open          decimal.Decimal `json:"open"`
	ChangePercent decimal.Decimal `json:"change_percent"`
}

type Comparison struct {
	First  StockChange `json:"first"`
	Second StockChange `json:"second"`
}
