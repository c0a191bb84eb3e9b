package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type TransactionType string

const (
	TransactionBuy  TransactionType = "buy"
	TransactionSell TransactionType = "sell"
)

// User is an account holder. Cash only changes through the trading ledger.
type User struct {
	gorm.Model   `json:"-"`
	Username     string          `gorm:"size:64;uniqueIndex;not null" json:"username"`
	PasswordHash string          `gorm:"column:hash;not null" json:"-"`
	Cash         decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"cash"`
}

// Holding is the current share count of one user in one symbol.
// Rows with zero shares are deleted, never kept.
type Holding struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	UserID    uint      `gorm:"uniqueIndex:idx_holdings_user_symbol;not null" json:"-"`
	Symbol    string    `gorm:"size:16;uniqueIndex:idx_holdings_user_symbol;not null" json:"symbol"`
	Shares    int64     `gorm:"not null" json:"shares"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is an append-only ledger entry. Shares is positive for
// buys and negative for sells.
type Transaction struct {
	ID            uint            `gorm:"primaryKey" json:"-"`
	TransactionID string          `gorm:"size:40;uniqueIndex;not null" json:"transaction_id"`
	UserID        uint            `gorm:"index;not null" json:"-"`
	Symbol        string          `gorm:"size:16;not null" json:"symbol"`
	Shares        int64           `gorm:"not null" json:"shares"`
	Price         decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"price"`
	Type          TransactionType `gorm:"size:4;not null" json:"type"`
	Transacted    time.Time       `gorm:"index;not null" json:"transacted"`
}

// Quote is a price oracle answer. It is never persisted.
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Open   decimal.Decimal `json:"open"`
}

// Identity is the authenticated caller of a core operation.
type Identity struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
}

// IdempotencyRecord remembers the trade a client-supplied key produced,
// so a resubmitted trade is answered instead of repeated. Type, Symbol
// and Shares identify the request; a key is only good for that request.
type IdempotencyRecord struct {
	ID             uint            `gorm:"primaryKey" json:"-"`
	UserID         uint            `gorm:"uniqueIndex:idx_idempotency_user_key;not null" json:"-"`
	IdempotencyKey string          `gorm:"size:128;uniqueIndex:idx_idempotency_user_key;not null" json:"idempotency_key"`
	TransactionID  string          `gorm:"size:40;not null" json:"transaction_id"`
	Type           TransactionType `gorm:"size:4;not null" json:"type"`
	Symbol         string          `gorm:"size:16;not null" json:"symbol"`
	Shares         int64           `gorm:"not null" json:"shares"`
	CashAfter      decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"cash_after"`
	ExpiresAt      time.Time       `gorm:"index" json:"expires_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Matches reports whether a new request is the one the key was used for
func (r *IdempotencyRecord) Matches(kind TransactionType, symbol string, shares int64) bool {
	return r.Type == kind && r.Symbol == symbol && r.Shares == shares
}
