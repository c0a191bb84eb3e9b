package trading

import (
	"context"
	"errors"

	"github.com/ksred/klear-finance/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Database reads ledger state. The write methods are unexported and only
// run inside a ledger unit of work.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetHolding returns nil, nil when the user holds none of symbol
func (d *Database) GetHolding(ctx context.Context, userID uint, symbol string) (*types.Holding, error) {
	var holding types.Holding
	if err := d.db.WithContext(ctx).Where("user_id = ? AND symbol = ?", userID, symbol).First(&holding).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &holding, nil
}

func (d *Database) HeldSymbols(ctx context.Context, userID uint) ([]string, error) {
	var symbols []string
	err := d.db.WithContext(ctx).
		Model(&types.Holding{}).
		Where("user_id = ?", userID).
		Order("symbol").
		Pluck("symbol", &symbols).Error
	return symbols, err
}

func (d *Database) GetTransaction(ctx context.Context, transactionID string) (*types.Transaction, error) {
	var txn types.Transaction
	if err := d.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetIdempotencyRecord returns nil, nil when the key was never used by the user
func (d *Database) GetIdempotencyRecord(ctx context.Context, userID uint, key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := d.db.WithContext(ctx).Where("user_id = ? AND idempotency_key = ?", userID, key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// lockUser reads the user row, holding a row lock where the dialect has
// one. SQLite is serialized by its single connection instead.
func (d *Database) lockUser(userID uint) (*types.User, error) {
	q := d.db
	if d.db.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var user types.User
	if err := q.First(&user, userID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (d *Database) setCash(userID uint, cash decimal.Decimal) error {
	return d.db.Model(&types.User{}).Where("id = ?", userID).Update("cash", cash).Error
}

// applyHolding adds delta shares to the holding, creating it on first
// buy and deleting it when it reaches zero
func (d *Database) applyHolding(userID uint, symbol string, delta int64) error {
	var holding types.Holding
	err := d.db.Where("user_id = ? AND symbol = ?", userID, symbol).First(&holding).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		if delta <= 0 {
			return types.ErrInsufficientShares
		}
		return d.db.Create(&types.Holding{UserID: userID, Symbol: symbol, Shares: delta}).Error
	}

	shares := holding.Shares + delta
	switch {
	case shares < 0:
		return types.ErrInsufficientShares
	case shares == 0:
		return d.db.Delete(&holding).Error
	default:
		return d.db.Model(&holding).Update("shares", shares).Error
	}
}

func (d *Database) appendTransaction(txn *types.Transaction) error {
	return d.db.Create(txn).Error
}

func (d *Database) saveIdempotencyRecord(record *types.IdempotencyRecord) error {
	// an expired record for the same key gives way to the new one
	if err := d.db.
		Where("user_id = ? AND idempotency_key = ? AND expires_at <= ?", record.UserID, record.IdempotencyKey, record.CreatedAt).
		Delete(&types.IdempotencyRecord{}).Error; err != nil {
		return err
	}
	return d.db.Create(record).Error
}
