package portfolio

import (
	"context"
	"database/sql"

	"github.com/ksred/klear-finance/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// ReadSnapshot runs fn inside one read-only transaction so every read sees
// the same committed state. SQLite gets a plain transaction on its single
// connection; other dialects use repeatable read.
func (d *Database) ReadSnapshot(ctx context.Context, fn func(repo *Database) error) error {
	var opts []*sql.TxOptions
	if d.db.Dialector.Name() != "sqlite" {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	}
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewDatabase(tx))
	}, opts...)
}

func (d *Database) GetUser(ctx context.Context, id uint) (*types.User, error) {
	var user types.User
	if err := d.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// GetHoldings returns the user's holdings ordered by symbol
func (d *Database) GetHoldings(ctx context.Context, userID uint) ([]types.Holding, error) {
	var holdings []types.Holding
	err := d.db.WithContext(ctx).Where("user_id = ?", userID).Order("symbol").Find(&holdings).Error
	return holdings, err
}

// GetTransactions returns the user's transactions, newest first. Ties on
// the timestamp fall back to insertion order.
func (d *Database) GetTransactions(ctx context.Context, userID uint) ([]types.Transaction, error) {
	var txns []types.Transaction
	err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("transacted DESC").
		Order("id DESC").
		Find(&txns).Error
	return txns, err
}
