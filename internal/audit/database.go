package audit

import (
	"context"

	"github.com/ksred/klear-finance/internal/types"
	"gorm.io/gorm"
)

const batchSize = 500

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetUsers(ctx context.Context) ([]types.User, error) {
	var users []types.User
	err := d.db.WithContext(ctx).Select("id", "username", "cash").Order("id").Find(&users).Error
	return users, err
}

func (d *Database) GetHoldings(ctx context.Context) ([]types.Holding, error) {
	var holdings []types.Holding
	err := d.db.WithContext(ctx).Order("user_id").Order("symbol").Find(&holdings).Error
	return holdings, err
}

// EachTransaction streams the whole log in id order
func (d *Database) EachTransaction(ctx context.Context, fn func(types.Transaction)) error {
	var batch []types.Transaction
	return d.db.WithContext(ctx).Order("id").FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
		for _, txn := range batch {
			fn(txn)
		}
		return nil
	}).Error
}
