package migrations

import (
	"github.com/ksred/klear-finance/internal/types"
	"gorm.io/gorm"
)

// CreateLedger creates the holdings and transactions tables and the
// indexes used by history and reconciliation queries
func CreateLedger(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Holding{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.Transaction{}); err != nil {
		return err
	}

	indexes := []string{
		// History listing per user, newest first
		`CREATE INDEX IF NOT EXISTS idx_transactions_user_transacted
		 ON transactions(user_id, transacted)`,

		// Net shares per (user, symbol) for reconciliation
		`CREATE INDEX IF NOT EXISTS idx_transactions_user_symbol
		 ON transactions(user_id, symbol)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
