package migrations

import (
	"github.com/ksred/klear-finance/internal/types"
	"gorm.io/gorm"
)

// CreateIdempotency creates the table that deduplicates resubmitted trades
func CreateIdempotency(db *gorm.DB) error {
	return db.AutoMigrate(&types.IdempotencyRecord{})
}
