package migrations

import (
	"github.com/ksred/klear-finance/internal/types"
	"gorm.io/gorm"
)

// CreateAccounts creates the users table
func CreateAccounts(db *gorm.DB) error {
	return db.AutoMigrate(&types.User{})
}
