package auth

import (
	"context"
	"errors"

	"github.com/ksred/klear-finance/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateUser(ctx context.Context, user *types.User) error {
	return d.db.WithContext(ctx).Create(user).Error
}

// GetUserByUsername matches the username exactly. Returns nil, nil when
// no such user exists.
func (d *Database) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	var user types.User
	if err := d.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (d *Database) GetUser(ctx context.Context, id uint) (*types.User, error) {
	var user types.User
	if err := d.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}
