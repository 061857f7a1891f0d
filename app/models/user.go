package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	ROLE_USER  = "user"
	ROLE_ADMIN = "admin"

	STATUS_ACTIVE   = "active"
	STATUS_DISABLED = "disabled"
)

// User is a bot user identified by their Telegram id. Users are created on
// first contact and never deleted by this service.
type User struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	TelegramID int64          `gorm:"uniqueIndex;not null" json:"telegram_id" validate:"required"`
	Username   string         `gorm:"type:varchar(150)" json:"username" validate:"max=150"`
	FirstName  string         `gorm:"type:varchar(150)" json:"first_name" validate:"max=150"`
	Role       string         `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user admin"`
	Status     string         `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active disabled"`
	LastSeenAt *time.Time     `gorm:"type:timestamp;default:null" json:"last_seen_at"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// IsAdmin reports whether the user bypasses rate limiting and quotas.
func (u *User) IsAdmin() bool {
	return u.Role == ROLE_ADMIN
}

// IsActive reports whether the user status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}
