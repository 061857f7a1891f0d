package repository

import (
	"time"

	"github.com/mpetrenko/coverbot/app/models"
	"gorm.io/gorm"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByTelegramID(telegramID int64) (*models.User, error)
	GetOrCreateByTelegramID(telegramID int64, username, firstName string) (*models.User, error)
	Update(user *models.User) error
	TouchLastSeen(id uint, at time.Time) error
	Count() (int64, error)
}

// QuotaRepository defines the interface for quota-record operations. ReserveOne
// is the only mutation the admission path uses and must be atomic at the store.
type QuotaRepository interface {
	GetByUserID(userID uint) (*models.QuotaRecord, error)
	Create(record *models.QuotaRecord) error
	Save(record *models.QuotaRecord) error
	// ReserveOne increments quota_used by one iff the record is active and
	// quota_used < quota_limit at the moment of the update. Returns whether
	// the reservation was won.
	ReserveOne(userID uint) (bool, error)
	// ResetPeriod zeroes usage and installs a new billing window.
	ResetPeriod(userID uint, periodStart, periodEnd time.Time) error
	// UpgradeToPremium switches the record to the premium plan with a fresh
	// period and zeroed usage.
	UpgradeToPremium(userID uint, quotaLimit int, periodStart, periodEnd time.Time) error
	// MarkCommitted stamps a finished generation on the record.
	MarkCommitted(userID uint, at time.Time) error
}

// PaymentRepository defines the interface for payment attempts and the
// webhook event journal.
type PaymentRepository interface {
	Create(payment *models.Payment) error
	GetByPaymentID(paymentID string) (*models.Payment, error)
	// MarkSucceeded transitions the payment to succeeded iff it is not already
	// there. Returns whether this call won the transition.
	MarkSucceeded(paymentID string) (bool, error)
	UpdateStatus(paymentID, status string) error

	CreateWebhookEventIfNotExists(event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	User    UserRepository
	Quota   QuotaRepository
	Payment PaymentRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:    NewUserRepository(db),
		Quota:   NewQuotaRepository(db),
		Payment: NewPaymentRepository(db),
	}
}
