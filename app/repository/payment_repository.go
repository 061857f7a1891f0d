package repository

import (
	"time"

	"github.com/mpetrenko/coverbot/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a payment repository backed by GORM.
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) Create(payment *models.Payment) error {
	return r.db.Create(payment).Error
}

func (r *paymentRepository) GetByPaymentID(paymentID string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.Where("payment_id = ?", paymentID).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

// MarkSucceeded guards the activation side effect: only the caller whose
// UPDATE actually flips the status may upgrade the plan. A payment that is
// already succeeded yields RowsAffected == 0 for every later delivery.
func (r *paymentRepository) MarkSucceeded(paymentID string) (bool, error) {
	tx := r.db.Model(&models.Payment{}).
		Where("payment_id = ? AND status <> ?", paymentID, models.PaymentStatusSucceeded).
		Update("status", models.PaymentStatusSucceeded)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *paymentRepository) UpdateStatus(paymentID, status string) error {
	return r.db.Model(&models.Payment{}).Where("payment_id = ?", paymentID).
		Update("status", status).Error
}

func (r *paymentRepository) CreateWebhookEventIfNotExists(event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PaymentWebhookEvent
	if err := r.db.Where("event_id = ?", event.EventID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *paymentRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.PaymentWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
