package repository

import (
	"time"

	"github.com/mpetrenko/coverbot/app/models"
	"gorm.io/gorm"
)

type quotaRepository struct {
	db *gorm.DB
}

// NewQuotaRepository creates a quota repository backed by GORM.
func NewQuotaRepository(db *gorm.DB) QuotaRepository {
	return &quotaRepository{db: db}
}

func (r *quotaRepository) GetByUserID(userID uint) (*models.QuotaRecord, error) {
	var record models.QuotaRecord
	if err := r.db.Where("user_id = ?", userID).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *quotaRepository) Create(record *models.QuotaRecord) error {
	return r.db.Create(record).Error
}

func (r *quotaRepository) Save(record *models.QuotaRecord) error {
	return r.db.Save(record).Error
}

// ReserveOne is the admission-critical mutation: the usage check and the
// increment happen in a single guarded UPDATE so concurrent reservations for
// the last slot cannot both win, regardless of how many service instances
// share the store.
func (r *quotaRepository) ReserveOne(userID uint) (bool, error) {
	tx := r.db.Model(&models.QuotaRecord{}).
		Where("user_id = ? AND status = ? AND quota_used < quota_limit", userID, models.SubscriptionStatusActive).
		Update("quota_used", gorm.Expr("quota_used + 1"))
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *quotaRepository) ResetPeriod(userID uint, periodStart, periodEnd time.Time) error {
	return r.db.Model(&models.QuotaRecord{}).Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"quota_used":   0,
			"period_start": periodStart,
			"period_end":   periodEnd,
		}).Error
}

func (r *quotaRepository) UpgradeToPremium(userID uint, quotaLimit int, periodStart, periodEnd time.Time) error {
	return r.db.Model(&models.QuotaRecord{}).Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"plan_type":    models.PlanPremium,
			"quota_limit":  quotaLimit,
			"quota_used":   0,
			"status":       models.SubscriptionStatusActive,
			"period_start": periodStart,
			"period_end":   periodEnd,
			"auto_renew":   true,
		}).Error
}

func (r *quotaRepository) MarkCommitted(userID uint, at time.Time) error {
	return r.db.Model(&models.QuotaRecord{}).Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"last_generation_at": at,
			"total_generations":  gorm.Expr("total_generations + 1"),
		}).Error
}
