package repository

import (
	"errors"
	"time"

	"github.com/mpetrenko/coverbot/app/models"
	"gorm.io/gorm"
)

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a user repository backed by GORM.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(user *models.User) error {
	return r.db.Create(user).Error
}

func (r *userRepository) GetByID(id uint) (*models.User, error) {
	var user models.User
	if err := r.db.Where("id = ?", id).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByTelegramID(telegramID int64) (*models.User, error) {
	var user models.User
	if err := r.db.Where("telegram_id = ?", telegramID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetOrCreateByTelegramID(telegramID int64, username, firstName string) (*models.User, error) {
	user, err := r.GetByTelegramID(telegramID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	user = &models.User{
		TelegramID: telegramID,
		Username:   username,
		FirstName:  firstName,
		Role:       models.ROLE_USER,
		Status:     models.STATUS_ACTIVE,
	}
	if err := r.db.Create(user).Error; err != nil {
		// A concurrent first contact may have created the row already.
		if existing, lookupErr := r.GetByTelegramID(telegramID); lookupErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return user, nil
}

func (r *userRepository) Update(user *models.User) error {
	return r.db.Save(user).Error
}

func (r *userRepository) TouchLastSeen(id uint, at time.Time) error {
	return r.db.Model(&models.User{}).Where("id = ?", id).
		Update("last_seen_at", at).Error
}

func (r *userRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.User{}).Count(&count).Error
	return count, err
}
