package models

import "time"

const (
	PlanFree    = "free"
	PlanPremium = "premium"

	SubscriptionStatusActive    = "active"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusExpired   = "expired"
)

const (
	// PeriodKindMonthly rolls over on the first day of the next calendar month.
	PeriodKindMonthly = "monthly"
	// PeriodKindDaily rolls over every day (premium allotment).
	PeriodKindDaily = "daily"
)

// QuotaRecord tracks per-user generation usage against a plan for the current
// billing period. quota_used only ever grows within a period; the period
// rollover resets it to zero.
type QuotaRecord struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	UserID           uint       `gorm:"uniqueIndex;not null" json:"user_id"`
	PlanType         string     `gorm:"type:varchar(20);not null;default:'free';index" json:"plan_type"`
	QuotaLimit       int        `gorm:"not null;default:3" json:"quota_limit"`
	QuotaUsed        int        `gorm:"not null;default:0" json:"quota_used"`
	Status           string     `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	PeriodStart      time.Time  `gorm:"type:timestamp;not null" json:"period_start"`
	PeriodEnd        time.Time  `gorm:"type:timestamp;not null;index" json:"period_end"`
	AutoRenew        bool       `gorm:"default:false" json:"auto_renew"`
	LastGenerationAt *time.Time `gorm:"type:timestamp;default:null" json:"last_generation_at,omitempty"`
	TotalGenerations int64      `gorm:"not null;default:0" json:"total_generations"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// PeriodKind derives the rollover cadence from the plan.
func (q *QuotaRecord) PeriodKind() string {
	if q.PlanType == PlanPremium {
		return PeriodKindDaily
	}
	return PeriodKindMonthly
}

// Remaining returns the number of generations left in the current period.
func (q *QuotaRecord) Remaining() int {
	remaining := q.QuotaLimit - q.QuotaUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the record's billing period lies in the past.
func (q *QuotaRecord) Expired(now time.Time) bool {
	return now.After(q.PeriodEnd)
}
