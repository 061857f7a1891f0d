package quota

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/mpetrenko/coverbot/app/models"
	"github.com/mpetrenko/coverbot/app/repository"
	"github.com/mpetrenko/coverbot/internal/pkg/env"
)

// Default plan allotments; overridable via FREE_QUOTA_LIMIT and
// PREMIUM_QUOTA_LIMIT.
const (
	DefaultFreeLimit    = 3
	DefaultPremiumLimit = 20
)

// CheckResult is the informational answer of CheckLimits. It must never gate
// a metered operation on its own; Reserve is the authoritative admission.
type CheckResult struct {
	CanGenerate bool   `json:"can_generate"`
	Used        int    `json:"used"`
	Limit       int    `json:"limit"`
	Remaining   int    `json:"remaining"`
	Plan        string `json:"plan"`
	PeriodKind  string `json:"period_kind"`
	// Active distinguishes "subscription inactive" from "quota exhausted" so
	// callers do not tell a user with a billing problem to just wait.
	Active bool `json:"active"`
	// Degraded marks a fail-open answer produced while the store was
	// unreachable.
	Degraded bool `json:"degraded,omitempty"`
}

// Ledger tracks per-user usage against a billing-period quota. All mutations
// are delegated to the store's atomic update primitives so multiple service
// instances stay consistent.
type Ledger struct {
	quotas       repository.QuotaRepository
	freeLimit    int
	premiumLimit int
	now          func() time.Time
}

// NewLedger creates a quota ledger over the given repository.
func NewLedger(quotas repository.QuotaRepository, freeLimit, premiumLimit int) *Ledger {
	if freeLimit <= 0 {
		freeLimit = DefaultFreeLimit
	}
	if premiumLimit <= 0 {
		premiumLimit = DefaultPremiumLimit
	}
	return &Ledger{
		quotas:       quotas,
		freeLimit:    freeLimit,
		premiumLimit: premiumLimit,
		now:          time.Now,
	}
}

// NewLedgerFromEnv wires plan limits from the environment.
func NewLedgerFromEnv(quotas repository.QuotaRepository) *Ledger {
	return NewLedger(
		quotas,
		env.GetEnvInt("FREE_QUOTA_LIMIT", DefaultFreeLimit),
		env.GetEnvInt("PREMIUM_QUOTA_LIMIT", DefaultPremiumLimit),
	)
}

// GetOrCreate returns the user's quota record, creating the free-plan default
// (period ending at the end of the current month) when none exists yet.
func (l *Ledger) GetOrCreate(userID uint) (*models.QuotaRecord, error) {
	record, err := l.quotas.GetByUserID(userID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := l.now()
	record = &models.QuotaRecord{
		UserID:      userID,
		PlanType:    models.PlanFree,
		QuotaLimit:  l.freeLimit,
		QuotaUsed:   0,
		Status:      models.SubscriptionStatusActive,
		PeriodStart: now,
		PeriodEnd:   firstOfNextMonth(now),
	}
	if err := l.quotas.Create(record); err != nil {
		// A concurrent check may have created the row already.
		if existing, lookupErr := l.quotas.GetByUserID(userID); lookupErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return record, nil
}

// CheckLimits reports the user's current standing, rolling the period over
// first when it has expired. Store failures degrade to the free-plan default
// instead of blocking the bot.
func (l *Ledger) CheckLimits(userID uint) CheckResult {
	record, err := l.getCurrent(userID)
	if err != nil {
		log.Errorf("[Quota] CheckLimits degraded for user %d: %v", userID, err)
		return l.failOpenResult()
	}

	return CheckResult{
		CanGenerate: record.Status == models.SubscriptionStatusActive && record.QuotaUsed < record.QuotaLimit,
		Used:        record.QuotaUsed,
		Limit:       record.QuotaLimit,
		Remaining:   record.Remaining(),
		Plan:        record.PlanType,
		PeriodKind:  record.PeriodKind(),
		Active:      record.Status == models.SubscriptionStatusActive,
	}
}

// Reserve atomically consumes one generation slot. It returns false only when
// the quota is genuinely exhausted or the subscription is inactive; store
// failures fail open so availability beats perfect metering.
func (l *Ledger) Reserve(userID uint) bool {
	if _, err := l.getCurrent(userID); err != nil {
		log.Errorf("[Quota] Reserve degraded for user %d: %v", userID, err)
		return true
	}

	ok, err := l.quotas.ReserveOne(userID)
	if err != nil {
		log.Errorf("[Quota] Reserve degraded for user %d: %v", userID, err)
		return true
	}
	return ok
}

// UpgradeToPremium switches the user to the premium plan with a fresh period
// of newPeriodDays and zeroed usage.
func (l *Ledger) UpgradeToPremium(userID uint, newPeriodDays int) bool {
	if newPeriodDays <= 0 {
		newPeriodDays = 30
	}
	if _, err := l.GetOrCreate(userID); err != nil {
		log.Errorf("[Quota] UpgradeToPremium failed for user %d: %v", userID, err)
		return false
	}

	now := l.now()
	if err := l.quotas.UpgradeToPremium(userID, l.premiumLimit, now, now.AddDate(0, 0, newPeriodDays)); err != nil {
		log.Errorf("[Quota] UpgradeToPremium failed for user %d: %v", userID, err)
		return false
	}
	return true
}

// Commit stamps a completed generation on the record. Bookkeeping only; the
// slot itself was consumed by Reserve.
func (l *Ledger) Commit(userID uint) {
	if err := l.quotas.MarkCommitted(userID, l.now()); err != nil {
		log.Errorf("[Quota] Commit bookkeeping failed for user %d: %v", userID, err)
	}
}

// getCurrent loads the record and applies the lazy rollover when the period
// has expired.
func (l *Ledger) getCurrent(userID uint) (*models.QuotaRecord, error) {
	record, err := l.GetOrCreate(userID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	if !record.Expired(now) {
		return record, nil
	}

	var periodStart, periodEnd time.Time
	if record.PlanType == models.PlanPremium {
		periodStart = now
		periodEnd = startOfTomorrow(now)
	} else {
		periodStart = now
		periodEnd = firstOfNextMonth(now)
	}
	if err := l.quotas.ResetPeriod(userID, periodStart, periodEnd); err != nil {
		return nil, err
	}
	return l.quotas.GetByUserID(userID)
}

func (l *Ledger) failOpenResult() CheckResult {
	// Degraded mode answers with the free-plan defaults: the bot stays
	// usable, but an outage never grants unlimited or premium access.
	return CheckResult{
		CanGenerate: true,
		Used:        0,
		Limit:       DefaultFreeLimit,
		Remaining:   DefaultFreeLimit,
		Plan:        models.PlanFree,
		PeriodKind:  models.PeriodKindMonthly,
		Active:      true,
		Degraded:    true,
	}
}

// setNow overrides the clock; test hook.
func (l *Ledger) setNow(now func() time.Time) {
	l.now = now
}
