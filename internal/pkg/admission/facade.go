package admission

import (
	"github.com/mpetrenko/coverbot/app/models"
	"github.com/mpetrenko/coverbot/internal/pkg/env"
	"github.com/mpetrenko/coverbot/internal/pkg/metrics/counter"
	"github.com/mpetrenko/coverbot/internal/pkg/quota"
	"github.com/mpetrenko/coverbot/internal/pkg/ratelimit"
)

// Reason explains an admission decision to the conversational layer.
type Reason string

const (
	ReasonOK                   Reason = "ok"
	ReasonRateLimited          Reason = "rate_limited"
	ReasonQuotaExhausted       Reason = "quota_exhausted"
	ReasonSubscriptionInactive Reason = "subscription_inactive"
)

// MaxIterationsPerSession caps free refinement iterations of one generated
// letter. The conversational session object owns the per-session counter;
// iterations never consume the quota ledger.
const MaxIterationsPerSession = 3

// Decision is the combined admission answer.
type Decision struct {
	Allowed           bool
	Reason            Reason
	Remaining         int
	RetryAfterSeconds int
	Warning           bool
	Quota             *quota.CheckResult
}

// Facade is the single entry point the conversational layer consults before
// performing a metered operation, combining the rate limiter with the quota
// ledger.
type Facade struct {
	limiter       *ratelimit.Limiter
	ledger        *quota.Ledger
	quotaEnforced bool
}

// NewFacade composes an admission facade.
func NewFacade(limiter *ratelimit.Limiter, ledger *quota.Ledger, quotaEnforced bool) *Facade {
	return &Facade{
		limiter:       limiter,
		ledger:        ledger,
		quotaEnforced: quotaEnforced,
	}
}

// NewFacadeFromEnv reads the QUOTA_ENFORCEMENT_ENABLED flag; disabling the
// flag fails open to "allow" while rate limiting stays active.
func NewFacadeFromEnv(limiter *ratelimit.Limiter, ledger *quota.Ledger) *Facade {
	return NewFacade(limiter, ledger, env.GetEnvBool("QUOTA_ENFORCEMENT_ENABLED", true))
}

// CheckAndReserve gates the start of a new generation: the sliding-window
// limiter first, then an atomic quota reservation. Only when both admit may
// the caller invoke the generation backend.
func (f *Facade) CheckAndReserve(user *models.User) Decision {
	rl := f.limiter.Check(user.TelegramID, user.IsAdmin(), ratelimit.ActionAIRequests)
	if !rl.Allowed {
		return f.record(Decision{
			Reason:            ReasonRateLimited,
			Remaining:         rl.Remaining,
			RetryAfterSeconds: rl.RetryAfterSeconds,
			Warning:           rl.Warning,
		})
	}

	if !f.quotaEnforced || user.IsAdmin() {
		return f.record(Decision{Allowed: true, Reason: ReasonOK, Remaining: rl.Remaining, Warning: rl.Warning})
	}

	if f.ledger.Reserve(user.ID) {
		res := f.ledger.CheckLimits(user.ID)
		return f.record(Decision{
			Allowed:   true,
			Reason:    ReasonOK,
			Remaining: res.Remaining,
			Warning:   rl.Warning,
			Quota:     &res,
		})
	}

	// Distinguish a billing problem from an exhausted allotment so the user
	// is not told to wait when they need to fix their subscription.
	res := f.ledger.CheckLimits(user.ID)
	reason := ReasonQuotaExhausted
	if !res.Active {
		reason = ReasonSubscriptionInactive
	}
	return f.record(Decision{
		Reason:    reason,
		Remaining: res.Remaining,
		Quota:     &res,
	})
}

// CheckIteration gates a refinement iteration of an existing generation:
// rate limiting only, the quota ledger is not consulted.
func (f *Facade) CheckIteration(user *models.User) Decision {
	return f.rateLimitOnly(user, ratelimit.ActionAIRequests)
}

// CheckCommand is the blanket anti-spam gate in front of command dispatch.
func (f *Facade) CheckCommand(user *models.User) Decision {
	return f.rateLimitOnly(user, ratelimit.ActionCommands)
}

// CheckTextSize applies the global raw-payload cap.
func (f *Facade) CheckTextSize(text string) bool {
	return f.limiter.CheckTextSize(text)
}

// Commit finalizes a successful generation that was admitted by
// CheckAndReserve. Bookkeeping only; the slot was consumed at reservation.
func (f *Facade) Commit(user *models.User) {
	if !f.quotaEnforced || user.IsAdmin() {
		return
	}
	f.ledger.Commit(user.ID)
}

func (f *Facade) rateLimitOnly(user *models.User, action string) Decision {
	rl := f.limiter.Check(user.TelegramID, user.IsAdmin(), action)
	if !rl.Allowed {
		return f.record(Decision{
			Reason:            ReasonRateLimited,
			Remaining:         rl.Remaining,
			RetryAfterSeconds: rl.RetryAfterSeconds,
			Warning:           rl.Warning,
		})
	}
	return f.record(Decision{Allowed: true, Reason: ReasonOK, Remaining: rl.Remaining, Warning: rl.Warning})
}

func (f *Facade) record(d Decision) Decision {
	counter.AddDecision(string(d.Reason))
	return d
}
