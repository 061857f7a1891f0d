package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mpetrenko/coverbot/app/models"
	"github.com/mpetrenko/coverbot/app/repository"
	"github.com/mpetrenko/coverbot/internal/pkg/quota"
	"github.com/mpetrenko/coverbot/internal/pkg/ratelimit"
	"github.com/mpetrenko/coverbot/internal/testutil"
)

func newTestFacade(t *testing.T, maxRequests int) (*Facade, *quota.Ledger, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t)
	repos := repository.NewRepositories(db)
	ledger := quota.NewLedger(repos.Quota, 3, 20)

	limiter := ratelimit.NewLimiter(map[string]ratelimit.Policy{
		ratelimit.ActionAIRequests: {MaxRequests: maxRequests, WindowSeconds: 60},
		ratelimit.ActionCommands:   {MaxRequests: 2, WindowSeconds: 60},
	}, nil, 4096)

	return NewFacade(limiter, ledger, true), ledger, db
}

func TestCheckAndReserveConsumesQuotaUntilExhausted(t *testing.T) {
	facade, _, db := newTestFacade(t, 100)
	user := testutil.CreateTestUser(t, db, 1001)

	for i := 0; i < 3; i++ {
		d := facade.CheckAndReserve(user)
		require.True(t, d.Allowed, "reservation %d should be admitted", i+1)
		assert.Equal(t, ReasonOK, d.Reason)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d := facade.CheckAndReserve(user)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonQuotaExhausted, d.Reason)
	assert.Equal(t, 0, d.Remaining)
	require.NotNil(t, d.Quota)
	assert.True(t, d.Quota.Active)
}

func TestCheckAndReserveAfterUpgradeAdmitsAgain(t *testing.T) {
	facade, ledger, db := newTestFacade(t, 100)
	user := testutil.CreateTestUser(t, db, 1002)

	for i := 0; i < 3; i++ {
		require.True(t, facade.CheckAndReserve(user).Allowed)
	}
	require.False(t, facade.CheckAndReserve(user).Allowed)

	require.True(t, ledger.UpgradeToPremium(user.ID, 30))

	d := facade.CheckAndReserve(user)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonOK, d.Reason)
	require.NotNil(t, d.Quota)
	assert.Equal(t, models.PlanPremium, d.Quota.Plan)
	assert.Equal(t, 19, d.Remaining)
}

func TestCheckAndReserveRateLimitWinsBeforeQuota(t *testing.T) {
	facade, ledger, db := newTestFacade(t, 1)
	user := testutil.CreateTestUser(t, db, 1003)

	require.True(t, facade.CheckAndReserve(user).Allowed)

	d := facade.CheckAndReserve(user)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.Greater(t, d.RetryAfterSeconds, 0)

	// The denied request must not have consumed a quota slot.
	res := ledger.CheckLimits(user.ID)
	assert.Equal(t, 1, res.Used)
	assert.Equal(t, 2, res.Remaining)
}

func TestInactiveSubscriptionReportedAsBillingProblem(t *testing.T) {
	facade, ledger, db := newTestFacade(t, 100)
	user := testutil.CreateTestUser(t, db, 1004)

	record, err := ledger.GetOrCreate(user.ID)
	require.NoError(t, err)
	require.NoError(t, db.Model(record).Update("status", models.SubscriptionStatusExpired).Error)

	d := facade.CheckAndReserve(user)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSubscriptionInactive, d.Reason)
}

func TestAdminBypassesQuota(t *testing.T) {
	facade, ledger, db := newTestFacade(t, 1)
	admin := testutil.CreateTestUser(t, db, 1005)
	require.NoError(t, db.Model(admin).Update("role", models.ROLE_ADMIN).Error)
	admin.Role = models.ROLE_ADMIN

	for i := 0; i < 10; i++ {
		d := facade.CheckAndReserve(admin)
		require.True(t, d.Allowed)
		require.Equal(t, ReasonOK, d.Reason)
	}

	// No quota row was consumed.
	res := ledger.CheckLimits(admin.ID)
	assert.Equal(t, 0, res.Used)
}

func TestEnforcementDisabledFailsOpen(t *testing.T) {
	db := testutil.NewTestDB(t)
	repos := repository.NewRepositories(db)
	ledger := quota.NewLedger(repos.Quota, 3, 20)
	limiter := ratelimit.NewLimiter(map[string]ratelimit.Policy{
		ratelimit.ActionAIRequests: {MaxRequests: 100, WindowSeconds: 60},
	}, nil, 4096)
	facade := NewFacade(limiter, ledger, false)

	user := testutil.CreateTestUser(t, db, 1006)
	for i := 0; i < 10; i++ {
		require.True(t, facade.CheckAndReserve(user).Allowed)
	}

	res := ledger.CheckLimits(user.ID)
	assert.Equal(t, 0, res.Used)
}

func TestCheckCommandIsIndependentOfAIWindow(t *testing.T) {
	facade, _, db := newTestFacade(t, 1)
	user := testutil.CreateTestUser(t, db, 1007)

	require.True(t, facade.CheckAndReserve(user).Allowed)
	require.False(t, facade.CheckAndReserve(user).Allowed)

	// The command window has its own bucket.
	assert.True(t, facade.CheckCommand(user).Allowed)
	assert.True(t, facade.CheckCommand(user).Allowed)
	d := facade.CheckCommand(user)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimited, d.Reason)
}

func TestCheckIterationDoesNotTouchQuota(t *testing.T) {
	facade, ledger, db := newTestFacade(t, 100)
	user := testutil.CreateTestUser(t, db, 1008)

	for i := 0; i < 5; i++ {
		require.True(t, facade.CheckIteration(user).Allowed)
	}

	res := ledger.CheckLimits(user.ID)
	assert.Equal(t, 0, res.Used)
}

func TestCommitStampsBookkeepingOnly(t *testing.T) {
	facade, ledger, db := newTestFacade(t, 100)
	user := testutil.CreateTestUser(t, db, 1009)

	require.True(t, facade.CheckAndReserve(user).Allowed)
	facade.Commit(user)

	record, err := ledger.GetOrCreate(user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, record.QuotaUsed)
	assert.Equal(t, int64(1), record.TotalGenerations)
	assert.NotNil(t, record.LastGenerationAt)
}

func TestCheckTextSize(t *testing.T) {
	facade, _, _ := newTestFacade(t, 100)

	assert.True(t, facade.CheckTextSize("hello"))
	assert.False(t, facade.CheckTextSize(string(make([]byte, 5000))))
}
