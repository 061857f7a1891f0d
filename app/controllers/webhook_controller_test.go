package controllers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mpetrenko/coverbot/app/models"
	"github.com/mpetrenko/coverbot/app/repository"
	"github.com/mpetrenko/coverbot/internal/pkg/payments"
	"github.com/mpetrenko/coverbot/internal/pkg/quota"
	"github.com/mpetrenko/coverbot/internal/testutil"
)

const testWebhookSecret = "controller-test-secret"

func newWebhookTestApp(t *testing.T, enabled bool) (*fiber.App, *quota.Ledger, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t)
	repos := repository.NewRepositories(db)
	ledger := quota.NewLedger(repos.Quota, 3, 20)
	svc := payments.NewService(repos.Payment, repos.User, ledger, nil, testWebhookSecret, 30)

	app := fiber.New()
	wc := NewWebhookController(svc, enabled)
	app.Post("/webhook/payment", wc.HandlePaymentWebhook)
	return app, ledger, db
}

func postWebhook(t *testing.T, app *fiber.App, body []byte, signature string) (*http.Response, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhook/payment", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	return resp, decoded
}

func succeededBody(t *testing.T, paymentID string, telegramID int64) []byte {
	t.Helper()

	raw, err := json.Marshal(fiber.Map{
		"event": payments.EventPaymentSucceeded,
		"object": fiber.Map{
			"id":     paymentID,
			"status": "succeeded",
			"metadata": fiber.Map{
				"telegram_id":       strconv.FormatInt(telegramID, 10),
				"subscription_type": models.PlanPremium,
			},
		},
	})
	require.NoError(t, err)
	return raw
}

func TestWebhookActivatesPremium(t *testing.T) {
	app, ledger, db := newWebhookTestApp(t, true)
	user := testutil.CreateTestUser(t, db, 3001)

	body := succeededBody(t, "pay-ctrl-1", user.TelegramID)
	resp, decoded := postWebhook(t, app, body, payments.SignPayload(body, testWebhookSecret))

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", decoded["status"])
	assert.Equal(t, payments.EventPaymentSucceeded, decoded["event"])

	res := ledger.CheckLimits(user.ID)
	assert.Equal(t, models.PlanPremium, res.Plan)
	assert.Equal(t, 20, res.Limit)
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	app, ledger, db := newWebhookTestApp(t, true)
	user := testutil.CreateTestUser(t, db, 3002)

	body := succeededBody(t, "pay-ctrl-2", user.TelegramID)

	resp, decoded := postWebhook(t, app, body, payments.SignPayload(body, "wrong-secret"))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_signature", decoded["error"])

	resp, _ = postWebhook(t, app, body, "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	// Nothing was activated.
	res := ledger.CheckLimits(user.ID)
	assert.Equal(t, models.PlanFree, res.Plan)
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	app, _, _ := newWebhookTestApp(t, true)

	body := []byte(`{"object":{"id":"pay-ctrl-3"}}`)
	resp, decoded := postWebhook(t, app, body, payments.SignPayload(body, testWebhookSecret))

	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_payload", decoded["error"])
}

func TestWebhookDuplicateDeliveryAcknowledged(t *testing.T) {
	app, ledger, db := newWebhookTestApp(t, true)
	user := testutil.CreateTestUser(t, db, 3004)

	body := succeededBody(t, "pay-ctrl-4", user.TelegramID)
	sig := payments.SignPayload(body, testWebhookSecret)

	resp, _ := postWebhook(t, app, body, sig)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	// Consume a slot; the retry must not reset it.
	require.True(t, ledger.Reserve(user.ID))

	resp, decoded := postWebhook(t, app, body, sig)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", decoded["status"])
	assert.Equal(t, true, decoded["duplicate"])

	res := ledger.CheckLimits(user.ID)
	assert.Equal(t, 1, res.Used)
}

func TestWebhookIgnoredWhenPaymentsDisabled(t *testing.T) {
	app, ledger, db := newWebhookTestApp(t, false)
	user := testutil.CreateTestUser(t, db, 3005)

	body := succeededBody(t, "pay-ctrl-5", user.TelegramID)
	resp, decoded := postWebhook(t, app, body, payments.SignPayload(body, testWebhookSecret))

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ignored", decoded["status"])
	assert.Equal(t, payments.EventPaymentSucceeded, decoded["event"])

	res := ledger.CheckLimits(user.ID)
	assert.Equal(t, models.PlanFree, res.Plan)
}

// flakyQuotaRepo fails a configured number of upgrades before recovering,
// simulating a transient store outage during activation.
type flakyQuotaRepo struct {
	repository.QuotaRepository
	mu           sync.Mutex
	failuresLeft int
}

func (r *flakyQuotaRepo) UpgradeToPremium(userID uint, quotaLimit int, periodStart, periodEnd time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failuresLeft > 0 {
		r.failuresLeft--
		return errors.New("store unreachable")
	}
	return r.QuotaRepository.UpgradeToPremium(userID, quotaLimit, periodStart, periodEnd)
}

func TestWebhookRetryCompletesFailedActivation(t *testing.T) {
	db := testutil.NewTestDB(t)
	repos := repository.NewRepositories(db)
	flaky := &flakyQuotaRepo{QuotaRepository: repos.Quota, failuresLeft: 1}
	ledger := quota.NewLedger(flaky, 3, 20)
	svc := payments.NewService(repos.Payment, repos.User, ledger, nil, testWebhookSecret, 30)

	app := fiber.New()
	app.Post("/webhook/payment", NewWebhookController(svc, true).HandlePaymentWebhook)

	user := testutil.CreateTestUser(t, db, 3007)
	body := succeededBody(t, "pay-ctrl-retry", user.TelegramID)
	sig := payments.SignPayload(body, testWebhookSecret)

	// First delivery: the upgrade fails, the payment is put back to pending
	// and the gateway is told to retry.
	resp, decoded := postWebhook(t, app, body, sig)
	require.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "processing_failed", decoded["error"])

	payment, err := repos.Payment.GetByPaymentID("pay-ctrl-retry")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, payment.Status)

	// The gateway retries with the identical body; the journaled-but-failed
	// delivery must be reprocessed, not acknowledged as a duplicate.
	resp, decoded = postWebhook(t, app, body, sig)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", decoded["status"])
	assert.Nil(t, decoded["duplicate"])

	res := ledger.CheckLimits(user.ID)
	assert.Equal(t, models.PlanPremium, res.Plan)
	assert.Equal(t, 20, res.Limit)

	payment, err = repos.Payment.GetByPaymentID("pay-ctrl-retry")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSucceeded, payment.Status)

	// A third, post-success retry is a plain duplicate again.
	resp, decoded = postWebhook(t, app, body, sig)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decoded["duplicate"])
}

func TestWebhookIgnoresUnknownEventType(t *testing.T) {
	app, _, _ := newWebhookTestApp(t, true)

	body := []byte(`{"event":"payment.waiting_for_capture","object":{"id":"pay-ctrl-6"}}`)
	resp, decoded := postWebhook(t, app, body, payments.SignPayload(body, testWebhookSecret))

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ignored", decoded["status"])
}

func TestHealthz(t *testing.T) {
	app := fiber.New()
	app.Get("/healthz", HandleHealthz)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "healthy", decoded["status"])
}
