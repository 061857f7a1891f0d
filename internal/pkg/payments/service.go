package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/mpetrenko/coverbot/app/models"
	"github.com/mpetrenko/coverbot/app/repository"
	"github.com/mpetrenko/coverbot/internal/pkg/cache"
	"github.com/mpetrenko/coverbot/internal/pkg/env"
	"github.com/mpetrenko/coverbot/internal/pkg/quota"
)

const (
	// activatedMarkerTTL bounds the Redis fast-path dedup markers. The
	// payment row in the store stays the authoritative idempotency guard.
	activatedMarkerTTL = 24 * time.Hour

	defaultPremiumPeriodDays = 30
)

// ErrUnresolvableUser is returned when neither the event metadata nor the
// stored payment record identify the paying user.
var ErrUnresolvableUser = errors.New("webhook event carries no resolvable user")

// Service processes gateway notifications into exactly-once plan activations.
type Service struct {
	payments repository.PaymentRepository
	users    repository.UserRepository
	ledger   *quota.Ledger
	notifier Notifier
	client   *Client

	webhookSecret     string
	premiumPeriodDays int
}

// Notifier is the slice of the notification layer this service needs.
type Notifier interface {
	PaymentActivated(telegramID int64, plan string)
}

// noopNotifier keeps the service usable without a wired notification queue.
type noopNotifier struct{}

func (noopNotifier) PaymentActivated(int64, string) {}

// NewService creates a payment activation service.
func NewService(
	payments repository.PaymentRepository,
	users repository.UserRepository,
	ledger *quota.Ledger,
	notifier Notifier,
	webhookSecret string,
	premiumPeriodDays int,
) *Service {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if premiumPeriodDays <= 0 {
		premiumPeriodDays = defaultPremiumPeriodDays
	}
	return &Service{
		payments:          payments,
		users:             users,
		ledger:            ledger,
		notifier:          notifier,
		webhookSecret:     webhookSecret,
		premiumPeriodDays: premiumPeriodDays,
	}
}

// NewServiceFromEnv wires the service from the environment and the global
// repository factory.
func NewServiceFromEnv(repos *repository.Repositories, ledger *quota.Ledger, notifier Notifier) *Service {
	svc := NewService(
		repos.Payment,
		repos.User,
		ledger,
		notifier,
		env.GetEnv("PAYMENT_WEBHOOK_SECRET", ""),
		env.GetEnvInt("PREMIUM_PERIOD_DAYS", defaultPremiumPeriodDays),
	)
	svc.client = NewClientFromEnv()
	return svc
}

// VerifySignature checks a delivery's authenticity against the configured
// webhook secret.
func (s *Service) VerifySignature(payload []byte, signatureHeader string) bool {
	return VerifyWebhookSignature(payload, signatureHeader, s.webhookSecret)
}

// RecordEvent journals a delivery idempotently. The gateway body carries no
// event id, so the dedup key is a hash of the payload (identical retries
// collapse onto one row).
func (s *Service) RecordEvent(raw []byte, eventType, paymentID string, signatureValid bool) (bool, *models.PaymentWebhookEvent, error) {
	sum := sha256.Sum256(raw)
	event := &models.PaymentWebhookEvent{
		EventID:        "hash:" + hex.EncodeToString(sum[:]),
		EventType:      eventType,
		PaymentID:      paymentID,
		PayloadJSON:    string(raw),
		SignatureValid: signatureValid,
	}
	return s.payments.CreateWebhookEventIfNotExists(event)
}

// MarkEventProcessed stores the processing outcome on a journaled event.
func (s *Service) MarkEventProcessed(eventID uint, processingErr error) {
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	if err := s.payments.MarkWebhookProcessed(eventID, errMsg); err != nil {
		log.Errorf("[Payments] Failed to mark webhook event %d processed: %v", eventID, err)
	}
}

// HandleWebhook applies one verified gateway notification. Duplicate
// deliveries of a succeeded payment are a no-op success; unrecognized event
// types are accepted and ignored so the gateway stops retrying them.
func (s *Service) HandleWebhook(event *WebhookEvent) (string, error) {
	switch event.Event {
	case EventPaymentSucceeded:
		return s.handleSucceeded(event)
	case EventPaymentCanceled:
		return s.handleCanceled(event)
	default:
		log.Infof("[Payments] Ignoring event type %q for payment %s", event.Event, event.Object.ID)
		return OutcomeIgnored, nil
	}
}

func (s *Service) handleSucceeded(event *WebhookEvent) (string, error) {
	paymentID := event.Object.ID

	// Fast path: a hot duplicate that was already activated skips the store
	// entirely. Cache misses and errors fall through to the real guard.
	if _, err := cache.Get(activatedMarkerKey(paymentID)); err == nil {
		log.Infof("[Payments] Duplicate delivery for already-activated payment %s", paymentID)
		return OutcomeSuccess, nil
	}

	user, err := s.resolveUser(event)
	if err != nil {
		return "", err
	}

	payment, err := s.payments.GetByPaymentID(paymentID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("payment lookup failed: %w", err)
		}
		// Payment initiated outside this instance; journal it now.
		payment = &models.Payment{
			PaymentID: paymentID,
			UserID:    user.ID,
			Status:    models.PaymentStatusPending,
		}
		_ = payment.SetMetadata(map[string]string{
			"user_id":           strconv.FormatUint(uint64(user.ID), 10),
			"telegram_id":       strconv.FormatInt(user.TelegramID, 10),
			"subscription_type": event.Object.Metadata.SubscriptionType,
		})
		if err := s.payments.Create(payment); err != nil {
			// A concurrent delivery may have created it; re-read.
			if payment, err = s.payments.GetByPaymentID(paymentID); err != nil {
				return "", fmt.Errorf("payment journal failed: %w", err)
			}
		}
	}

	if payment.Status == models.PaymentStatusSucceeded {
		log.Infof("[Payments] Payment %s already succeeded, duplicate delivery", paymentID)
		s.setActivatedMarker(paymentID)
		return OutcomeSuccess, nil
	}

	// The guarded status transition decides which delivery performs the
	// activation; every other concurrent or repeated delivery loses here.
	won, err := s.payments.MarkSucceeded(paymentID)
	if err != nil {
		return "", fmt.Errorf("payment transition failed: %w", err)
	}
	if !won {
		log.Infof("[Payments] Payment %s transition lost to a concurrent delivery", paymentID)
		s.setActivatedMarker(paymentID)
		return OutcomeSuccess, nil
	}

	if ok := s.ledger.UpgradeToPremium(user.ID, s.premiumPeriodDays); !ok {
		// Roll the status back so the gateway's retry re-attempts the
		// upgrade instead of being swallowed as a duplicate.
		if revertErr := s.payments.UpdateStatus(paymentID, models.PaymentStatusPending); revertErr != nil {
			log.Errorf("[Payments] Failed to revert payment %s after upgrade failure: %v", paymentID, revertErr)
		}
		return "", fmt.Errorf("plan upgrade failed for user %d", user.ID)
	}

	log.Infof("[Payments] Activated premium for user %d (payment %s)", user.ID, paymentID)
	s.setActivatedMarker(paymentID)

	// Best effort; the upgrade above is the source of truth.
	s.notifier.PaymentActivated(user.TelegramID, models.PlanPremium)

	return OutcomeSuccess, nil
}

func (s *Service) handleCanceled(event *WebhookEvent) (string, error) {
	paymentID := event.Object.ID

	if err := s.payments.UpdateStatus(paymentID, models.PaymentStatusCanceled); err != nil {
		return "", fmt.Errorf("payment cancel update failed: %w", err)
	}
	log.Infof("[Payments] Payment %s canceled", paymentID)
	return OutcomeSuccess, nil
}

// resolveUser prefers identifiers embedded in the event metadata and falls
// back to the stored payment record. A delivery with neither is an error,
// never a silent drop.
func (s *Service) resolveUser(event *WebhookEvent) (*models.User, error) {
	md := event.Object.Metadata

	if md.UserID != "" {
		if id, err := strconv.ParseUint(md.UserID, 10, 64); err == nil {
			if user, err := s.users.GetByID(uint(id)); err == nil {
				return user, nil
			}
		}
	}

	if md.TelegramID != "" {
		if tgID, err := strconv.ParseInt(md.TelegramID, 10, 64); err == nil {
			if user, err := s.users.GetByTelegramID(tgID); err == nil {
				return user, nil
			}
		}
	}

	payment, err := s.payments.GetByPaymentID(event.Object.ID)
	if err == nil && payment.UserID != 0 {
		if user, err := s.users.GetByID(payment.UserID); err == nil {
			return user, nil
		}
	}

	return nil, ErrUnresolvableUser
}

// InitiatePayment creates a redirect payment at the gateway and journals the
// pending attempt. The metadata round-trips through the gateway so the later
// webhook can resolve the user without a lookup.
func (s *Service) InitiatePayment(ctx context.Context, user *models.User, amount, description string) (*CreatedPayment, error) {
	if s.client == nil || !s.client.Configured() {
		return nil, errors.New("payment gateway is not configured")
	}

	metadata := map[string]string{
		"user_id":           strconv.FormatUint(uint64(user.ID), 10),
		"telegram_id":       strconv.FormatInt(user.TelegramID, 10),
		"subscription_type": models.PlanPremium,
	}
	created, err := s.client.CreatePayment(ctx, CreatePaymentRequest{
		Amount:      amount,
		Description: description,
		Metadata:    metadata,
	})
	if err != nil {
		return nil, err
	}

	payment := &models.Payment{
		PaymentID: created.PaymentID,
		UserID:    user.ID,
		Amount:    amount,
		Status:    models.PaymentStatusPending,
	}
	_ = payment.SetMetadata(metadata)
	if err := s.payments.Create(payment); err != nil {
		log.Errorf("[Payments] Failed to journal pending payment %s: %v", created.PaymentID, err)
	}
	return created, nil
}

func (s *Service) setActivatedMarker(paymentID string) {
	if _, err := cache.SetNX(activatedMarkerKey(paymentID), 1, activatedMarkerTTL); err != nil {
		log.Warnf("[Payments] Failed to set activation marker for %s: %v", paymentID, err)
	}
}

func activatedMarkerKey(paymentID string) string {
	return "payment:activated:" + paymentID
}
