package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mpetrenko/coverbot/internal/pkg/cache"
)

const (
	// Redis keys
	QueueKey      = "notify_queue"
	ProcessingKey = "notify_processing"

	DefaultMaxRetries = 3
)

// Notifier enqueues best-effort user notifications. Implementations must
// never block the caller on delivery.
type Notifier interface {
	PaymentActivated(telegramID int64, plan string)
}

// Message is one queued notification.
type Message struct {
	ID         string    `json:"id"`
	TelegramID int64     `json:"telegram_id"`
	Text       string    `json:"text"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	CreatedAt  time.Time `json:"created_at"`
}

// Dispatcher is a Redis-list backed notification queue with background
// delivery workers. Enqueueing is fire-and-forget: a queue failure is logged
// and dropped, it never propagates to the state transition that triggered
// the notification.
type Dispatcher struct {
	client  *redis.Client
	sender  Sender
	workers int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewDispatcher creates a dispatcher delivering through the given sender.
func NewDispatcher(sender Sender, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	return &Dispatcher{
		client:  cache.GetClient(),
		sender:  sender,
		workers: workers,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	log.Infof("[Notify] Starting %d workers", d.workers)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Stop terminates the delivery workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	log.Info("[Notify] Stopping workers...")
	close(d.stopCh)
	d.running = false
	d.wg.Wait()
}

// PaymentActivated queues the post-activation notice for a user.
func (d *Dispatcher) PaymentActivated(telegramID int64, plan string) {
	text := "Оплата получена! Подписка \"" + plan + "\" активирована — лимит генераций обновлён."
	d.Enqueue(telegramID, text)
}

// Enqueue pushes a message onto the queue. Best effort: failures are logged
// and the message is dropped.
func (d *Dispatcher) Enqueue(telegramID int64, text string) {
	msg := Message{
		ID:         uuid.New().String(),
		TelegramID: telegramID,
		Text:       text,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("[Notify] Failed to marshal message for %d: %v", telegramID, err)
		return
	}
	if err := d.client.LPush(context.Background(), QueueKey, raw).Err(); err != nil {
		log.Errorf("[Notify] Failed to enqueue message for %d: %v", telegramID, err)
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	log.Infof("[Notify] Worker %d started", id)

	ctx := context.Background()
	for {
		select {
		case <-d.stopCh:
			log.Infof("[Notify] Worker %d stopping", id)
			return
		default:
			raw, err := d.client.BRPopLPush(ctx, QueueKey, ProcessingKey, time.Second).Result()
			if err != nil {
				if err != redis.Nil {
					log.Errorf("[Notify] Worker %d: dequeue error: %v", id, err)
					time.Sleep(time.Second)
				}
				continue
			}
			d.deliver(ctx, raw)
			d.client.LRem(ctx, ProcessingKey, 1, raw)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, raw string) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		log.Errorf("[Notify] Dropping undecodable message: %v", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := d.sender.Send(sendCtx, msg.TelegramID, msg.Text); err != nil {
		msg.RetryCount++
		if msg.RetryCount > msg.MaxRetries {
			log.Errorf("[Notify] Message %s to %d permanently failed after %d retries: %v",
				msg.ID, msg.TelegramID, msg.MaxRetries, err)
			return
		}
		log.Warnf("[Notify] Message %s to %d failed, retry %d/%d: %v",
			msg.ID, msg.TelegramID, msg.RetryCount, msg.MaxRetries, err)
		if requeued, merr := json.Marshal(msg); merr == nil {
			d.client.LPush(ctx, QueueKey, requeued)
		}
		return
	}
	log.Infof("[Notify] Delivered message %s to %d", msg.ID, msg.TelegramID)
}
