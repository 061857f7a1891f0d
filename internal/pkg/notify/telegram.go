package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mpetrenko/coverbot/internal/pkg/env"
)

const defaultTelegramAPIBaseURL = "https://api.telegram.org"

// Sender delivers one message to a user on the chat platform.
type Sender interface {
	Send(ctx context.Context, telegramID int64, text string) error
}

// TelegramSender posts messages through the Telegram Bot API.
type TelegramSender struct {
	Token      string
	APIBaseURL string
	HTTPClient *http.Client
}

// NewTelegramSenderFromEnv builds a sender from TELEGRAM_BOT_TOKEN.
func NewTelegramSenderFromEnv() *TelegramSender {
	return &TelegramSender{
		Token:      strings.TrimSpace(env.GetEnv("TELEGRAM_BOT_TOKEN", "")),
		APIBaseURL: strings.TrimRight(env.GetEnv("TELEGRAM_API_BASE_URL", defaultTelegramAPIBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *TelegramSender) Send(ctx context.Context, telegramID int64, text string) error {
	if s.Token == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is not configured")
	}

	body, err := json.Marshal(map[string]interface{}{
		"chat_id": telegramID,
		"text":    text,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.APIBaseURL, s.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram sendMessage failed: status %d", resp.StatusCode)
	}
	return nil
}
