package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mpetrenko/coverbot/internal/pkg/env"
)

const defaultGatewayAPIBaseURL = "https://api.yookassa.ru/v3"

// Client talks to the payment gateway's REST API to create redirect-based
// payments.
type Client struct {
	ShopID     string
	SecretKey  string
	APIBaseURL string
	ReturnURL  string

	HTTPClient *http.Client
}

// CreatePaymentRequest describes one redirect payment to create.
type CreatePaymentRequest struct {
	Amount      string
	Currency    string
	Description string
	Metadata    map[string]string
}

// CreatedPayment is the gateway's answer: the payment id to persist and the
// confirmation URL to send the user to.
type CreatedPayment struct {
	PaymentID       string
	Status          string
	ConfirmationURL string
}

// NewClientFromEnv builds a gateway client from the environment.
func NewClientFromEnv() *Client {
	return &Client{
		ShopID:     strings.TrimSpace(env.GetEnv("PAYMENT_SHOP_ID", "")),
		SecretKey:  strings.TrimSpace(env.GetEnv("PAYMENT_SECRET_KEY", "")),
		APIBaseURL: strings.TrimRight(env.GetEnv("PAYMENT_API_BASE_URL", defaultGatewayAPIBaseURL), "/"),
		ReturnURL:  strings.TrimSpace(env.GetEnv("PAYMENT_RETURN_URL", "")),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Configured reports whether gateway credentials are present.
func (c *Client) Configured() bool {
	return c.ShopID != "" && c.SecretKey != ""
}

// CreatePayment creates a redirect-based payment at the gateway. The
// Idempotence-Key header makes gateway-side retries safe.
func (c *Client) CreatePayment(ctx context.Context, in CreatePaymentRequest) (*CreatedPayment, error) {
	if !c.Configured() {
		return nil, errors.New("PAYMENT_SHOP_ID/PAYMENT_SECRET_KEY are not configured")
	}
	if strings.TrimSpace(in.Amount) == "" {
		return nil, errors.New("payment amount is required")
	}
	currency := in.Currency
	if currency == "" {
		currency = "RUB"
	}

	body := map[string]interface{}{
		"amount": map[string]string{
			"value":    in.Amount,
			"currency": currency,
		},
		"capture":     true,
		"description": in.Description,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": c.ReturnURL,
		},
		"metadata": in.Metadata,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIBaseURL+"/payments", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.ShopID, c.SecretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.New().String())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway create payment failed: status %d", resp.StatusCode)
	}

	var decoded struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		Confirmation struct {
			ConfirmationURL string `json:"confirmation_url"`
		} `json:"confirmation"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("gateway response decode failed: %w", err)
	}
	if decoded.ID == "" {
		return nil, errors.New("gateway response carried no payment id")
	}

	return &CreatedPayment{
		PaymentID:       decoded.ID,
		Status:          decoded.Status,
		ConfirmationURL: decoded.Confirmation.ConfirmationURL,
	}, nil
}
