package models

import (
	"encoding/json"
	"time"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusCanceled  = "canceled"
	PaymentStatusRefunded  = "refunded"
)

// Payment is one payment attempt at the external gateway. PaymentID is the
// gateway's globally unique identifier and the primary dedup key: a payment
// that already reached "succeeded" must never be activated again.
type Payment struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	PaymentID    string    `gorm:"type:varchar(191);uniqueIndex;not null" json:"payment_id"`
	UserID       uint      `gorm:"not null;index" json:"user_id"`
	Amount       string    `gorm:"type:varchar(32);not null;default:''" json:"amount"`
	Currency     string    `gorm:"type:varchar(8);not null;default:'RUB'" json:"currency"`
	Status       string    `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	MetadataJSON string    `gorm:"type:text" json:"metadata_json"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Metadata decodes the opaque metadata mapping stored with the payment.
func (p *Payment) Metadata() map[string]string {
	out := map[string]string{}
	if p.MetadataJSON == "" {
		return out
	}
	_ = json.Unmarshal([]byte(p.MetadataJSON), &out)
	return out
}

// SetMetadata encodes and stores the metadata mapping.
func (p *Payment) SetMetadata(md map[string]string) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return err
	}
	p.MetadataJSON = string(raw)
	return nil
}
