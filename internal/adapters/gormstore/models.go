package gormstore

import (
	"time"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

// PaymentOrder is the payment_orders row.
type PaymentOrder struct {
	ID            string    `gorm:"primaryKey;size:64"`
	UserID        string    `gorm:"size:64;not null;index"`
	FormationID   string    `gorm:"size:64;not null"`
	AmountMinor   int64     `gorm:"not null"`
	Currency      string    `gorm:"size:3;not null"`
	Status        string    `gorm:"size:32;not null;index:idx_payment_orders_status_created,priority:1"`
	TransactionID *string   `gorm:"size:128;uniqueIndex"` // NULL until the gateway assigns one
	PaymentURL    string    `gorm:"size:1024"`
	PaymentMethod string    `gorm:"size:32"`
	RetryCount    int       `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"autoCreateTime:false;index:idx_payment_orders_status_created,priority:2"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (PaymentOrder) TableName() string { return "payment_orders" }

// PaymentCallback is the payment_callbacks row; CallbackKey is the dedup key.
type PaymentCallback struct {
	ID            uint      `gorm:"primaryKey"`
	CallbackKey   string    `gorm:"size:200;not null;uniqueIndex"`
	TransactionID string    `gorm:"size:128;not null;index"`
	Status        string    `gorm:"size:32;not null"`
	SignatureHash string    `gorm:"size:64"`
	ReceivedAt    time.Time `gorm:"not null"`
	Outcome       string    `gorm:"size:32;not null"`
	ProcessedAt   *time.Time
}

func (PaymentCallback) TableName() string { return "payment_callbacks" }

func orderToModel(o *domain.PaymentOrder) *PaymentOrder {
	m := &PaymentOrder{
		ID:            o.ID,
		UserID:        o.UserID,
		FormationID:   o.FormationID,
		AmountMinor:   o.Amount.Minor,
		Currency:      o.Amount.Currency,
		Status:        string(o.Status),
		PaymentURL:    o.PaymentURL,
		PaymentMethod: o.PaymentMethod,
		RetryCount:    o.RetryCount,
		CreatedAt:     o.CreatedAt.UTC(),
		UpdatedAt:     o.UpdatedAt.UTC(),
	}
	if o.TransactionID != "" {
		tx := o.TransactionID
		m.TransactionID = &tx
	}
	return m
}

func (m *PaymentOrder) toDomain() *domain.PaymentOrder {
	o := &domain.PaymentOrder{
		ID:            m.ID,
		UserID:        m.UserID,
		FormationID:   m.FormationID,
		Amount:        domain.Money{Minor: m.AmountMinor, Currency: m.Currency},
		Status:        domain.Status(m.Status),
		PaymentURL:    m.PaymentURL,
		PaymentMethod: m.PaymentMethod,
		RetryCount:    m.RetryCount,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
	if m.TransactionID != nil {
		o.TransactionID = *m.TransactionID
	}
	return o
}

func callbackToModel(r domain.CallbackRecord) *PaymentCallback {
	return &PaymentCallback{
		CallbackKey:   r.Key(),
		TransactionID: r.TransactionID,
		Status:        string(r.Status),
		SignatureHash: r.SignatureHash,
		ReceivedAt:    r.ReceivedAt.UTC(),
		Outcome:       string(r.Outcome),
		ProcessedAt:   r.ProcessedAt,
	}
}

func (m *PaymentCallback) toDomain() *domain.CallbackRecord {
	return &domain.CallbackRecord{
		TransactionID: m.TransactionID,
		Status:        domain.Status(m.Status),
		SignatureHash: m.SignatureHash,
		ReceivedAt:    m.ReceivedAt.UTC(),
		Outcome:       domain.CallbackOutcome(m.Outcome),
		ProcessedAt:   m.ProcessedAt,
	}
}
