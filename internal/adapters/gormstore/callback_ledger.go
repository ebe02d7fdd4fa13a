package gormstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

// CallbackLedger implements ports.CallbackLedger on a unique index.
type CallbackLedger struct {
	db *gorm.DB
}

func NewCallbackLedger(db *gorm.DB) *CallbackLedger {
	return &CallbackLedger{db: db}
}

func (l *CallbackLedger) Insert(ctx context.Context, rec domain.CallbackRecord) (bool, *domain.CallbackRecord, error) {
	tx := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "callback_key"}},
		DoNothing: true,
	}).Create(callbackToModel(rec))
	if tx.Error != nil {
		return false, nil, fmt.Errorf("insert callback record: %w", tx.Error)
	}

	created := tx.RowsAffected > 0
	if created {
		return true, &rec, nil
	}

	var stored PaymentCallback
	if err := l.db.WithContext(ctx).Where("callback_key = ?", rec.Key()).First(&stored).Error; err != nil {
		return false, nil, fmt.Errorf("read callback record: %w", err)
	}
	return false, stored.toDomain(), nil
}

func (l *CallbackLedger) MarkProcessed(ctx context.Context, key string, outcome domain.CallbackOutcome) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"processed_at": &now,
		"outcome":      string(outcome),
	}
	return l.db.WithContext(ctx).Model(&PaymentCallback{}).Where("callback_key = ?", key).Updates(updates).Error
}

func (l *CallbackLedger) Release(ctx context.Context, key string) error {
	return l.db.WithContext(ctx).Where("callback_key = ?", key).Delete(&PaymentCallback{}).Error
}
