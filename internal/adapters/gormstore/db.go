// Package gormstore persists payment orders and the callback ledger with GORM.
// MySQL is the production backend; SQLite serves local runs and tests.
package gormstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	maxConnectAttempts = 5
	connectRetryDelay  = 2 * time.Second
)

// Open connects to the database, retrying while it comes up.
func Open(ctx context.Context, driver, dsn string, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		// "user:pass@tcp(127.0.0.1:3306)/payments?charset=utf8mb4&parseTime=True&loc=UTC"
		// clientFoundRows=true makes updates report matched rows; Update copes without it.
		dialector = mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			DisableDatetimePrecision:  false,
			SkipInitializeWithVersion: false,
		})
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	attempt := 0
	db, err := backoff.Retry(ctx, func() (*gorm.DB, error) {
		attempt++
		db, err := gorm.Open(dialector, &gorm.Config{
			Logger:  logger.Default.LogMode(logger.Warn),
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err == nil {
			err = ping(ctx, db)
		}
		if err != nil {
			log.Warn("database connection failed",
				zap.String("driver", driver),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return nil, err
		}
		return db, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(connectRetryDelay)),
		backoff.WithMaxTries(maxConnectAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", driver, err)
	}

	if driver == "sqlite" {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY under concurrent updates.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return db, nil
}

// Migrate creates or updates the payment tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&PaymentOrder{}, &PaymentCallback{})
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
