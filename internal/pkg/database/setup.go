package database

import (
	"fmt"
	"time"

	"github.com/convertviral/convertviral/app/models"
	"github.com/convertviral/convertviral/internal/pkg/config"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

// Models lists every table the service owns, in AutoMigrate order.
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.BillingSubscription{},
		&models.BillingInvoice{},
		&models.BillingCheckoutSession{},
		&models.BillingWebhookEvent{},
	}
}

// Connect opens the MySQL connection, retrying while the server starts up,
// and migrates the billing tables. The versioned SQL under migrations/ stays
// the source of truth for production schemas.
func Connect(cfg config.DBConfig, autoMigrate bool) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)

	for i := 0; i < maxRetries; i++ {
		db, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       cfg.DSN(),
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), &gorm.Config{
			Logger:  logger.Default.LogMode(logger.Warn),
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err == nil {
			break
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s:%s/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
	}

	if autoMigrate {
		if err := db.AutoMigrate(Models()...); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}

	log.Infof("[Database] Connected to %s:%s/%s", cfg.Host, cfg.Port, cfg.Name)
	return db, nil
}
