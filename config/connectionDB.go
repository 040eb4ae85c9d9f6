package config

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ConnectionDb opens the archive database. It returns nil, nil when the
// archive is disabled.
func ConnectionDb(cfg *Config, log logrus.FieldLogger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DatabaseDriver {
	case DriverNone:
		log.Warn("archive database disabled")
		return nil, nil
	case DriverSQLite:
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		dialector = postgres.New(postgres.Config{
			DSN:                  cfg.DatabaseURL,
			PreferSimpleProtocol: true, // Disable prepared statements completely
		})
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		PrepareStmt: false,
		Logger:      gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s database: %w", cfg.DatabaseDriver, err)
	}

	log.WithField("driver", cfg.DatabaseDriver).Info("success connect to db")
	return db, nil
}
