package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := filepath.Join(config.Cfg.DataPath, "keysocket.db")
	return InitAt(dbPath)
}

// InitAt opens the database at an explicit path. Tests use this to point the
// store at a temp directory.
func InitAt(dbPath string) error {
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&WebSession{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.First(&s, "key = ?", key).Error; err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	s := Setting{Key: key, Value: value}
	if err := DB.Save(&s).Error; err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}
