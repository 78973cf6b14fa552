package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/TocharianOU/newrag/config"
)

// Open connects to postgres and applies pool settings from configuration.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormDB, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	return gormDB, nil
}

// Migrate creates or updates the schema for all models.
func Migrate(gormDB *gorm.DB) error {
	return gormDB.AutoMigrate(
		&Organization{},
		&User{},
		&Role{},
		&DocumentGroup{},
		&DocumentVersion{},
		&Page{},
		&Chunk{},
		&Task{},
		&RefreshToken{},
		&ToolToken{},
		&AuditEntry{},
	)
}

// SeedRoles inserts the core role set if missing.
func SeedRoles(gormDB *gorm.DB) error {
	roles := []Role{
		{Code: RoleAdmin, Name: "Administrator", System: true},
		{Code: RoleEditor, Name: "Editor", System: true},
		{Code: RoleViewer, Name: "Viewer", System: true},
	}
	for _, role := range roles {
		if err := gormDB.Where(Role{Code: role.Code}).FirstOrCreate(&role).Error; err != nil {
			return fmt.Errorf("failed to seed role %s: %w", role.Code, err)
		}
	}
	return nil
}
