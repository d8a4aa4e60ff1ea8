// Package migration applies embedded SQL migrations at startup.
package migration

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migration",
	fx.Invoke(Run),
)

// Run applies every pending migration in filename order. Each file runs in
// its own transaction and is recorded in schema_migrations.
func Run(db *gorm.DB, log *zap.Logger) error {
	ctx := context.Background()
	log = log.Named("migration")

	err := db.WithContext(ctx).Exec(
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL
		)`,
	).Error
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := fs.Glob(migrationFiles, migrationsDir+"/*.up.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		var count int64
		err := db.WithContext(ctx).Raw(
			`SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, name,
		).Scan(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			continue
		}

		raw, err := migrationFiles.ReadFile(name)
		if err != nil {
			return err
		}
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(string(raw)).Error; err != nil {
				return fmt.Errorf("apply %s: %w", name, err)
			}
			return tx.Exec(
				`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
				name, time.Now().UTC(),
			).Error
		})
		if err != nil {
			return err
		}
		log.Info("migration applied", zap.String("name", name))
	}
	return nil
}
