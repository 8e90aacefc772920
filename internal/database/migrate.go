package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// migrationsFS はクリップ・参照テーブル・clips_recent・clips_feedビューのスキーマ。
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewMigrator は埋め込みマイグレーションを読み込んだmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// RunMigrations は未適用のマイグレーションをすべて適用し、適用後のスキーマバージョンを返す。
// すでに最新の場合もエラーにしない。
func RunMigrations(databaseURL string) (uint, error) {
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// RollbackMigrations はsteps件のマイグレーションを取り消し、取り消し後のスキーマバージョンを返す。
// バージョン0はすべて取り消された状態を表す。
func RollbackMigrations(databaseURL string, steps int) (uint, error) {
	if steps <= 0 {
		return 0, fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	})
}

func withMigrator(databaseURL string, apply func(*migrate.Migrate) error) (uint, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	if err := apply(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}
