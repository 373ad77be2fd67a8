package database

import (
	"context"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations in the given direction.
func Migrate(ctx context.Context, db *sqlx.DB, direction string) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	switch direction {
	case "", "up":
		if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case "down":
		if err := goose.DownContext(ctx, db.DB, "migrations"); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	case "status":
		if err := goose.StatusContext(ctx, db.DB, "migrations"); err != nil {
			return fmt.Errorf("migrate status: %w", err)
		}
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}
	return nil
}
