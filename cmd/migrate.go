package cmd

import (
	"fmt"

	"github.com/lorekeep/lorekeep/db"
	"github.com/lorekeep/lorekeep/internal/config"
)

// runMigrate applies pending database migrations.
func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return err
	}
	fmt.Println("Migrations applied.")
	return nil
}
