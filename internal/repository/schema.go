package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/carsonjc04/Distributed-E-commerce-System/migrations"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/mylogger"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// EnsureSchema applies the embedded migrations. Running it against an
// up-to-date database changes nothing.
func EnsureSchema(ctx context.Context, databaseURL string, logger *zap.Logger) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("error opening embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("error creating migrator: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			mylogger.Warn(ctx, logger, "Failed to close migrator", zap.NamedError("source", srcErr), zap.NamedError("database", dbErr))
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			mylogger.Debug(ctx, logger, "Orders schema up to date")
			return nil
		}

		return fmt.Errorf("error applying migrations: %w", err)
	}

	mylogger.Info(ctx, logger, "Orders schema migrated")
	return nil
}
