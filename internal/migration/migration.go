package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	codedomain "github.com/smallbiznis/partnergate/internal/accesscode/domain"
	linkdomain "github.com/smallbiznis/partnergate/internal/identitylink/domain"
	appdomain "github.com/smallbiznis/partnergate/internal/integrationapp/domain"
	memberdomain "github.com/smallbiznis/partnergate/internal/membership/domain"
	presencedomain "github.com/smallbiznis/partnergate/internal/presence/domain"
	hookdomain "github.com/smallbiznis/partnergate/internal/webhook/domain"
	"github.com/smallbiznis/partnergate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationsDir = "sql"

//go:embed sql/*.sql
var embeddedMigrations embed.FS

var Module = fx.Module("migration",
	fx.Invoke(RegisterOnStart),
)

// Models lists every table the gateway owns, in dependency order.
func Models() []any {
	return []any{
		&appdomain.App{},
		&appdomain.APIKey{},
		&codedomain.Intent{},
		&codedomain.Code{},
		&linkdomain.Link{},
		&hookdomain.Delivery{},
		&presencedomain.Record{},
		&memberdomain.Membership{},
	}
}

// RegisterOnStart applies pending migrations before the server starts
// accepting traffic.
func RegisterOnStart(lc fx.Lifecycle, conn *gorm.DB, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return Apply(ctx, conn, log)
		},
	})
}

// Apply runs the versioned SQL migrations on postgres. Other dialects get
// their schema from the gorm models.
func Apply(ctx context.Context, conn *gorm.DB, log *zap.Logger) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	dialect := conn.Dialector.Name()
	if dialect != db.TypePostgres {
		log.Info("applying schema from models", zap.String("dialect", dialect))
		return conn.WithContext(ctx).AutoMigrate(Models()...)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return fmt.Errorf("migration database handle: %w", err)
	}
	if err := RunMigrations(sqlDB); err != nil {
		return err
	}
	log.Info("migrations applied")
	return nil
}

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}
