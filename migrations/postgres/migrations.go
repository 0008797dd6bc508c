package migrations

import (
	"context"
	"embed"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/migrate"
)

// DefaultSchema holds the unlock tables when no schema is configured.
const DefaultSchema = "unlock"

//go:embed *.sql
var migrationFS embed.FS

// Migrations is the bun/migrate registry for the unlock tables. The SQL
// files name the target schema as ?schema, bound by Migrate.
var Migrations = migrate.NewMigrations()

func init() {
	if err := Migrations.Discover(migrationFS); err != nil {
		panic(fmt.Sprintf("migrations: discover: %v", err))
	}
}

var schemaName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidSchema reports whether name can be used unquoted as a Postgres schema.
func ValidSchema(name string) bool { return schemaName.MatchString(name) }

// Migrate applies pending migrations into schema, then River's own schema,
// which the settlement job queue needs. Each schema keeps its own bun
// migration history, so several deployments can share a database.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string, log logrus.FieldLogger) error {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	if schema == "" {
		schema = DefaultSchema
	}
	if !ValidSchema(schema) {
		return fmt.Errorf("migrations: invalid schema name %q", schema)
	}
	log = log.WithField("schema", schema)

	sqldb := stdlib.OpenDBFromPool(pool)
	db := bun.NewDB(sqldb, pgdialect.New()).WithNamedArg("schema", bun.Ident(schema))
	defer db.Close()

	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS ?schema"); err != nil {
		return fmt.Errorf("migrations: create schema: %w", err)
	}
	m := migrate.NewMigrator(db, Migrations,
		migrate.WithTableName(schema+".bun_migrations"),
		migrate.WithLocksTableName(schema+".bun_migration_locks"),
	)
	if err := m.Init(ctx); err != nil {
		return fmt.Errorf("migrations: init: %w", err)
	}
	if err := m.Lock(ctx); err != nil {
		return fmt.Errorf("migrations: lock: %w", err)
	}
	defer func() { _ = m.Unlock(ctx) }()

	group, err := m.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrations: migrate: %w", err)
	}
	if group.IsZero() {
		log.Info("unlock schema up to date")
	} else {
		log.WithField("group", group.String()).Info("unlock schema migrated")
	}

	rm, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("migrations: river: %w", err)
	}
	res, err := rm.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("migrations: river: %w", err)
	}
	log.WithField("versions", len(res.Versions)).Info("river schema migrated")
	return nil
}
