package database

import (
	"context"
	_ "embed"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"suiterunner/internal/config"
)

//go:embed schema.sql
var schema string

func New(conf *config.SRConfig) (*sqlx.DB, error) {
	return sqlx.Connect("pgx", conf.GetDatabaseURL())
}

// Migrate creates the `suite` schema and its tables if they do not exist yet
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return err
	}
	log.Info().Msg("Database schema is up to date")
	return nil
}
