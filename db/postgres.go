package db

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/viper"
)

//go:embed db_init.sql
var sqlFS embed.FS

func OpenDatabase(ctx context.Context) (*pgx.Conn, *Queries, error) {
	conn, err := pgx.Connect(ctx, viper.GetString("database_url"))
	if err != nil {
		return nil, nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	sqlFile, err := sqlFS.ReadFile("db_init.sql")
	if err != nil {
		return nil, nil, fmt.Errorf(
			"failed to read embedded db_init.sql: %w",
			err,
		)
	}

	_, err = conn.Exec(ctx, string(sqlFile))
	if err != nil {
		return nil, nil, fmt.Errorf(
			"failed to execute embedded db_init.sql: %w",
			err,
		)
	}

	return conn, New(conn), nil
}
