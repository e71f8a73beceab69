package otel

import (
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/neomorfeo/subflow/internal/adapter/sqlite"
)

// dbAttrs label every database span and pool metric.
var dbAttrs = otelsql.WithAttributes(semconv.DBSystemSqlite)

// OpenDB opens the SQLite database at path through otelsql. The store and
// River share the returned pool, so both show up in the same traces.
func OpenDB(path string) (*sql.DB, error) {
	db, err := otelsql.Open("sqlite", sqlite.DSN(path),
		dbAttrs,
		otelsql.WithSpanOptions(otelsql.SpanOptions{
			OmitRows:             true,
			OmitConnResetSession: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("opening instrumented database: %w", err)
	}

	// A single writer keeps River's polling and the store from hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s: %w", path, err)
	}
	if _, err := otelsql.RegisterDBStatsMetrics(db, dbAttrs); err != nil {
		db.Close()
		return nil, fmt.Errorf("registering db stats metrics: %w", err)
	}
	return db, nil
}
