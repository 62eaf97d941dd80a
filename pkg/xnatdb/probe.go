// Package xnatdb reads XNAT's PostgreSQL catalogue directly. It is read-only
// and only answers questions the REST API cannot answer before XNAT has
// finished starting: whether the schema exists and which data types are
// registered.
package xnatdb

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	publicSchema = "public"

	// userTable is created by XNAT on first startup.
	userTable = "xdat_user"

	// elementTable holds one row per registered data type.
	elementTable = "xdat_element_security"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Probe queries an XNAT database.
type Probe struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Probe {
	return &Probe{db: db}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Probe, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening xnat database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to xnat database: %w", err)
	}
	return New(db), nil
}

// Close releases the database handle.
func (p *Probe) Close() error {
	return p.db.Close()
}

// SchemaReady reports whether XNAT has created its schema.
func (p *Probe) SchemaReady(ctx context.Context) (bool, error) {
	n, err := p.countTables(ctx, sq.Eq{"table_name": userTable})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Tables lists the public tables whose name starts with prefix, e.g. the
// "mrd_" tables the plugin's schema creates.
func (p *Probe) Tables(ctx context.Context, prefix string) ([]string, error) {
	query, args, err := psq.Select("table_name").
		From("information_schema.tables").
		Where(sq.Eq{"table_schema": publicSchema}).
		Where(sq.Like{"table_name": prefix + "%"}).
		OrderBy("table_name").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building table query: %w", err)
	}
	return p.strings(ctx, query, args)
}

// DataTypes lists the registered data type names, e.g. "mrd:mrdScanData".
func (p *Probe) DataTypes(ctx context.Context) ([]string, error) {
	query, args, err := psq.Select("element_name").
		From(elementTable).
		OrderBy("element_name").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building data type query: %w", err)
	}
	return p.strings(ctx, query, args)
}

// HasDataType reports whether name is registered.
func (p *Probe) HasDataType(ctx context.Context, name string) (bool, error) {
	query, args, err := psq.Select("COUNT(*)").
		From(elementTable).
		Where(sq.Eq{"element_name": name}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building data type query: %w", err)
	}
	var n int
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("counting data type %s: %w", name, err)
	}
	return n > 0, nil
}

func (p *Probe) countTables(ctx context.Context, where sq.Sqlizer) (int, error) {
	query, args, err := psq.Select("COUNT(*)").
		From("information_schema.tables").
		Where(sq.Eq{"table_schema": publicSchema}).
		Where(where).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building table query: %w", err)
	}
	var n int
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting tables: %w", err)
	}
	return n, nil
}

func (p *Probe) strings(ctx context.Context, query string, args []any) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying xnat database: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}
