// Package zarchive mirrors finalized blocks into Postgres,
// where they stay queryable after the node prunes or compacts
// its own stores.
package zarchive

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/PythonRysh/espresso/cape"
	"github.com/PythonRysh/espresso/capeapp"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is a pooled connection to the archive database
// with its schema migrated to the current version.
type DB struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

// Open connects to the database at dsn and applies
// any pending schema migrations.
func Open(ctx context.Context, log *slog.Logger, dsn string) (*DB, error) {
	if err := runMigrations(dsn); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging archive database: %w", err)
	}

	return &DB{log: log, pool: pool}, nil
}

// runMigrations uses a plain database/sql connection;
// the migrate pgx driver takes over its lifecycle.
func runMigrations(dsn string) error {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}

	driver, err := pgxmigrate.WithInstance(conn, &pgxmigrate.Config{})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("preparing migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx", driver)
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (d *DB) Close() {
	d.pool.Close()
}

// SaveBlock writes one applied block with its transactions
// and consumed nullifiers, in a single database transaction.
// Re-saving an archived height is a no-op, so the live feed
// and a backfill can safely overlap.
func (d *DB) SaveBlock(ctx context.Context, b capeapp.AppliedBlock) error {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO blocks (height, view, block_hash, state_root, tx_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (height) DO NOTHING`,
		int64(b.Height), int64(b.View), b.BlockHash, b.StateRoot[:], len(b.Transactions),
	)
	if err != nil {
		return fmt.Errorf("inserting block %d: %w", b.Height, err)
	}
	if tag.RowsAffected() == 0 {
		// Height already archived; nothing below can be new either.
		return tx.Commit(ctx)
	}

	for i, t := range b.Transactions {
		raw, err := cape.MarshalTransaction(t)
		if err != nil {
			return fmt.Errorf("encoding transaction %d of block %d: %w", i, b.Height, err)
		}
		digest := t.Digest()

		if _, err := tx.Exec(ctx, `
			INSERT INTO transactions (digest, height, idx, kind, raw)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (digest) DO NOTHING`,
			digest[:], int64(b.Height), i, t.Kind(), raw,
		); err != nil {
			return fmt.Errorf("inserting transaction %d of block %d: %w", i, b.Height, err)
		}

		for _, n := range t.Nullifiers() {
			if _, err := tx.Exec(ctx, `
				INSERT INTO nullifiers (nullifier, height)
				VALUES ($1, $2)
				ON CONFLICT (nullifier) DO NOTHING`,
				n[:], int64(b.Height),
			); err != nil {
				return fmt.Errorf("inserting nullifier of block %d: %w", b.Height, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing block %d: %w", b.Height, err)
	}
	return nil
}

// BlockHeader is the consensus-level summary of a finalized block,
// all a backfill can recover once payloads are gone.
type BlockHeader struct {
	Height uint64
	View   uint64

	BlockHash []byte
	StateRoot []byte
}

// SaveHeader writes one block row without transactions.
// An existing row for the height is left untouched.
func (d *DB) SaveHeader(ctx context.Context, h BlockHeader) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO blocks (height, view, block_hash, state_root, tx_count)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (height) DO NOTHING`,
		int64(h.Height), int64(h.View), h.BlockHash, h.StateRoot,
	)
	if err != nil {
		return fmt.Errorf("inserting block header %d: %w", h.Height, err)
	}
	return nil
}

// LatestHeight returns the highest archived height,
// or ok false on an empty archive.
func (d *DB) LatestHeight(ctx context.Context) (height uint64, ok bool, err error) {
	var h *int64
	if err := d.pool.QueryRow(ctx, `SELECT max(height) FROM blocks`).Scan(&h); err != nil {
		return 0, false, fmt.Errorf("querying latest archived height: %w", err)
	}
	if h == nil {
		return 0, false, nil
	}
	return uint64(*h), true, nil
}

// MissingHeights lists heights in [1, through] absent from the archive,
// in ascending order.
func (d *DB) MissingHeights(ctx context.Context, through uint64) ([]uint64, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT s.height
		FROM generate_series(1, $1::bigint) AS s (height)
		LEFT JOIN blocks b ON b.height = s.height
		WHERE b.height IS NULL
		ORDER BY s.height`,
		int64(through),
	)
	if err != nil {
		return nil, fmt.Errorf("querying missing heights: %w", err)
	}
	defer rows.Close()

	var missing []uint64
	for rows.Next() {
		var h int64
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scanning missing height: %w", err)
		}
		missing = append(missing, uint64(h))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating missing heights: %w", err)
	}
	return missing, nil
}
