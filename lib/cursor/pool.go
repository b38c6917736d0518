// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cursor

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// schema is applied once per pooled connection. The table is tiny: one
// row per live sync connection.
const schema = `
CREATE TABLE IF NOT EXISTS cursors (
    connection TEXT    PRIMARY KEY,
    seq        INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
) WITHOUT ROWID;
`

// pool is a fixed-size pool of SQLite connections with the cursor
// schema and standard pragmas applied. Individual connections are not
// safe for concurrent use; each goroutine takes its own and puts it
// back when done.
type pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// openPool creates the connection pool. The database file is created
// if it does not exist; connections are initialized lazily on first
// take.
func openPool(path string, size int, logger *slog.Logger) (*pool, error) {
	if path == "" {
		return nil, fmt.Errorf("cursor: database path is required")
	}
	if size <= 0 {
		size = 4
	}

	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("cursor: opening %s: %w", path, err)
	}

	logger.Debug("cursor store opened", "path", path, "pool_size", size)
	return &pool{inner: inner, logger: logger, path: path}, nil
}

// take borrows a connection, blocking until one is available or ctx is
// cancelled. The caller must put it back.
func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("cursor: take: %w", err)
	}
	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// close closes all connections. Blocks until every borrowed connection
// is returned.
func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		return fmt.Errorf("cursor: closing %s: %w", p.path, err)
	}
	p.logger.Debug("cursor store closed", "path", p.path)
	return nil
}

// prepareConnection applies pragmas and the schema. Runs once per
// connection in the pool, on first use.
func prepareConnection(conn *sqlite.Conn) error {
	// WAL mode: concurrent readers, single writer, no reader blocking.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("cursor: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("cursor: applying schema: %w", err)
	}
	return nil
}
