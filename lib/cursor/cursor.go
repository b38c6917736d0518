// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cursor tracks per-connection sync positions over the commit
// log. A token names the last sequence a connection has seen; the
// manager keeps tokens monotonic, clamps resumed tokens into the
// retention window, and persists positions in SQLite so connections
// survive a restart.
package cursor

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/hearth/lib/clock"
	"github.com/bureau-foundation/hearth/lib/errs"
	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/ref"
)

// Source is the committed event log the cursors range over. The event
// store satisfies it.
type Source interface {
	// LatestCommitted returns the highest assigned commit sequence.
	LatestCommitted() uint64
	// EarliestRetained returns the first sequence still deliverable.
	EarliestRetained() uint64
	// Range streams events with sequence in (after, through].
	Range(ctx context.Context, after, through uint64, fn func(seq uint64, e *event.Event) error) error
}

// Options configures a cursor manager.
type Options struct {
	// Path is the SQLite database file for persisted positions.
	Path string

	// Source is the committed event log. Required.
	Source Source

	// PoolSize bounds the SQLite connection pool. Defaults to 4.
	PoolSize int

	// Clock stamps position updates. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Defaults to discard.
	Logger *slog.Logger
}

// Manager owns the sync cursors. Safe for concurrent use; positions
// for distinct connections never contend beyond the SQLite pool.
type Manager struct {
	pool   *pool
	source Source
	clock  clock.Clock
	logger *slog.Logger
}

// NewManager opens the cursor store and returns a manager.
func NewManager(options Options) (*Manager, error) {
	if options.Source == nil {
		return nil, fmt.Errorf("cursor: Source is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	p, err := openPool(options.Path, options.PoolSize, options.Logger)
	if err != nil {
		return nil, err
	}
	return &Manager{
		pool:   p,
		source: options.Source,
		clock:  options.Clock,
		logger: options.Logger,
	}, nil
}

// Close releases the SQLite pool.
func (m *Manager) Close() error {
	return m.pool.close()
}

// Latest returns a token for the newest committed position.
func (m *Manager) Latest() string {
	return EncodeToken(m.source.LatestCommitted())
}

// Resume establishes a connection's position from a client-supplied
// token. The returned token is the position actually adopted:
//
//   - no token: start at the latest committed sequence;
//   - below the retention window: clamp up to the window floor and
//     report the gap with a recoverable CursorExpired error (the
//     client missed trimmed entries and must resync its full state);
//   - above the latest committed sequence: clamp down, no gap;
//   - in-window: adopted verbatim.
//
// The adopted position is persisted before Resume returns.
func (m *Manager) Resume(ctx context.Context, connection ref.ConnectionID, clientToken string) (string, error) {
	latest := m.source.LatestCommitted()

	var seq uint64
	if clientToken == "" {
		seq = latest
	} else {
		decoded, err := DecodeToken(clientToken)
		if err != nil {
			return "", err
		}
		seq = decoded
	}

	var gap bool
	// A token at seq has seen everything through seq; it is resumable
	// while seq+1 is still retained.
	if floor := m.source.EarliestRetained(); seq+1 < floor {
		seq = floor - 1
		gap = true
	}
	if seq > latest {
		seq = latest
	}

	if err := m.store(ctx, connection, seq); err != nil {
		return "", err
	}

	token := EncodeToken(seq)
	if gap {
		m.logger.Info("sync cursor expired",
			"connection", connection.String(), "clamped_to", seq)
		return token, errs.New(errs.CodeCursorExpired,
			"token %q fell below the retention window, resumed at %d", clientToken, seq)
	}
	return token, nil
}

// Advance moves a connection's position forward. A token behind the
// persisted position is rejected with a recoverable StaleToken error
// and the position is left unchanged.
func (m *Manager) Advance(ctx context.Context, connection ref.ConnectionID, token string) error {
	seq, err := DecodeToken(token)
	if err != nil {
		return err
	}

	conn, err := m.pool.take(ctx)
	if err != nil {
		return err
	}
	defer m.pool.put(conn)

	current, exists, err := loadPosition(conn, connection)
	if err != nil {
		return err
	}
	if exists && seq < current {
		return errs.New(errs.CodeStaleToken,
			"token %q moves connection %s backwards (%d < %d)",
			token, connection, seq, current)
	}
	return storePosition(conn, connection, seq, m.clock.Now().UnixMilli())
}

// Position returns a connection's persisted token. The second return
// is false for a connection with no persisted position.
func (m *Manager) Position(ctx context.Context, connection ref.ConnectionID) (string, bool, error) {
	conn, err := m.pool.take(ctx)
	if err != nil {
		return "", false, err
	}
	defer m.pool.put(conn)

	seq, exists, err := loadPosition(conn, connection)
	if err != nil || !exists {
		return "", false, err
	}
	return EncodeToken(seq), true, nil
}

// Forget drops a connection's persisted position. Idempotent.
func (m *Manager) Forget(ctx context.Context, connection ref.ConnectionID) error {
	conn, err := m.pool.take(ctx)
	if err != nil {
		return err
	}
	defer m.pool.put(conn)

	return sqlitex.Execute(conn, `DELETE FROM cursors WHERE connection = ?`, &sqlitex.ExecOptions{
		Args: []any{connection.String()},
	})
}

// Stream delivers every committed event after the connection's current
// position, in sequence order, then advances the position to the end
// of the delivered range. For positions t1 < t2 this yields exactly
// the committed range (t1, t2], no duplicates, none skipped. fn
// returning an error aborts the delivery and leaves the position
// unmoved.
func (m *Manager) Stream(ctx context.Context, connection ref.ConnectionID, fn func(seq uint64, e *event.Event) error) (string, error) {
	conn, err := m.pool.take(ctx)
	if err != nil {
		return "", err
	}
	after, exists, err := loadPosition(conn, connection)
	m.pool.put(conn)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errs.New(errs.CodeNotFound, "connection %s has no sync position", connection)
	}

	through := m.source.LatestCommitted()
	if err := m.source.Range(ctx, after, through, fn); err != nil {
		return "", err
	}
	if through > after {
		if err := m.store(ctx, connection, through); err != nil {
			return "", err
		}
	}
	return EncodeToken(through), nil
}

func (m *Manager) store(ctx context.Context, connection ref.ConnectionID, seq uint64) error {
	conn, err := m.pool.take(ctx)
	if err != nil {
		return err
	}
	defer m.pool.put(conn)
	return storePosition(conn, connection, seq, m.clock.Now().UnixMilli())
}

func loadPosition(conn *sqlite.Conn, connection ref.ConnectionID) (uint64, bool, error) {
	var seq uint64
	var exists bool
	err := sqlitex.Execute(conn, `SELECT seq FROM cursors WHERE connection = ?`, &sqlitex.ExecOptions{
		Args: []any{connection.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			seq = uint64(stmt.ColumnInt64(0))
			exists = true
			return nil
		},
	})
	if err != nil {
		return 0, false, fmt.Errorf("cursor: loading position for %s: %w", connection, err)
	}
	return seq, exists, nil
}

func storePosition(conn *sqlite.Conn, connection ref.ConnectionID, seq uint64, updatedAt int64) error {
	err := sqlitex.Execute(conn, `
		INSERT INTO cursors (connection, seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (connection) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{connection.String(), int64(seq), updatedAt},
		})
	if err != nil {
		return fmt.Errorf("cursor: storing position for %s: %w", connection, err)
	}
	return nil
}
