package locks

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"

	"github.com/jmoiron/sqlx"
)

// Namespace partitions the advisory lock key space so work execution and
// cancellation never collide with each other or with unrelated users of
// advisory locks on the same database.
type Namespace int32

const (
	// NamespaceWork is held while a worker executes a job.
	NamespaceWork Namespace = 2001
	// NamespaceCancel is held while a cancellation request is processed.
	NamespaceCancel Namespace = 2002
)

// ErrNotAcquired is returned by WithLock when the lock is already held
// elsewhere. It signals "operation already in progress", not a failure.
var ErrNotAcquired = errors.New("advisory lock not acquired")

// KeyFor maps a job ID to the 32-bit advisory lock key. FNV-32a masked to
// a non-negative int32 so the value fits Postgres' integer lock argument.
func KeyFor(jobID string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return int32(h.Sum32() & uint32(math.MaxInt32))
}

// Locker is the lock acquisition contract. Acquire is non-blocking: a
// false result means another session holds the (namespace, key) pair and
// the caller must not proceed with the guarded operation.
type Locker interface {
	Acquire(ctx context.Context, ns Namespace, key int32) (acquired bool, release func(), err error)
}

// Manager acquires session-scoped Postgres advisory locks. Each held lock
// pins a dedicated connection, because pg_advisory_unlock only works on
// the session that took the lock.
type Manager struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewManager creates a Manager on top of the given database handle.
func NewManager(db *sqlx.DB, logger *slog.Logger) *Manager {
	return &Manager{
		db:     db,
		logger: logger,
	}
}

// Acquire attempts a non-blocking session lock on (ns, key). On success
// the returned release func unlocks and returns the pinned connection to
// the pool; it is safe to call more than once.
func (m *Manager) Acquire(ctx context.Context, ns Namespace, key int32) (bool, func(), error) {
	conn, err := m.db.Connx(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("failed to acquire connection for advisory lock: %w", err)
	}

	var locked bool
	err = conn.QueryRowxContext(ctx, "SELECT pg_try_advisory_lock($1::integer, $2::integer)", int32(ns), key).Scan(&locked)
	if err != nil {
		conn.Close()
		return false, nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}

	if !locked {
		conn.Close()
		m.logger.Debug("Advisory lock held elsewhere",
			slog.Int("namespace", int(ns)),
			slog.Int("key", int(key)),
		)
		return false, nil, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			var unlocked bool
			// Unlock on a fresh context: release must still work after the
			// caller's context is cancelled.
			err := conn.QueryRowxContext(context.Background(), "SELECT pg_advisory_unlock($1::integer, $2::integer)", int32(ns), key).Scan(&unlocked)
			if err != nil {
				m.logger.Error("Failed to release advisory lock",
					slog.Int("namespace", int(ns)),
					slog.Int("key", int(key)),
					slog.Any("error", err),
				)
			} else if !unlocked {
				m.logger.Warn("Advisory lock was not held at release",
					slog.Int("namespace", int(ns)),
					slog.Int("key", int(key)),
				)
			}
			conn.Close()
		})
	}

	m.logger.Debug("Advisory lock acquired",
		slog.Int("namespace", int(ns)),
		slog.Int("key", int(key)),
	)

	return true, release, nil
}

// AcquireTx attempts a non-blocking transaction-scoped lock on (ns, key).
// The lock is released automatically when the transaction commits or
// rolls back.
func (m *Manager) AcquireTx(ctx context.Context, tx *sqlx.Tx, ns Namespace, key int32) (bool, error) {
	var locked bool
	err := tx.QueryRowxContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", int32(ns), key).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("failed to acquire transaction advisory lock: %w", err)
	}
	return locked, nil
}

// WithLock runs fn while holding the (ns, key) lock. The lock is released
// via defer, so fn failing never leaks it. Returns ErrNotAcquired when
// the lock is held elsewhere.
func WithLock(ctx context.Context, l Locker, ns Namespace, key int32, fn func(ctx context.Context) error) error {
	acquired, release, err := l.Acquire(ctx, ns, key)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrNotAcquired
	}
	defer release()

	return fn(ctx)
}
