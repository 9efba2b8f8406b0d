package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrSessionBusy is returned when another run holds the session lock.
var ErrSessionBusy = errors.New("session is busy")

// Locker serializes runs of a session.
type Locker interface {
	Lock(ctx context.Context, sessionID string) error
	Unlock(sessionID string)
}

// LocalLocker locks sessions within one process.
type LocalLocker struct {
	timeout time.Duration

	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewLocalLocker creates a LocalLocker. Lock waits up to timeout for a held
// session; zero fails immediately with ErrSessionBusy.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{timeout: timeout, held: make(map[string]chan struct{})}
}

// Lock acquires the session.
func (l *LocalLocker) Lock(ctx context.Context, sessionID string) error {
	var expired <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		l.mu.Lock()
		released, held := l.held[sessionID]
		if !held {
			l.held[sessionID] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		if l.timeout <= 0 {
			return ErrSessionBusy
		}
		select {
		case <-released:
		case <-expired:
			return ErrSessionBusy
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// Unlock releases the session and wakes waiters.
func (l *LocalLocker) Unlock(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if released, ok := l.held[sessionID]; ok {
		delete(l.held, sessionID)
		close(released)
	}
}

// DBLockerConfig tunes the lease lock. Zero fields take the values of
// DefaultDBLockerConfig.
type DBLockerConfig struct {
	// OwnerID identifies this process in session_locks.
	OwnerID string
	// TTL is how long a lease survives without renewal.
	TTL             time.Duration
	RefreshInterval time.Duration
	AcquireTimeout  time.Duration
	PollInterval    time.Duration
}

func DefaultDBLockerConfig() DBLockerConfig {
	return DBLockerConfig{
		TTL:             2 * time.Minute,
		RefreshInterval: 30 * time.Second,
		AcquireTimeout:  10 * time.Second,
		PollInterval:    200 * time.Millisecond,
	}
}

func (c DBLockerConfig) withDefaults() DBLockerConfig {
	d := DefaultDBLockerConfig()
	pick := func(v, def time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return def
	}
	c.TTL = pick(c.TTL, d.TTL)
	c.RefreshInterval = pick(c.RefreshInterval, d.RefreshInterval)
	c.AcquireTimeout = pick(c.AcquireTimeout, d.AcquireTimeout)
	c.PollInterval = pick(c.PollInterval, d.PollInterval)
	return c
}

const (
	// The upsert only takes over a row that has expired or is already ours,
	// so RETURNING yields no row while another owner holds a live lease.
	acquireLeaseSQL = `
		INSERT INTO session_locks (session_id, owner_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE
		SET owner_id = excluded.owner_id,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE session_locks.expires_at < excluded.acquired_at
			OR session_locks.owner_id = excluded.owner_id
		RETURNING owner_id`
	renewLeaseSQL   = `UPDATE session_locks SET expires_at = $1 WHERE session_id = $2 AND owner_id = $3`
	releaseLeaseSQL = `DELETE FROM session_locks WHERE session_id = $1 AND owner_id = $2`
)

// DBLocker serializes runs of a session across processes that share the
// session database. Each held session has a lease row renewed in the
// background; a crashed owner's lease lapses after TTL.
type DBLocker struct {
	db      *sql.DB
	dialect Dialect
	config  DBLockerConfig
	now     func() time.Time

	mu     sync.Mutex
	leases map[string]context.CancelFunc
	closed bool
}

// NewDBLocker creates a lease locker on the store's database.
func NewDBLocker(store *SQLStore, cfg DBLockerConfig) (*DBLocker, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return newDBLocker(store.DB(), store.Dialect(), cfg)
}

func newDBLocker(db *sql.DB, dialect Dialect, cfg DBLockerConfig) (*DBLocker, error) {
	switch {
	case db == nil:
		return nil, errors.New("db is required")
	case cfg.OwnerID == "":
		return nil, errors.New("owner id is required")
	}
	return &DBLocker{
		db:      db,
		dialect: dialect,
		config:  cfg.withDefaults(),
		now:     time.Now,
		leases:  make(map[string]context.CancelFunc),
	}, nil
}

// Lock takes the session's lease, retrying every PollInterval. It gives up
// with ErrSessionBusy after AcquireTimeout.
func (l *DBLocker) Lock(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session id is required")
	}
	giveUp := l.now().Add(l.config.AcquireTimeout)
	poll := time.NewTicker(l.config.PollInterval)
	defer poll.Stop()
	for {
		won, err := l.acquire(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("acquire session lock: %w", err)
		}
		if won {
			l.keepAlive(sessionID)
			return nil
		}
		if l.now().After(giveUp) {
			return ErrSessionBusy
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-poll.C:
		}
	}
}

// Unlock drops the lease. If the delete fails the lease simply expires.
func (l *DBLocker) Unlock(sessionID string) {
	l.release(sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := l.db.ExecContext(ctx, l.dialect.rebind(releaseLeaseSQL), sessionID, l.config.OwnerID); err != nil {
		slog.Warn("session unlock failed", "session_id", sessionID, "error", err)
	}
}

// Close stops renewing every held lease. The rows stay until they expire.
func (l *DBLocker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		for id, stop := range l.leases {
			stop()
			delete(l.leases, id)
		}
	}
	return nil
}

func (l *DBLocker) acquire(ctx context.Context, sessionID string) (bool, error) {
	now := l.now()
	var owner string
	err := l.db.QueryRowContext(ctx, l.dialect.rebind(acquireLeaseSQL),
		sessionID, l.config.OwnerID, now.UnixMilli(), now.Add(l.config.TTL).UnixMilli()).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	return owner == l.config.OwnerID, nil
}

// keepAlive starts the renewal goroutine for a freshly acquired lease.
func (l *DBLocker) keepAlive(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.leases[sessionID] != nil {
		return
	}
	ctx, stop := context.WithCancel(context.Background())
	l.leases[sessionID] = stop
	go func() {
		tick := time.NewTicker(l.config.RefreshInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
			if !l.renew(ctx, sessionID) {
				l.release(sessionID)
				return
			}
		}
	}()
}

func (l *DBLocker) release(sessionID string) {
	l.mu.Lock()
	stop := l.leases[sessionID]
	delete(l.leases, sessionID)
	l.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// renew pushes the lease expiry forward. False means the lease was lost.
func (l *DBLocker) renew(ctx context.Context, sessionID string) bool {
	res, err := l.db.ExecContext(ctx, l.dialect.rebind(renewLeaseSQL),
		l.now().Add(l.config.TTL).UnixMilli(), sessionID, l.config.OwnerID)
	if err != nil {
		return false
	}
	n, err := res.RowsAffected()
	return err == nil && n > 0
}
