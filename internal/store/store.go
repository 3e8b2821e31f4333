// Package store provides transactional, lock-guarded access to accounts and
// the append-only audit chain. The Postgres implementation is the production
// path; the in-memory implementation backs tests.
package store

import (
	"context"
	"errors"

	"github.com/psundaraj/ledgertrail/internal/audit"
	"github.com/psundaraj/ledgertrail/internal/models"
)

var (
	// ErrNotFound is returned for lookups of accounts that do not exist.
	ErrNotFound = errors.New("account not found")
	// ErrLockTimeout is returned when a row-lock wait exceeds the configured bound.
	ErrLockTimeout = errors.New("lock wait timeout")
	// ErrDuplicateEmail is returned when account creation hits the unique email key.
	ErrDuplicateEmail = errors.New("email already registered")
)

// Tx is the transaction-scoped view handed to the transfer engine. Locks
// acquired through it are held until the enclosing ExecTx commits or rolls
// back.
type Tx interface {
	// LockAccount acquires an exclusive row lock and returns the account,
	// blocking (up to the lock timeout) if another transaction holds it.
	LockAccount(ctx context.Context, id int64) (*models.Account, error)

	// ResolveEmail maps an email to an account id without locking.
	ResolveEmail(ctx context.Context, email string) (int64, error)

	// ApplyDelta adjusts the balance of an already-locked account. It does not
	// validate non-negativity; the engine enforces that before calling.
	ApplyDelta(ctx context.Context, id int64, delta int64) error

	// AppendAudit seals rec against the current chain tail and appends it.
	// The tail read and the insert are serialized so concurrent appends can
	// never share a predecessor.
	AppendAudit(ctx context.Context, rec audit.Record) (*models.AuditEntry, error)
}

// Store is the persistence boundary of the service.
type Store interface {
	// ExecTx runs fn inside one transaction. A nil return commits; any error
	// rolls everything back and is returned unchanged.
	ExecTx(ctx context.Context, fn func(tx Tx) error) error

	CreateAccount(ctx context.Context, email, passwordHash string, initialBalance int64) (*models.Account, error)
	GetAccountByID(ctx context.Context, id int64) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)

	// ListAuditEntries returns the whole chain in append order.
	ListAuditEntries(ctx context.Context) ([]models.AuditEntry, error)
	// HistoryForAccount returns entries where the account is sender or
	// receiver, newest first.
	HistoryForAccount(ctx context.Context, accountID int64) ([]models.AuditEntry, error)
}
