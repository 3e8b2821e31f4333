package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/psundaraj/ledgertrail/internal/audit"
	"github.com/psundaraj/ledgertrail/internal/models"
)

// Postgres error codes we dispatch on.
const (
	pgCodeUniqueViolation = "23505"
	pgCodeLockNotAvail    = "55P03"
)

// auditChainLockID keys the advisory lock that serializes chain appends.
const auditChainLockID = 8811

type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

func NewPostgresStore(connString string, lockTimeout time.Duration) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) ExecTx(ctx context.Context, fn func(tx Tx) error) error {
	// Read committed, not repeatable read: every balance is read under its
	// FOR UPDATE lock, so snapshot isolation buys nothing here, and under
	// repeatable read the loser of a lock race on an updated row aborts with
	// 40001 instead of proceeding once the lock frees.
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// Bound every row-lock wait in this transaction.
	_, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("set lock_timeout failed: %w", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, id int64) (*models.Account, error) {
	var acc models.Account
	err := t.tx.QueryRow(ctx,
		"SELECT id, uuid, email, password_hash, balance, created_at FROM accounts WHERE id = $1 FOR UPDATE",
		id,
	).Scan(&acc.ID, &acc.UUID, &acc.Email, &acc.PasswordHash, &acc.Balance, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgCodeLockNotAvail {
			return nil, ErrLockTimeout
		}
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}
	return &acc, nil
}

func (t *pgTx) ResolveEmail(ctx context.Context, email string) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, "SELECT id FROM accounts WHERE email = $1", email).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("receiver resolution failed: %w", err)
	}
	return id, nil
}

func (t *pgTx) ApplyDelta(ctx context.Context, id int64, delta int64) error {
	_, err := t.tx.Exec(ctx, "UPDATE accounts SET balance = balance + $1 WHERE id = $2", delta, id)
	if err != nil {
		return fmt.Errorf("balance update failed: %w", err)
	}
	return nil
}

func (t *pgTx) AppendAudit(ctx context.Context, rec audit.Record) (*models.AuditEntry, error) {
	// Serialize the tail read and the insert: a concurrent appender blocks
	// here until this transaction ends, so the chain can never fork.
	if _, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", auditChainLockID); err != nil {
		return nil, fmt.Errorf("audit chain lock failed: %w", err)
	}

	var prevHash string
	err := t.tx.QueryRow(ctx,
		"SELECT entry_hash FROM audit_entries ORDER BY id DESC LIMIT 1",
	).Scan(&prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("audit tail read failed: %w", err)
	}

	entry := audit.Seal(rec, prevHash, time.Now())
	err = t.tx.QueryRow(ctx,
		`INSERT INTO audit_entries (sender_id, receiver_id, amount, ts, status, reason, previous_hash, entry_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		entry.SenderID, entry.ReceiverID, entry.Amount, entry.Timestamp,
		entry.Status, entry.Reason, entry.PreviousHash, entry.EntryHash,
	).Scan(&entry.ID)
	if err != nil {
		return nil, fmt.Errorf("audit insert failed: %w", err)
	}
	return &entry, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, email, passwordHash string, initialBalance int64) (*models.Account, error) {
	acc := models.Account{
		UUID:         uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Balance:      initialBalance,
	}
	err := s.pool.QueryRow(ctx,
		"INSERT INTO accounts (uuid, email, password_hash, balance) VALUES ($1, $2, $3, $4) RETURNING id, created_at",
		acc.UUID, acc.Email, acc.PasswordHash, acc.Balance,
	).Scan(&acc.ID, &acc.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgCodeUniqueViolation {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	return &acc, nil
}

func (s *PostgresStore) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	return s.getAccount(ctx, "SELECT id, uuid, email, password_hash, balance, created_at FROM accounts WHERE id = $1", id)
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return s.getAccount(ctx, "SELECT id, uuid, email, password_hash, balance, created_at FROM accounts WHERE email = $1", email)
}

func (s *PostgresStore) getAccount(ctx context.Context, query string, arg any) (*models.Account, error) {
	var acc models.Account
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&acc.ID, &acc.UUID, &acc.Email, &acc.PasswordHash, &acc.Balance, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}
	return &acc, nil
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context) ([]models.AuditEntry, error) {
	return s.queryEntries(ctx,
		`SELECT id, sender_id, receiver_id, amount, ts, status, reason, previous_hash, entry_hash
		 FROM audit_entries ORDER BY id ASC`)
}

func (s *PostgresStore) HistoryForAccount(ctx context.Context, accountID int64) ([]models.AuditEntry, error) {
	return s.queryEntries(ctx,
		`SELECT id, sender_id, receiver_id, amount, ts, status, reason, previous_hash, entry_hash
		 FROM audit_entries WHERE sender_id = $1 OR receiver_id = $1 ORDER BY id DESC`,
		accountID)
}

func (s *PostgresStore) queryEntries(ctx context.Context, query string, args ...any) ([]models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit query failed: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.SenderID, &e.ReceiverID, &e.Amount, &e.Timestamp,
			&e.Status, &e.Reason, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("audit scan failed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
