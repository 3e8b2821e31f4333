package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psundaraj/ledgertrail/internal/audit"
	"github.com/psundaraj/ledgertrail/internal/models"
)

// MemoryStore is an in-process Store with the same locking contract as the
// Postgres implementation: per-account exclusive row locks held to the end of
// the transaction, bounded lock waits, and a serialized audit append. It backs
// the engine and handler tests.
type MemoryStore struct {
	mu          sync.Mutex
	accounts    map[int64]*memAccount
	byEmail     map[string]int64
	nextID      int64
	entries     []models.AuditEntry
	nextEntryID int64

	// chainLock serializes read-tail-then-append, standing in for the
	// advisory lock of the Postgres store. Held until the tx ends.
	chainLock chan struct{}

	lockTimeout time.Duration
}

// memAccount pairs the account row (guarded by MemoryStore.mu) with its
// exclusive row lock (a capacity-1 channel).
type memAccount struct {
	acc     models.Account
	rowLock chan struct{}
}

func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[int64]*memAccount),
		byEmail:     make(map[string]int64),
		chainLock:   make(chan struct{}, 1),
		lockTimeout: lockTimeout,
	}
}

func (s *MemoryStore) ExecTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{s: s, deltas: make(map[int64]int64)}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	s         *MemoryStore
	locked    []*memAccount
	deltas    map[int64]int64
	pending   []models.AuditEntry
	chainHeld bool
}

func (t *memTx) LockAccount(ctx context.Context, id int64) (*models.Account, error) {
	t.s.mu.Lock()
	ma := t.s.accounts[id]
	t.s.mu.Unlock()
	if ma == nil {
		return nil, ErrNotFound
	}

	timer := time.NewTimer(t.s.lockTimeout)
	defer timer.Stop()
	select {
	case ma.rowLock <- struct{}{}:
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t.locked = append(t.locked, ma)

	t.s.mu.Lock()
	cp := ma.acc
	t.s.mu.Unlock()
	return &cp, nil
}

func (t *memTx) ResolveEmail(ctx context.Context, email string) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	id, ok := t.s.byEmail[email]
	if !ok {
		return 0, ErrNotFound
	}
	return id, nil
}

func (t *memTx) ApplyDelta(ctx context.Context, id int64, delta int64) error {
	t.deltas[id] += delta
	return nil
}

func (t *memTx) AppendAudit(ctx context.Context, rec audit.Record) (*models.AuditEntry, error) {
	select {
	case t.s.chainLock <- struct{}{}:
		t.chainHeld = true
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.s.mu.Lock()
	prev := ""
	if n := len(t.s.entries); n > 0 {
		prev = t.s.entries[n-1].EntryHash
	}
	t.s.nextEntryID++
	id := t.s.nextEntryID
	t.s.mu.Unlock()

	entry := audit.Seal(rec, prev, time.Now())
	entry.ID = id
	t.pending = append(t.pending, entry)
	return &entry, nil
}

// commit applies the buffered deltas and publishes pending audit entries.
// Row locks are still held, so no other transaction can have observed the
// intermediate state.
func (t *memTx) commit() {
	t.s.mu.Lock()
	for id, delta := range t.deltas {
		if ma, ok := t.s.accounts[id]; ok {
			ma.acc.Balance += delta
		}
	}
	t.s.entries = append(t.s.entries, t.pending...)
	t.s.mu.Unlock()
}

// release drops the chain lock and every row lock; called on both commit and
// rollback. A rolled-back append leaves the chain tail untouched.
func (t *memTx) release() {
	if t.chainHeld {
		<-t.s.chainLock
	}
	for _, ma := range t.locked {
		<-ma.rowLock
	}
}

func (s *MemoryStore) CreateAccount(ctx context.Context, email, passwordHash string, initialBalance int64) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[email]; exists {
		return nil, ErrDuplicateEmail
	}
	s.nextID++
	acc := models.Account{
		ID:           s.nextID,
		UUID:         uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Balance:      initialBalance,
		CreatedAt:    time.Now().UTC(),
	}
	s.accounts[acc.ID] = &memAccount{acc: acc, rowLock: make(chan struct{}, 1)}
	s.byEmail[email] = acc.ID
	cp := acc
	return &cp, nil
}

func (s *MemoryStore) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ma, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := ma.acc
	return &cp, nil
}

func (s *MemoryStore) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	s.mu.Lock()
	id, ok := s.byEmail[email]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetAccountByID(ctx, id)
}

func (s *MemoryStore) ListAuditEntries(ctx context.Context) ([]models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *MemoryStore) HistoryForAccount(ctx context.Context, accountID int64) ([]models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.SenderID == accountID || (e.ReceiverID != nil && *e.ReceiverID == accountID) {
			out = append(out, e)
		}
	}
	return out, nil
}
