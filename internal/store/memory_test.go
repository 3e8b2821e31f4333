package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psundaraj/ledgertrail/internal/audit"
	"github.com/psundaraj/ledgertrail/internal/models"
)

func TestMemoryStoreRollbackDiscardsEverything(t *testing.T) {
	st := NewMemoryStore(time.Second)
	acc, err := st.CreateAccount(context.Background(), "x@example.com", "h", 1000)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = st.ExecTx(context.Background(), func(tx Tx) error {
		if _, lockErr := tx.LockAccount(context.Background(), acc.ID); lockErr != nil {
			return lockErr
		}
		if dErr := tx.ApplyDelta(context.Background(), acc.ID, -500); dErr != nil {
			return dErr
		}
		if _, aErr := tx.AppendAudit(context.Background(), audit.Record{
			SenderID: acc.ID, Amount: 500, Status: models.StatusSuccess,
		}); aErr != nil {
			return aErr
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := st.GetAccountByID(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Balance)

	entries, err := st.ListAuditEntries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Locks released: the row can be locked again immediately.
	err = st.ExecTx(context.Background(), func(tx Tx) error {
		_, lockErr := tx.LockAccount(context.Background(), acc.ID)
		return lockErr
	})
	assert.NoError(t, err)
}

func TestMemoryStoreLockTimeout(t *testing.T) {
	st := NewMemoryStore(30 * time.Millisecond)
	acc, err := st.CreateAccount(context.Background(), "x@example.com", "h", 1000)
	require.NoError(t, err)

	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = st.ExecTx(context.Background(), func(tx Tx) error {
			if _, lockErr := tx.LockAccount(context.Background(), acc.ID); lockErr != nil {
				return lockErr
			}
			close(holding)
			<-done
			return nil
		})
	}()
	<-holding
	defer close(done)

	err = st.ExecTx(context.Background(), func(tx Tx) error {
		_, lockErr := tx.LockAccount(context.Background(), acc.ID)
		return lockErr
	})
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestMemoryStoreConcurrentAppendsDoNotFork(t *testing.T) {
	st := NewMemoryStore(time.Second)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			err := st.ExecTx(context.Background(), func(tx Tx) error {
				_, aErr := tx.AppendAudit(context.Background(), audit.Record{
					SenderID: int64(i), Amount: 1, Status: models.StatusFailed, Reason: "receiver not found",
				})
				return aErr
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := st.ListAuditEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, n)
	rep := audit.Verify(entries)
	assert.True(t, rep.Valid, "chain forked at index %d", rep.BrokenIndex)
}

func TestMemoryStoreDuplicateEmail(t *testing.T) {
	st := NewMemoryStore(time.Second)
	_, err := st.CreateAccount(context.Background(), "x@example.com", "h", 0)
	require.NoError(t, err)

	_, err = st.CreateAccount(context.Background(), "x@example.com", "h", 0)
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestMemoryStoreHistoryOrderAndFilter(t *testing.T) {
	st := NewMemoryStore(time.Second)
	a, _ := st.CreateAccount(context.Background(), "a@example.com", "h", 0)
	b, _ := st.CreateAccount(context.Background(), "b@example.com", "h", 0)
	c, _ := st.CreateAccount(context.Background(), "c@example.com", "h", 0)

	appendOne := func(sender int64, receiver *int64) {
		err := st.ExecTx(context.Background(), func(tx Tx) error {
			_, aErr := tx.AppendAudit(context.Background(), audit.Record{
				SenderID: sender, ReceiverID: receiver, Amount: 1, Status: models.StatusSuccess,
			})
			return aErr
		})
		require.NoError(t, err)
	}
	appendOne(a.ID, &b.ID)
	appendOne(b.ID, &c.ID)
	appendOne(c.ID, &a.ID)

	hist, err := st.HistoryForAccount(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.True(t, hist[0].ID > hist[1].ID)
	for _, e := range hist {
		involved := e.SenderID == a.ID || (e.ReceiverID != nil && *e.ReceiverID == a.ID)
		assert.True(t, involved)
	}
}
