// Package audit implements the tamper-evident hash chain behind the transfer
// audit log. Each entry's digest covers its own fields plus the digest of the
// entry before it, so editing any historical row is detectable by replaying
// the chain.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/psundaraj/ledgertrail/internal/models"
)

// absentReceiver is the sentinel hashed in place of a receiver id when the
// attempt failed before the receiver was resolved.
const absentReceiver = "-"

// Record carries the caller-known fields of an entry about to be appended.
// Timestamp, hashes and id are assigned by Seal/the store at append time.
type Record struct {
	SenderID   int64
	ReceiverID *int64
	Amount     int64
	Status     string
	Reason     string
}

// ComputeHash produces the canonical digest of one entry. The timestamp is
// normalized to UTC; callers must have truncated it to microseconds so the
// value survives a round trip through the database unchanged.
func ComputeHash(senderID int64, receiverID *int64, amount int64, ts time.Time, status, reason, previousHash string) string {
	recv := absentReceiver
	if receiverID != nil {
		recv = strconv.FormatInt(*receiverID, 10)
	}
	payload := strings.Join([]string{
		strconv.FormatInt(senderID, 10),
		recv,
		strconv.FormatInt(amount, 10),
		ts.UTC().Format(time.RFC3339Nano),
		status,
		reason,
		previousHash,
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Seal builds the next entry of a chain whose tail digest is previousHash.
// An empty previousHash means the chain is empty.
func Seal(rec Record, previousHash string, ts time.Time) models.AuditEntry {
	ts = ts.UTC().Truncate(time.Microsecond)
	return models.AuditEntry{
		SenderID:     rec.SenderID,
		ReceiverID:   rec.ReceiverID,
		Amount:       rec.Amount,
		Timestamp:    ts,
		Status:       rec.Status,
		Reason:       rec.Reason,
		PreviousHash: previousHash,
		EntryHash:    ComputeHash(rec.SenderID, rec.ReceiverID, rec.Amount, ts, rec.Status, rec.Reason, previousHash),
	}
}

// EntryHash recomputes the digest of a stored entry from its fields.
func EntryHash(e models.AuditEntry) string {
	return ComputeHash(e.SenderID, e.ReceiverID, e.Amount, e.Timestamp, e.Status, e.Reason, e.PreviousHash)
}

// Report summarizes a chain verification pass.
type Report struct {
	Valid       bool  `json:"valid"`
	Total       int   `json:"total"`
	BrokenIndex int   `json:"broken_index"` // -1 when Valid
	BrokenID    int64 `json:"broken_id,omitempty"`
}

// Verify walks entries in append order, recomputing every digest and checking
// each link against its predecessor. It reports the first index at which the
// stored chain disagrees with the recomputation. Verification is a pure read
// path: it never touches the append path's locks.
func Verify(entries []models.AuditEntry) Report {
	prev := ""
	for i, e := range entries {
		if e.PreviousHash != prev || EntryHash(e) != e.EntryHash {
			return Report{Valid: false, Total: len(entries), BrokenIndex: i, BrokenID: e.ID}
		}
		prev = e.EntryHash
	}
	return Report{Valid: true, Total: len(entries), BrokenIndex: -1}
}
