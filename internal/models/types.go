package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Account represents a user's ledger account. Balances are stored in minor
// units (cents) so arithmetic can never create or destroy fractions of a cent.
type Account struct {
	ID           int64     `json:"id"`
	UUID         string    `json:"uuid"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Balance      int64     `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Audit entry statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// AuditEntry is one link of the tamper-evident audit chain. EntryHash covers
// every other field plus PreviousHash, so altering any historical entry breaks
// the hash of every entry after it.
type AuditEntry struct {
	ID           int64     `json:"id"`
	SenderID     int64     `json:"sender_id"`
	ReceiverID   *int64    `json:"receiver_id,omitempty"`
	Amount       int64     `json:"amount"`
	Timestamp    time.Time `json:"timestamp"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	PreviousHash string    `json:"previous_hash,omitempty"`
	EntryHash    string    `json:"entry_hash"`
}

// ReceiverRef is the tagged receiver identifier: either a concrete account id
// or an email still to be resolved. It is resolved exactly once, before any
// lock is taken.
type ReceiverRef struct {
	id    int64
	email string
	byID  bool
}

func ReceiverByID(id int64) ReceiverRef {
	return ReceiverRef{id: id, byID: true}
}

func ReceiverByEmail(email string) ReceiverRef {
	return ReceiverRef{email: email}
}

// ParseReceiver interprets a raw identifier the way the API does: all-digit
// strings are account ids, anything else is an email.
func ParseReceiver(raw string) ReceiverRef {
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ReceiverByID(id)
	}
	return ReceiverByEmail(raw)
}

// AccountID returns the referenced id when the receiver was given by id.
func (r ReceiverRef) AccountID() (int64, bool) {
	return r.id, r.byID
}

// Email returns the referenced email when the receiver was given by email.
func (r ReceiverRef) Email() (string, bool) {
	if r.byID {
		return "", false
	}
	return r.email, true
}

func (r ReceiverRef) String() string {
	if r.byID {
		return strconv.FormatInt(r.id, 10)
	}
	return r.email
}

// UnmarshalJSON accepts either a JSON number (account id) or a string
// (numeric string or email), matching the request shape of the API.
func (r *ReceiverRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return fmt.Errorf("empty receiver identifier")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return fmt.Errorf("empty receiver identifier")
		}
		*r = ParseReceiver(s)
		return nil
	}
	var id int64
	if err := json.Unmarshal(b, &id); err != nil {
		return fmt.Errorf("receiver identifier must be an account id or email: %w", err)
	}
	*r = ReceiverByID(id)
	return nil
}

func (r ReceiverRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// TransferRequest is the payload from the client. Amount arrives as a decimal
// and is converted to cents once, at the engine boundary.
type TransferRequest struct {
	SenderID           int64           `json:"sender_id"`
	ReceiverIdentifier ReceiverRef     `json:"receiver_identifier"`
	Amount             decimal.Decimal `json:"amount"`
}

// TransferReceipt confirms a committed transfer back to the caller.
type TransferReceipt struct {
	ReceiverID    int64  `json:"receiver_id"`
	ReceiverEmail string `json:"receiver_email"`
	Amount        int64  `json:"amount"`
	AuditEntryID  int64  `json:"audit_entry_id"`
}

// CentsToDecimal renders a minor-unit amount as a two-place decimal.
func CentsToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
