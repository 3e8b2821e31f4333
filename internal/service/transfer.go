// Package service implements the transfer engine: validation, canonical-order
// locking, balance mutation and audit emission for a single transfer attempt.
package service

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/psundaraj/ledgertrail/internal/audit"
	"github.com/psundaraj/ledgertrail/internal/models"
	"github.com/psundaraj/ledgertrail/internal/store"
)

// Typed transfer outcomes. Everything except ErrLockTimeout and
// ErrTransferFailed is a client-attributable rejection; the error text doubles
// as the reason recorded in the audit trail.
var (
	ErrInvalidAmount     = errors.New("non-positive amount")
	ErrSelfTransfer      = errors.New("self-transfer")
	ErrSenderNotFound    = errors.New("sender not found")
	ErrReceiverNotFound  = errors.New("receiver not found")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrLockTimeout       = errors.New("lock timeout")
	ErrTransferFailed    = errors.New("transfer failed")
)

// reasonInternal is recorded for system faults; internal detail stays in the
// operator log, never in the chain or the response.
const reasonInternal = "internal error"

type TransferEngine struct {
	store store.Store
	log   *zap.Logger
}

func NewTransferEngine(st store.Store, log *zap.Logger) *TransferEngine {
	return &TransferEngine{store: st, log: log}
}

// ExecuteTransfer moves amount from senderID to the account named by receiver,
// all-or-nothing, and records exactly one audit entry for the attempt
// regardless of outcome. It returns only once that entry is durable.
func (e *TransferEngine) ExecuteTransfer(ctx context.Context, senderID int64, receiver models.ReceiverRef, amount decimal.Decimal) (*models.TransferReceipt, error) {
	cents, ok := toCents(amount)
	if !ok || cents <= 0 {
		e.appendFailure(ctx, senderID, nil, cents, ErrInvalidAmount.Error())
		return nil, ErrInvalidAmount
	}

	// Fast path only: the post-resolution check below is authoritative.
	if id, byID := receiver.AccountID(); byID && id == senderID {
		e.appendFailure(ctx, senderID, nil, cents, ErrSelfTransfer.Error())
		return nil, ErrSelfTransfer
	}

	var (
		receipt    *models.TransferReceipt
		receiverID *int64
	)
	txErr := e.store.ExecTx(ctx, func(tx store.Tx) error {
		// Resolve the receiver to a concrete id before taking any lock, so
		// lock ordering is by id regardless of how the receiver was named.
		resolvedID, resolved, err := resolveReceiver(ctx, tx, receiver)
		if err != nil {
			return err
		}
		if resolved {
			receiverID = &resolvedID
		}

		if resolved && resolvedID == senderID {
			return ErrSelfTransfer
		}

		sender, recv, err := lockPair(ctx, tx, senderID, resolvedID, resolved)
		if err != nil {
			return err
		}
		if sender == nil {
			return ErrSenderNotFound
		}
		if !resolved || recv == nil {
			return ErrReceiverNotFound
		}

		if sender.Balance < cents {
			return ErrInsufficientFunds
		}

		if err := tx.ApplyDelta(ctx, sender.ID, -cents); err != nil {
			return err
		}
		if err := tx.ApplyDelta(ctx, recv.ID, cents); err != nil {
			return err
		}

		entry, err := tx.AppendAudit(ctx, audit.Record{
			SenderID:   senderID,
			ReceiverID: &recv.ID,
			Amount:     cents,
			Status:     models.StatusSuccess,
		})
		if err != nil {
			return err
		}

		receipt = &models.TransferReceipt{
			ReceiverID:    recv.ID,
			ReceiverEmail: recv.Email,
			Amount:        cents,
			AuditEntryID:  entry.ID,
		}
		return nil
	})
	if txErr == nil {
		return receipt, nil
	}

	kind, reason := e.classify(txErr)
	e.appendFailure(ctx, senderID, receiverID, cents, reason)
	return nil, kind
}

// resolveReceiver maps the receiver reference to an account id with a
// non-locking read. A by-id reference resolves to itself; existence is
// settled later, under the lock.
func resolveReceiver(ctx context.Context, tx store.Tx, receiver models.ReceiverRef) (int64, bool, error) {
	if id, byID := receiver.AccountID(); byID {
		return id, true, nil
	}
	email, _ := receiver.Email()
	id, err := tx.ResolveEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// lockPair acquires both row locks in ascending-id order, independent of
// transfer direction. Role-ordered (sender-first) locking deadlocks when two
// transfers move funds in opposite directions between the same pair; the
// canonical order breaks that cycle. A missing row is tolerated here so the
// caller can report sender-absence ahead of receiver-absence.
func lockPair(ctx context.Context, tx store.Tx, senderID, receiverID int64, haveReceiver bool) (sender, receiver *models.Account, err error) {
	order := []int64{senderID}
	if haveReceiver && receiverID != senderID {
		if receiverID < senderID {
			order = []int64{receiverID, senderID}
		} else {
			order = []int64{senderID, receiverID}
		}
	}

	for _, id := range order {
		acc, lockErr := tx.LockAccount(ctx, id)
		if errors.Is(lockErr, store.ErrNotFound) {
			continue
		}
		if lockErr != nil {
			return nil, nil, lockErr
		}
		if id == senderID {
			sender = acc
		} else {
			receiver = acc
		}
	}
	return sender, receiver, nil
}

// classify splits an engine error into the kind returned to the caller and
// the reason recorded in the audit trail.
func (e *TransferEngine) classify(err error) (error, string) {
	switch {
	case errors.Is(err, ErrSelfTransfer),
		errors.Is(err, ErrSenderNotFound),
		errors.Is(err, ErrReceiverNotFound),
		errors.Is(err, ErrInsufficientFunds):
		return err, err.Error()
	case errors.Is(err, store.ErrLockTimeout):
		return ErrLockTimeout, ErrLockTimeout.Error()
	default:
		e.log.Error("transfer aborted by system fault", zap.Error(err))
		return ErrTransferFailed, reasonInternal
	}
}

// appendFailure records a FAILED entry in its own transaction, independent of
// the rolled-back transfer. A failure here is logged but never masks the
// original rejection.
func (e *TransferEngine) appendFailure(ctx context.Context, senderID int64, receiverID *int64, cents int64, reason string) {
	err := e.store.ExecTx(ctx, func(tx store.Tx) error {
		_, appendErr := tx.AppendAudit(ctx, audit.Record{
			SenderID:   senderID,
			ReceiverID: receiverID,
			Amount:     cents,
			Status:     models.StatusFailed,
			Reason:     reason,
		})
		return appendErr
	})
	if err != nil {
		e.log.Error("failed to append audit entry for rejected transfer",
			zap.Int64("sender_id", senderID), zap.String("reason", reason), zap.Error(err))
	}
}

// toCents converts a boundary decimal to minor units. Amounts with more than
// two fraction digits, or whose cent value does not fit in int64, are not
// representable; for those the recorded amount is the scaled value when it is
// a representable (negative or zero) integer, else zero.
func toCents(amount decimal.Decimal) (int64, bool) {
	scaled := amount.Mul(decimal.NewFromInt(100))
	if !scaled.IsInteger() || !scaled.BigInt().IsInt64() {
		return 0, false
	}
	return scaled.IntPart(), true
}
