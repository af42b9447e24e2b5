/*
ledger.go - Append-only commission ledger entries

PURPOSE:
  The ledger is the audit trail of every balance mutation. Referrer balances
  are stored denormalized for locking and fast reads, but each change to them
  is mirrored by exactly one entry per pool delta, carrying the pool value
  before and after the change.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. ONE ENTRY PER DELTA: a transition with two deltas writes two entries
  3. SNAPSHOTS MATCH: BalanceBefore/BalanceAfter equal the referrer's pool
     values around the change, in application order

CORRECTIONS:
  Reversals (a sale un-converted, a response retracted) never edit earlier
  entries. They append debit/escrow entries that move the money back.

ENTRY KINDS:
  escrow:  blocked pool grows (commission reserved)
  release: blocked pool shrinks (reserve released or forfeited)
  credit:  available or lost pool grows
  debit:   available or lost pool shrinks

SEE ALSO:
  - balance.go: Produces the PoolSteps entries are built from
  - store.go: AppendEntries, the only write for entries
*/
package generic

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ENTRY KIND
// =============================================================================

type EntryKind string

const (
	EntryEscrow  EntryKind = "escrow"
	EntryRelease EntryKind = "release"
	EntryCredit  EntryKind = "credit"
	EntryDebit   EntryKind = "debit"
)

// KindFor maps a pool delta to its entry kind.
func KindFor(d Delta) EntryKind {
	if d.Pool == PoolBlocked {
		if d.Amount.IsNegative() {
			return EntryRelease
		}
		return EntryEscrow
	}
	if d.Amount.IsNegative() {
		return EntryDebit
	}
	return EntryCredit
}

// =============================================================================
// LEDGER ENTRY - "transacao"
// =============================================================================

// LedgerEntry is write-once. Amount is the magnitude of the change; the
// direction is given by Kind (and by BalanceAfter vs BalanceBefore).
type LedgerEntry struct {
	ID            EntryID
	ReferrerID    ReferrerID
	ReferralID    ReferralID
	Kind          EntryKind
	Pool          Pool
	Amount        Amount
	BalanceBefore Amount
	BalanceAfter  Amount
	Description   string
	EventID       string
	CreatedAt     time.Time
}

// EntriesFromSteps builds one ledger entry per pool step.
func EntriesFromSteps(referrerID ReferrerID, referralID ReferralID, steps []PoolStep, description, eventID string, at time.Time) []LedgerEntry {
	entries := make([]LedgerEntry, 0, len(steps))
	for _, s := range steps {
		entries = append(entries, LedgerEntry{
			ID:            EntryID(uuid.NewString()),
			ReferrerID:    referrerID,
			ReferralID:    referralID,
			Kind:          KindFor(s.Delta),
			Pool:          s.Delta.Pool,
			Amount:        s.Delta.Amount.Abs(),
			BalanceBefore: s.Before,
			BalanceAfter:  s.After,
			Description:   description,
			EventID:       eventID,
			CreatedAt:     at,
		})
	}
	return entries
}

// SignedAmount returns the entry amount with the sign of its effect on Pool.
func (e LedgerEntry) SignedAmount() Amount {
	if e.BalanceAfter.LessThan(e.BalanceBefore) {
		return e.Amount.Neg()
	}
	return e.Amount
}
