/*
ledger.go - Balance ledger for referral transitions

PURPOSE:
  Applies a state machine Outcome to a locked referrer: pool deltas, counter
  deltas, the referral's new status and commission fields, and one ledger
  entry per delta. Everything here runs inside the caller's store
  transaction; nothing is written if any step fails.

STEPS (all in one transaction):
  1. Referrer row already locked by the caller (LockReferrer)
  2. Validate no pool goes negative (InsufficientBalanceError otherwise)
  3. Apply deltas to the pools
  4. Update the referral (status, granted amounts, timestamps, version)
  5. Append one entry per delta with before/after of the affected pool
  6. Return new balances, counters and the entries

COUNTER CLAMPS:
  Counters are floored at zero. A clamp means the transition ran from a state
  the table cannot reach, so every clamp is logged at warn level and counted.
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/metrics"
)

// LedgerResult is what one ledger application produced.
type LedgerResult struct {
	Referrer generic.Referrer
	Referral generic.Referral
	Entries  []generic.LedgerEntry
	Clamps   []generic.Clamp
}

// Ledger applies outcomes. It holds no state of its own.
type Ledger struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewLedger(logger *zap.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{logger: logger, metrics: m, now: func() time.Time { return time.Now().UTC() }}
}

// Apply commits out for ref against referrer, which the caller must have
// obtained through st.LockReferrer in the same transaction.
func (l *Ledger) Apply(ctx context.Context, st generic.Store, referrer generic.Referrer, ref generic.Referral, out Outcome, lead LeadStatus, eventID string) (*LedgerResult, error) {
	if out.NoOp {
		return nil, errors.New("ledger: cannot apply a no-op outcome")
	}
	if referrer.ID != ref.ReferrerID {
		return nil, &generic.InconsistentStateError{ReferralID: ref.ID, Reason: fmt.Sprintf("locked referrer %q does not own referral", referrer.ID)}
	}

	now := l.now()

	balances, steps, err := referrer.Balances.Apply(out.Deltas)
	if err != nil {
		var ib *generic.InsufficientBalanceError
		if errors.As(err, &ib) {
			ib.ReferrerID = referrer.ID
		}
		return nil, err
	}

	counters, clamps := referrer.Counters.Apply(out.Counters)
	l.reportClamps(referrer.ID, ref.ID, clamps)

	referrer.Balances = balances
	referrer.Counters = counters
	referrer.UpdatedAt = now

	prevVersion := ref.Version
	ref = settle(ref, out, now)
	ref.LastLeadStatus = string(lead)

	entries := generic.EntriesFromSteps(referrer.ID, ref.ID, steps, out.Description, eventID, now)

	if err := st.UpdateReferrer(ctx, referrer); err != nil {
		return nil, fmt.Errorf("update referrer: %w", err)
	}
	if err := st.UpdateReferral(ctx, ref, prevVersion); err != nil {
		return nil, fmt.Errorf("update referral: %w", err)
	}
	if len(entries) > 0 {
		if err := st.AppendEntries(ctx, entries); err != nil {
			return nil, fmt.Errorf("append ledger entries: %w", err)
		}
	}

	return &LedgerResult{Referrer: referrer, Referral: ref, Entries: entries, Clamps: clamps}, nil
}

// OpenEscrow creates ref in status submitted and moves escrow into the
// referrer's blocked pool. referrer must be locked in st's transaction.
func (l *Ledger) OpenEscrow(ctx context.Context, st generic.Store, referrer generic.Referrer, leadID generic.LeadID, lead LeadStatus, escrow generic.Amount) (*LedgerResult, error) {
	if escrow.IsNegative() {
		return nil, fmt.Errorf("%w: escrow %s", generic.ErrInvalidAmount, escrow)
	}
	now := l.now()

	ref := generic.Referral{
		ID:                 generic.ReferralID(uuid.NewString()),
		ReferrerID:         referrer.ID,
		LeadID:             leadID,
		Status:             generic.StatusSubmitted,
		EscrowAmount:       escrow,
		CommissionResponse: escrow.Zero(),
		CommissionSale:     escrow.Zero(),
		LastLeadStatus:     string(lead),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	var deltas []generic.Delta
	if !escrow.IsZero() {
		deltas = append(deltas, generic.Delta{Pool: generic.PoolBlocked, Amount: escrow})
	}
	balances, steps, err := referrer.Balances.Apply(deltas)
	if err != nil {
		return nil, err
	}
	counters, clamps := referrer.Counters.Apply(createdCounters)

	referrer.Balances = balances
	referrer.Counters = counters
	referrer.UpdatedAt = now

	if err := st.CreateReferral(ctx, ref); err != nil {
		return nil, err
	}
	if err := st.UpdateReferrer(ctx, referrer); err != nil {
		return nil, fmt.Errorf("update referrer: %w", err)
	}

	entries := generic.EntriesFromSteps(referrer.ID, ref.ID, steps, "referral created: response commission escrowed", "", now)
	if len(entries) > 0 {
		if err := st.AppendEntries(ctx, entries); err != nil {
			return nil, fmt.Errorf("append ledger entries: %w", err)
		}
	}

	l.metrics.Escrow()
	return &LedgerResult{Referrer: referrer, Referral: ref, Entries: entries, Clamps: clamps}, nil
}

func (l *Ledger) reportClamps(referrerID generic.ReferrerID, referralID generic.ReferralID, clamps []generic.Clamp) {
	for _, c := range clamps {
		l.logger.Warn("gamification counter clamped at zero",
			zap.String("referrer_id", string(referrerID)),
			zap.String("referral_id", string(referralID)),
			zap.String("counter", c.Counter),
			zap.Int64("wanted", c.Wanted),
		)
		l.metrics.Clamp(c.Counter)
	}
}

// settle updates the referral's status and commission bookkeeping for out.
func settle(ref generic.Referral, out Outcome, now time.Time) generic.Referral {
	zero := out.Response.Zero()

	switch {
	case out.From == generic.StatusSubmitted && out.To == generic.StatusResponded:
		ref.CommissionResponse = out.Response
		ref.EscrowAmount = zero
		ref.RespondedAt = &now

	case out.From == generic.StatusSubmitted && out.To == generic.StatusConverted:
		ref.CommissionResponse = out.Response
		ref.CommissionSale = out.Sale
		ref.EscrowAmount = zero
		ref.RespondedAt = &now
		ref.ConvertedAt = &now

	case out.From == generic.StatusResponded && out.To == generic.StatusConverted:
		ref.CommissionSale = out.Sale
		ref.ConvertedAt = &now

	case out.From == generic.StatusConverted && out.To == generic.StatusResponded:
		ref.CommissionSale = zero
		ref.ConvertedAt = nil

	case out.To == generic.StatusSubmitted:
		ref.EscrowAmount = out.Response
		ref.CommissionResponse = zero
		ref.CommissionSale = zero
		ref.RespondedAt = nil
		ref.ConvertedAt = nil

	case out.To == generic.StatusLost:
		ref.LostAt = &now
	}

	ref.Status = out.To
	ref.Version++
	ref.UpdatedAt = now
	return ref
}
