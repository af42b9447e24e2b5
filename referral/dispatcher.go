/*
dispatcher.go - Entry point for lead status changes

PURPOSE:
  Reacts to "leadStatusChanged": finds the referral tied to the lead, runs the
  state machine and commits the result through the ledger, then publishes
  "referrerBalanceChanged".

REQUEST FLOW:
  1. Look up the referral by lead (none: skip, not an error)
  2. Take the in-process lock for the referral's referrer
  3. Read commission rates
  4. Open a store transaction
       re-read referral, lock referrer row, reject duplicate/stale events,
       Decide, Ledger.Apply
  5. Commit, then publish (best effort)

ORDERING:
  Two dispatches for the same referrer never overlap: the keyed mutex orders
  them inside this process and the store's row lock orders them across
  processes. Different referrers run in parallel.

RETRIES:
  ErrConcurrencyConflict (SQLite busy, Postgres serialization failure or
  deadlock) retries the whole dispatch with linear backoff. The state machine
  makes the retry safe: an already applied change is a no-op.
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/logging"
	"github.com/warp/commission-engine/metrics"
)

// Publisher receives balance change notifications. Delivery is best effort.
type Publisher interface {
	Publish(ev generic.BalanceChanged)
}

// Dispatcher owns the per-referrer ordering and the transaction boundary.
type Dispatcher struct {
	store     generic.TxStore
	rates     generic.RatesProvider
	ledger    *Ledger
	publisher Publisher
	locks     *keyedMutex
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	maxAttempts int
	backoff     time.Duration
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.logger = logging.OrNop(l) } }

func WithPublisher(p Publisher) Option { return func(d *Dispatcher) { d.publisher = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithRetry sets how many times a conflicting dispatch is attempted and the
// base delay between attempts.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		d.backoff = backoff
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func NewDispatcher(store generic.TxStore, rates generic.RatesProvider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		rates:       rates,
		locks:       newKeyedMutex(),
		logger:      zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: 5,
		backoff:     20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ledger = NewLedger(d.logger, d.metrics)
	d.ledger.now = d.now
	return d
}

// =============================================================================
// REFERRERS AND REFERRALS
// =============================================================================

// CreateReferrer registers a referrer with empty balances.
func (d *Dispatcher) CreateReferrer(ctx context.Context, id generic.ReferrerID, name string) (*generic.Referrer, error) {
	now := d.now()
	r := generic.Referrer{
		ID:        id,
		Name:      name,
		Balances:  generic.ZeroBalances(generic.CurrencyBRL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.CreateReferrer(ctx, r); err != nil {
		return nil, err
	}
	d.logger.Info("referrer created", zap.String("referrer_id", string(id)))
	return &r, nil
}

// CreateReferral links leadID to referrerID and escrows the current response
// commission, atomically. lead is the lead's stage at creation.
func (d *Dispatcher) CreateReferral(ctx context.Context, referrerID generic.ReferrerID, leadID generic.LeadID, lead LeadStatus) (*LedgerResult, error) {
	if lead == "" {
		lead = LeadNew
	}

	unlock := d.locks.Lock(string(referrerID))
	defer unlock()

	var result *LedgerResult
	err := d.retry(ctx, func() error {
		rates, err := d.rates.Rates(ctx)
		if err != nil {
			return fmt.Errorf("read commission rates: %w", err)
		}
		return d.store.WithTx(ctx, func(tx generic.Store) error {
			referrer, err := tx.LockReferrer(ctx, referrerID)
			if err != nil {
				return err
			}
			result, err = d.ledger.OpenEscrow(ctx, tx, *referrer, leadID, lead, rates.Response)
			return err
		})
	})
	if err != nil {
		d.logger.Error("create referral failed",
			zap.String("referrer_id", string(referrerID)),
			zap.String("lead_id", string(leadID)),
			zap.Error(err),
		)
		return nil, err
	}

	d.logger.Info("referral created",
		zap.String("referral_id", string(result.Referral.ID)),
		zap.String("referrer_id", string(referrerID)),
		zap.String("lead_id", string(leadID)),
		zap.String("escrow", result.Referral.EscrowAmount.String()),
	)
	d.publish(result.Referrer)
	return result, nil
}

// =============================================================================
// LEAD STATUS CHANGES
// =============================================================================

// OnLeadStatusChanged applies the commission consequences of ev. A lead
// without a referral yields a skipped Result and no error.
func (d *Dispatcher) OnLeadStatusChanged(ctx context.Context, ev LeadStatusChanged) (*Result, error) {
	log := d.logger.With(
		zap.String("lead_id", string(ev.LeadID)),
		zap.String("new_status", string(ev.NewStatus)),
		zap.String("event_id", ev.EventID),
	)

	ref, err := d.store.GetReferralByLead(ctx, ev.LeadID)
	if errors.Is(err, generic.ErrNoReferralAssociation) {
		log.Debug("lead has no referral, skipping")
		d.metrics.NoOp(SkipNoReferral)
		return &Result{Skipped: SkipNoReferral}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load referral for lead %q: %w", ev.LeadID, err)
	}

	unlock := d.locks.Lock(string(ref.ReferrerID))
	defer unlock()

	var result *Result
	err = d.retry(ctx, func() error {
		var err error
		result, err = d.dispatchOnce(ctx, ev, ref.ReferrerID, ref.ID)
		return err
	})
	if err != nil {
		d.metrics.Failure()
		log.Error("commission dispatch failed", zap.String("referral_id", string(ref.ID)), zap.Error(err))
		return nil, err
	}

	if !result.Applied {
		d.metrics.NoOp(result.Skipped)
		log.Debug("lead status change did not move commission",
			zap.String("referral_id", string(ref.ID)),
			zap.String("reason", result.Skipped),
		)
		return result, nil
	}

	d.metrics.Transition(string(result.Outcome.From), string(result.Outcome.To))
	log.Info("referral transition applied",
		zap.String("referral_id", string(ref.ID)),
		zap.String("from", string(result.Outcome.From)),
		zap.String("to", string(result.Outcome.To)),
		zap.Int("entries", len(result.Ledger.Entries)),
	)
	d.publish(result.Ledger.Referrer)
	return result, nil
}

// dispatchOnce locks the referrer row before reading the referral. Under READ
// COMMITTED a referral read taken before the lock can predate a transition
// another instance committed while this one waited.
func (d *Dispatcher) dispatchOnce(ctx context.Context, ev LeadStatusChanged, referrerID generic.ReferrerID, referralID generic.ReferralID) (*Result, error) {
	rates, err := d.rates.Rates(ctx)
	if err != nil {
		return nil, fmt.Errorf("read commission rates: %w", err)
	}

	var result *Result
	err = d.store.WithTx(ctx, func(tx generic.Store) error {
		referrer, err := tx.LockReferrer(ctx, referrerID)
		if errors.Is(err, generic.ErrReferrerNotFound) {
			return &generic.InconsistentStateError{ReferralID: referralID, Reason: fmt.Sprintf("referrer %q missing", referrerID)}
		}
		if err != nil {
			return err
		}

		ref, err := tx.GetReferral(ctx, referralID)
		if err != nil {
			return err
		}
		if ref.ReferrerID != referrerID {
			return &generic.InconsistentStateError{ReferralID: ref.ID, Reason: fmt.Sprintf("referral moved from referrer %q to %q", referrerID, ref.ReferrerID)}
		}

		if ev.EventID != "" {
			seen, err := tx.EventApplied(ctx, ev.EventID)
			if err != nil {
				return err
			}
			if seen {
				result = &Result{Skipped: SkipDuplicate, Outcome: Outcome{NoOp: true, From: ref.Status}}
				return nil
			}
		}
		if ev.ExpectedVersion != nil && *ev.ExpectedVersion != ref.Version {
			result = &Result{Skipped: SkipStale, Outcome: Outcome{NoOp: true, From: ref.Status}}
			return nil
		}

		r, s := commissionsFor(*ref, rates)
		out, err := Decide(ref.Status, LeadStatus(ref.LastLeadStatus), ev.NewStatus, r, s)
		if err != nil {
			return &generic.InconsistentStateError{ReferralID: ref.ID, Reason: err.Error()}
		}

		if out.NoOp {
			if ref.LastLeadStatus != string(ev.NewStatus) {
				ref.LastLeadStatus = string(ev.NewStatus)
				ref.UpdatedAt = d.now()
				if err := tx.UpdateReferral(ctx, *ref, ref.Version); err != nil {
					return fmt.Errorf("update referral: %w", err)
				}
			}
			result = &Result{Skipped: SkipNoRule, Outcome: out}
			return nil
		}

		lr, err := d.ledger.Apply(ctx, tx, *referrer, *ref, out, ev.NewStatus, ev.EventID)
		if err != nil {
			return err
		}
		result = &Result{Applied: true, Outcome: out, Ledger: lr}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (d *Dispatcher) retry(ctx context.Context, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !generic.IsRetryable(err) || attempt >= d.maxAttempts {
			return err
		}

		d.metrics.Retry()
		d.logger.Warn("concurrency conflict, retrying", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(d.backoff * time.Duration(attempt)):
		}
	}
}

func (d *Dispatcher) publish(r generic.Referrer) {
	if d.publisher == nil {
		return
	}
	d.publisher.Publish(generic.BalanceChanged{
		ReferrerID: r.ID,
		Balances:   r.Balances,
		Counters:   r.Counters,
		At:         d.now(),
	})
}
