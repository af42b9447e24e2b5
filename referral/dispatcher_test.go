package referral_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/generic/store"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var defaultRates = generic.Rates{Response: generic.BRL(2), Sale: generic.BRL(15)}

type recordingPublisher struct {
	mu     sync.Mutex
	events []generic.BalanceChanged
}

func (p *recordingPublisher) Publish(ev generic.BalanceChanged) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) all() []generic.BalanceChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]generic.BalanceChanged{}, p.events...)
}

type fixture struct {
	store      generic.TxStore
	dispatcher *referral.Dispatcher
	publisher  *recordingPublisher
	logs       *observer.ObservedLogs
}

func newFixture(t *testing.T, st generic.TxStore, rates generic.RatesProvider, opts ...referral.Option) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	pub := &recordingPublisher{}
	opts = append([]referral.Option{
		referral.WithLogger(zap.New(core)),
		referral.WithPublisher(pub),
		referral.WithRetry(5, time.Millisecond),
	}, opts...)
	return &fixture{
		store:      st,
		dispatcher: referral.NewDispatcher(st, rates, opts...),
		publisher:  pub,
		logs:       logs,
	}
}

func newMemoryFixture(t *testing.T) *fixture {
	return newFixture(t, store.NewMemory(), config.StaticRates(defaultRates))
}

func newSQLiteFixture(t *testing.T) *fixture {
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return newFixture(t, st, config.StaticRates(defaultRates))
}

// setup creates referrer usr-1 and a referral for lead-1.
func (f *fixture) setup(t *testing.T) generic.ReferralID {
	t.Helper()
	ctx := context.Background()
	_, err := f.dispatcher.CreateReferrer(ctx, "usr-1", "Ana")
	require.NoError(t, err)
	res, err := f.dispatcher.CreateReferral(ctx, "usr-1", "lead-1", "")
	require.NoError(t, err)
	return res.Referral.ID
}

func (f *fixture) move(t *testing.T, lead generic.LeadID, status referral.LeadStatus) *referral.Result {
	t.Helper()
	res, err := f.dispatcher.OnLeadStatusChanged(context.Background(), referral.LeadStatusChanged{LeadID: lead, NewStatus: status})
	require.NoError(t, err)
	return res
}

func (f *fixture) referrer(t *testing.T) generic.Referrer {
	t.Helper()
	r, err := f.store.GetReferrer(context.Background(), "usr-1")
	require.NoError(t, err)
	return *r
}

func (f *fixture) referral(t *testing.T, id generic.ReferralID) generic.Referral {
	t.Helper()
	r, err := f.store.GetReferral(context.Background(), id)
	require.NoError(t, err)
	return *r
}

func assertPools(t *testing.T, r generic.Referrer, available, blocked, lost string) {
	t.Helper()
	assert.Equal(t, available, r.Balances.Available.String(), "available")
	assert.Equal(t, blocked, r.Balances.Blocked.String(), "blocked")
	assert.Equal(t, lost, r.Balances.Lost.String(), "lost")
}

// assertLedgerMatches checks that replaying the ledger reproduces the pools.
func assertLedgerMatches(t *testing.T, f *fixture) {
	t.Helper()
	entries, err := f.store.Entries(context.Background(), "usr-1")
	require.NoError(t, err)

	sums := map[generic.Pool]generic.Amount{
		generic.PoolAvailable: generic.ZeroBRL(),
		generic.PoolBlocked:   generic.ZeroBRL(),
		generic.PoolLost:      generic.ZeroBRL(),
	}
	for _, e := range entries {
		sums[e.Pool] = sums[e.Pool].Add(e.SignedAmount())
		assert.True(t, e.BalanceAfter.Sub(e.BalanceBefore).Equal(e.SignedAmount()), "entry %s before/after mismatch", e.ID)
	}

	r := f.referrer(t)
	assert.Equal(t, r.Balances.Available.String(), sums[generic.PoolAvailable].String(), "ledger available")
	assert.Equal(t, r.Balances.Blocked.String(), sums[generic.PoolBlocked].String(), "ledger blocked")
	assert.Equal(t, r.Balances.Lost.String(), sums[generic.PoolLost].String(), "ledger lost")
}

// =============================================================================
// SCENARIOS (R = 2.00, S = 15.00)
// =============================================================================

func TestDispatcher_Lifecycle_ForwardAndReset(t *testing.T) {
	for name, mk := range map[string]func(*testing.T) *fixture{
		"memory": newMemoryFixture,
		"sqlite": newSQLiteFixture,
	} {
		t.Run(name, func(t *testing.T) {
			f := mk(t)
			id := f.setup(t)

			// 1. Referral created
			r := f.referrer(t)
			assertPools(t, r, "0.00", "2.00", "0.00")
			assert.Equal(t, int64(1), r.Counters.ReferralsTotal)
			assert.Equal(t, generic.StatusSubmitted, f.referral(t, id).Status)

			// 2. Lead -> first contact
			res := f.move(t, "lead-1", referral.LeadFirstContact)
			assert.True(t, res.Applied)
			r = f.referrer(t)
			assertPools(t, r, "2.00", "0.00", "0.00")
			assert.Equal(t, int64(1), r.Counters.ReferralsResponded)
			ref := f.referral(t, id)
			assert.Equal(t, generic.StatusResponded, ref.Status)
			assert.Equal(t, "2.00", ref.CommissionResponse.String())
			assert.NotNil(t, ref.RespondedAt)

			// 3. Lead -> converted
			f.move(t, "lead-1", referral.LeadConverted)
			r = f.referrer(t)
			assertPools(t, r, "17.00", "0.00", "0.00")
			assert.Equal(t, int64(1), r.Counters.ReferralsConverted)
			assert.Equal(t, int64(1), r.Counters.SalesTowardNextBox)
			ref = f.referral(t, id)
			assert.Equal(t, generic.StatusConverted, ref.Status)
			assert.Equal(t, "15.00", ref.CommissionSale.String())

			// 4. Lead reverted to new
			f.move(t, "lead-1", referral.LeadNew)
			r = f.referrer(t)
			assertPools(t, r, "0.00", "2.00", "0.00")
			assert.Equal(t, generic.Counters{ReferralsTotal: 1}, r.Counters)
			ref = f.referral(t, id)
			assert.Equal(t, generic.StatusSubmitted, ref.Status)
			assert.Equal(t, "2.00", ref.EscrowAmount.String())
			assert.Nil(t, ref.ConvertedAt)
			assert.Equal(t, int64(3), ref.Version)

			assertLedgerMatches(t, f)
		})
	}
}

func TestDispatcher_SubmittedStraightToConverted(t *testing.T) {
	// Scenario 5
	f := newSQLiteFixture(t)
	id := f.setup(t)

	f.move(t, "lead-1", referral.LeadConverted)

	r := f.referrer(t)
	assertPools(t, r, "17.00", "0.00", "0.00")
	assert.Equal(t, int64(1), r.Counters.ReferralsResponded)
	assert.Equal(t, int64(1), r.Counters.ReferralsConverted)
	assert.Equal(t, generic.StatusConverted, f.referral(t, id).Status)
	assertLedgerMatches(t, f)
}

func TestDispatcher_Lost(t *testing.T) {
	// Scenario 6
	f := newSQLiteFixture(t)
	id := f.setup(t)

	f.move(t, "lead-1", referral.LeadLost)

	assertPools(t, f.referrer(t), "0.00", "0.00", "2.00")
	ref := f.referral(t, id)
	assert.Equal(t, generic.StatusLost, ref.Status)
	assert.NotNil(t, ref.LostAt)

	// Lost is terminal.
	res := f.move(t, "lead-1", referral.LeadFirstContact)
	assert.False(t, res.Applied)
	assert.Equal(t, referral.SkipNoRule, res.Skipped)
	assertPools(t, f.referrer(t), "0.00", "0.00", "2.00")
	assertLedgerMatches(t, f)
}

// =============================================================================
// NO-OPS AND IDEMPOTENCE
// =============================================================================

func TestDispatcher_LeadWithoutReferral_Skipped(t *testing.T) {
	f := newMemoryFixture(t)
	f.setup(t)

	res := f.move(t, "lead-manual", referral.LeadConverted)

	assert.False(t, res.Applied)
	assert.Equal(t, referral.SkipNoReferral, res.Skipped)
	assertPools(t, f.referrer(t), "0.00", "2.00", "0.00")
}

func TestDispatcher_RepeatedStatus_IsNoOp(t *testing.T) {
	// GIVEN: the lead already moved to first contact
	// WHEN: the same change is delivered again
	// THEN: nothing moves and no event is published for it

	f := newMemoryFixture(t)
	f.setup(t)
	f.move(t, "lead-1", referral.LeadFirstContact)
	published := len(f.publisher.all())

	res := f.move(t, "lead-1", referral.LeadFirstContact)

	assert.False(t, res.Applied)
	assert.Equal(t, referral.SkipNoRule, res.Skipped)
	assertPools(t, f.referrer(t), "2.00", "0.00", "0.00")
	assert.Len(t, f.publisher.all(), published)
}

func TestDispatcher_CreatedAtFirstContact_StillResponds(t *testing.T) {
	// GIVEN: a referral created while its lead was already at first contact
	// WHEN: the CRM reports first contact
	// THEN: the response commission is released like for any submitted referral

	f := newMemoryFixture(t)
	ctx := context.Background()
	_, err := f.dispatcher.CreateReferrer(ctx, "usr-1", "Ana")
	require.NoError(t, err)
	created, err := f.dispatcher.CreateReferral(ctx, "usr-1", "lead-1", referral.LeadFirstContact)
	require.NoError(t, err)
	assert.Equal(t, string(referral.LeadFirstContact), created.Referral.LastLeadStatus)

	res := f.move(t, "lead-1", referral.LeadFirstContact)

	assert.True(t, res.Applied)
	assert.Equal(t, generic.StatusResponded, res.Outcome.To)
	assertPools(t, f.referrer(t), "2.00", "0.00", "0.00")
	assertLedgerMatches(t, f)
}

func TestDispatcher_NoOp_RecordsLastLeadStatus(t *testing.T) {
	f := newMemoryFixture(t)
	id := f.setup(t)
	f.move(t, "lead-1", referral.LeadFirstContact)

	f.move(t, "lead-1", referral.LeadProposalSent)

	ref := f.referral(t, id)
	assert.Equal(t, string(referral.LeadProposalSent), ref.LastLeadStatus)
	assert.Equal(t, int64(1), ref.Version, "no-op does not bump the version")
}

func TestDispatcher_DuplicateEventID_Skipped(t *testing.T) {
	f := newSQLiteFixture(t)
	f.setup(t)
	ctx := context.Background()

	ev := referral.LeadStatusChanged{LeadID: "lead-1", NewStatus: referral.LeadFirstContact, EventID: "evt-1"}
	res, err := f.dispatcher.OnLeadStatusChanged(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	// The lead went back to new meanwhile; a redelivered evt-1 must not respond again.
	f.move(t, "lead-1", referral.LeadNew)
	res, err = f.dispatcher.OnLeadStatusChanged(ctx, ev)
	require.NoError(t, err)

	assert.False(t, res.Applied)
	assert.Equal(t, referral.SkipDuplicate, res.Skipped)
	assertPools(t, f.referrer(t), "0.00", "2.00", "0.00")
}

func TestDispatcher_StaleVersion_Skipped(t *testing.T) {
	f := newMemoryFixture(t)
	f.setup(t)
	ctx := context.Background()

	zero := int64(0)
	res, err := f.dispatcher.OnLeadStatusChanged(ctx, referral.LeadStatusChanged{
		LeadID: "lead-1", NewStatus: referral.LeadFirstContact, ExpectedVersion: &zero,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	// Version is now 1; an event computed against version 0 is stale.
	res, err = f.dispatcher.OnLeadStatusChanged(ctx, referral.LeadStatusChanged{
		LeadID: "lead-1", NewStatus: referral.LeadConverted, ExpectedVersion: &zero,
	})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, referral.SkipStale, res.Skipped)
	assertPools(t, f.referrer(t), "2.00", "0.00", "0.00")
}

// =============================================================================
// FAILURES
// =============================================================================

func TestDispatcher_MissingReferrer_IsInconsistent(t *testing.T) {
	st := store.NewMemory()
	f := newFixture(t, st, config.StaticRates(defaultRates))
	ctx := context.Background()

	require.NoError(t, st.CreateReferral(ctx, generic.Referral{
		ID: "ref-orphan", ReferrerID: "ghost", LeadID: "lead-9",
		Status: generic.StatusSubmitted, EscrowAmount: generic.BRL(2),
	}))

	_, err := f.dispatcher.OnLeadStatusChanged(ctx, referral.LeadStatusChanged{LeadID: "lead-9", NewStatus: referral.LeadFirstContact})

	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrInconsistentReferralState))
}

func TestDispatcher_InsufficientBalance_RollsBack(t *testing.T) {
	// GIVEN: a converted referral whose available balance was paid out
	// WHEN: the sale is reverted
	// THEN: the dispatch fails and nothing changes

	f := newSQLiteFixture(t)
	id := f.setup(t)
	ctx := context.Background()
	f.move(t, "lead-1", referral.LeadConverted)

	r := f.referrer(t)
	r.Balances.Available = generic.BRL(5)
	require.NoError(t, f.store.UpdateReferrer(ctx, r))
	before, err := f.store.Entries(ctx, "usr-1")
	require.NoError(t, err)

	_, err = f.dispatcher.OnLeadStatusChanged(ctx, referral.LeadStatusChanged{LeadID: "lead-1", NewStatus: referral.LeadNew})

	require.Error(t, err)
	var ib *generic.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, generic.ReferrerID("usr-1"), ib.ReferrerID)
	assert.Equal(t, "12.00", ib.Shortfall.String())

	assertPools(t, f.referrer(t), "5.00", "0.00", "0.00")
	assert.Equal(t, generic.StatusConverted, f.referral(t, id).Status)
	after, err := f.store.Entries(ctx, "usr-1")
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestDispatcher_CounterClamp_IsLogged(t *testing.T) {
	f := newMemoryFixture(t)
	f.setup(t)
	ctx := context.Background()
	f.move(t, "lead-1", referral.LeadConverted)

	r := f.referrer(t)
	r.Counters = generic.Counters{ReferralsTotal: 1}
	require.NoError(t, f.store.UpdateReferrer(ctx, r))

	res := f.move(t, "lead-1", referral.LeadNew)

	require.True(t, res.Applied)
	assert.Len(t, res.Ledger.Clamps, 3)
	assert.Equal(t, generic.Counters{ReferralsTotal: 1}, f.referrer(t).Counters)
	clamped := f.logs.FilterMessage("gamification counter clamped at zero")
	assert.Equal(t, 3, clamped.Len())
	for _, entry := range clamped.All() {
		assert.Equal(t, zapcore.WarnLevel, entry.Level)
	}
}

func TestDispatcher_UnknownReferrer_CreateReferral(t *testing.T) {
	f := newMemoryFixture(t)
	_, err := f.dispatcher.CreateReferral(context.Background(), "nobody", "lead-1", "")
	assert.ErrorIs(t, err, generic.ErrReferrerNotFound)
}

func TestDispatcher_DuplicateReferral(t *testing.T) {
	f := newSQLiteFixture(t)
	f.setup(t)

	_, err := f.dispatcher.CreateReferral(context.Background(), "usr-1", "lead-1", "")

	assert.ErrorIs(t, err, generic.ErrDuplicateReferral)
	assertPools(t, f.referrer(t), "0.00", "2.00", "0.00")
	assert.Equal(t, int64(1), f.referrer(t).Counters.ReferralsTotal)
}

// =============================================================================
// RATES
// =============================================================================

func TestDispatcher_RateChange_KeepsEscrow(t *testing.T) {
	// GIVEN: a referral escrowed at 2.00
	// WHEN: the response rate changes to 3.00 before the lead is contacted
	// THEN: the escrowed 2.00 is what gets released

	mem := store.NewMemory()
	rates := config.NewSettingsRates(mem, defaultRates)
	f := newFixture(t, mem, rates)
	f.setup(t)
	ctx := context.Background()

	require.NoError(t, rates.Update(ctx, generic.Rates{Response: generic.BRL(3), Sale: generic.BRL(20)}))
	f.move(t, "lead-1", referral.LeadFirstContact)
	assertPools(t, f.referrer(t), "2.00", "0.00", "0.00")

	// The sale uses the rate current at conversion.
	f.move(t, "lead-1", referral.LeadConverted)
	assertPools(t, f.referrer(t), "22.00", "0.00", "0.00")

	// New referrals escrow the new rate.
	res, err := f.dispatcher.CreateReferral(ctx, "usr-1", "lead-2", "")
	require.NoError(t, err)
	assert.Equal(t, "3.00", res.Referral.EscrowAmount.String())
}

// =============================================================================
// RETRIES AND CONCURRENCY
// =============================================================================

// flakyStore fails the first n transactions with a concurrency conflict.
type flakyStore struct {
	generic.TxStore
	failures atomic.Int32
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	if s.failures.Add(-1) >= 0 {
		return fmt.Errorf("begin: %w", generic.ErrConcurrencyConflict)
	}
	return s.TxStore.WithTx(ctx, fn)
}

func TestDispatcher_RetriesConcurrencyConflicts(t *testing.T) {
	flaky := &flakyStore{TxStore: store.NewMemory()}
	f := newFixture(t, flaky, config.StaticRates(defaultRates))
	f.setup(t)

	flaky.failures.Store(2)
	res := f.move(t, "lead-1", referral.LeadFirstContact)

	assert.True(t, res.Applied)
	assertPools(t, f.referrer(t), "2.00", "0.00", "0.00")
	assert.Equal(t, 2, f.logs.FilterMessage("concurrency conflict, retrying").Len())
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	flaky := &flakyStore{TxStore: store.NewMemory()}
	f := newFixture(t, flaky, config.StaticRates(defaultRates), referral.WithRetry(3, time.Millisecond))
	f.setup(t)

	flaky.failures.Store(10)
	_, err := f.dispatcher.OnLeadStatusChanged(context.Background(), referral.LeadStatusChanged{LeadID: "lead-1", NewStatus: referral.LeadFirstContact})

	assert.ErrorIs(t, err, generic.ErrConcurrencyConflict)
	assert.Equal(t, int32(7), flaky.failures.Load())
}

// staleReadStore hands out one outdated referral snapshot, the way a read
// taken before another instance committed would look.
type staleReadStore struct {
	generic.TxStore
	stale atomic.Pointer[generic.Referral]
}

func (s *staleReadStore) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	return s.TxStore.WithTx(ctx, func(tx generic.Store) error {
		return fn(&staleTx{Store: tx, parent: s})
	})
}

type staleTx struct {
	generic.Store
	parent *staleReadStore
}

func (tx *staleTx) GetReferral(ctx context.Context, id generic.ReferralID) (*generic.Referral, error) {
	if ref := tx.parent.stale.Swap(nil); ref != nil && ref.ID == id {
		return ref, nil
	}
	return tx.Store.GetReferral(ctx, id)
}

func TestDispatcher_StaleRead_DoesNotCreditTwice(t *testing.T) {
	// GIVEN: a referral already converted, and a dispatcher that reads the
	// referral as it was before the conversion
	// WHEN: the conversion is reported again
	// THEN: the version check rejects the write, the retry sees the real
	// state and the sale commission is not paid a second time

	st := &staleReadStore{TxStore: store.NewMemory()}
	f := newFixture(t, st, config.StaticRates(defaultRates))
	id := f.setup(t)

	f.move(t, "lead-1", referral.LeadFirstContact)
	before := f.referral(t, id)
	f.move(t, "lead-1", referral.LeadConverted)
	assertPools(t, f.referrer(t), "17.00", "0.00", "0.00")

	st.stale.Store(&before)
	res := f.move(t, "lead-1", referral.LeadConverted)

	assert.False(t, res.Applied)
	assert.Nil(t, st.stale.Load(), "stale snapshot was used")
	assert.Equal(t, 1, f.logs.FilterMessage("concurrency conflict, retrying").Len())

	r := f.referrer(t)
	assertPools(t, r, "17.00", "0.00", "0.00")
	assert.Equal(t, int64(1), r.Counters.ReferralsConverted)
	assert.Equal(t, int64(2), f.referral(t, id).Version)
	assertLedgerMatches(t, f)
}

func TestDispatcher_ConcurrentEvents_SameReferrer(t *testing.T) {
	// GIVEN: 20 referrals of one referrer
	// WHEN: all leads convert concurrently
	// THEN: every commission lands exactly once

	f := newSQLiteFixture(t)
	ctx := context.Background()
	_, err := f.dispatcher.CreateReferrer(ctx, "usr-1", "Ana")
	require.NoError(t, err)

	const n = 20
	for i := 0; i < n; i++ {
		_, err := f.dispatcher.CreateReferral(ctx, "usr-1", generic.LeadID(fmt.Sprintf("lead-%d", i)), "")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.dispatcher.OnLeadStatusChanged(ctx, referral.LeadStatusChanged{
				LeadID:    generic.LeadID(fmt.Sprintf("lead-%d", i)),
				NewStatus: referral.LeadConverted,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	r := f.referrer(t)
	assertPools(t, r, "340.00", "0.00", "0.00")
	assert.Equal(t, int64(n), r.Counters.ReferralsConverted)
	assert.Equal(t, int64(n), r.Counters.SalesTowardNextBox)
	assertLedgerMatches(t, f)
}

func TestDispatcher_ConcurrentDuplicates_ApplyOnce(t *testing.T) {
	f := newMemoryFixture(t)
	f.setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var applied atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.dispatcher.OnLeadStatusChanged(ctx, referral.LeadStatusChanged{LeadID: "lead-1", NewStatus: referral.LeadConverted})
			if err == nil && res.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	assertPools(t, f.referrer(t), "17.00", "0.00", "0.00")
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestDispatcher_PublishesBalanceChanged(t *testing.T) {
	f := newMemoryFixture(t)
	f.setup(t)
	f.move(t, "lead-1", referral.LeadConverted)

	events := f.publisher.all()
	require.Len(t, events, 2, "one for the escrow, one for the conversion")
	last := events[1]
	assert.Equal(t, generic.ReferrerID("usr-1"), last.ReferrerID)
	assert.Equal(t, "17.00", last.Balances.Available.String())
	assert.Equal(t, int64(1), last.Counters.ReferralsConverted)
	assert.False(t, last.At.IsZero())
}
