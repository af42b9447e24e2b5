/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Lead webhook: applied transitions, skips, and failures parked for retry
- Referrer/referral creation and lookup
- Commission settings
- Health and metrics endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/generic/store"
	"github.com/warp/commission-engine/metrics"
	"github.com/warp/commission-engine/notify"
	"github.com/warp/commission-engine/referral"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var errDatabaseDown = errors.New("database is down")

// outageStore fails every transaction while down is set.
type outageStore struct {
	*store.Memory
	down atomic.Bool
}

func (s *outageStore) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	if s.down.Load() {
		return errDatabaseDown
	}
	return s.Memory.WithTx(ctx, fn)
}

type apiFixture struct {
	mem    *store.Memory
	db     *outageStore
	hub    *notify.Hub
	retry  *RetryScheduler
	router http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	mem := store.NewMemory()
	db := &outageStore{Memory: mem}
	rates := config.NewSettingsRates(mem, generic.Rates{Response: generic.BRL(2), Sale: generic.BRL(15)})
	hub := notify.NewHub(logger)
	reg := prometheus.NewRegistry()
	metrics.RegisterHub(reg, hub)

	d := referral.NewDispatcher(db, rates,
		referral.WithLogger(logger),
		referral.WithPublisher(hub),
		referral.WithMetrics(metrics.New(reg)),
		referral.WithRetry(1, time.Millisecond),
	)
	retry, err := NewRetryScheduler(d, mem, time.Hour, logger)
	require.NoError(t, err)
	t.Cleanup(func() { retry.Stop() })

	h := NewHandler(d, mem, rates, hub, retry, logger)
	return &apiFixture{
		mem:    mem,
		db:     db,
		hub:    hub,
		retry:  retry,
		router: NewRouter(h, RouterOptions{Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}),
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seed creates usr-1 with one referral on lead-1.
func (f *apiFixture) seed(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/referrers", CreateReferrerRequest{ID: "usr-1", Name: "Ana"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/api/referrals", CreateReferralRequest{ReferrerID: "usr-1", LeadID: "lead-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

// =============================================================================
// LEAD WEBHOOK
// =============================================================================

func TestLeadStatusChanged_Applied(t *testing.T) {
	// GIVEN: a referral in escrow
	// WHEN: the CRM reports the lead as converted
	// THEN: the response carries the transition and the new balances

	f := newAPIFixture(t)
	f.seed(t)

	rec := f.do(t, http.MethodPost, "/api/leads/lead-1/status", LeadStatusRequest{Status: "convertido", EventID: "evt-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	res := decode[DispatchResultDTO](t, rec)
	assert.True(t, res.Applied)
	assert.Equal(t, "submitted", res.From)
	assert.Equal(t, "converted", res.To)
	require.NotNil(t, res.Referrer)
	assert.Equal(t, "17.00", res.Referrer.Balances.Available)
	assert.Equal(t, "0.00", res.Referrer.Balances.Blocked)
	assert.Equal(t, int64(1), res.Referrer.Counters.SalesTowardNextBox)
	for _, e := range res.Entries {
		assert.Equal(t, "evt-1", e.EventID)
	}

	// Same event again is acknowledged without moving money.
	rec = f.do(t, http.MethodPost, "/api/leads/lead-1/status", LeadStatusRequest{Status: "converted", EventID: "evt-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	res = decode[DispatchResultDTO](t, rec)
	assert.False(t, res.Applied)
	assert.NotEmpty(t, res.Skipped)
}

func TestLeadStatusChanged_NoReferral(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/leads/manual-lead/status", LeadStatusRequest{Status: "first_contact"})

	require.Equal(t, http.StatusAccepted, rec.Code)
	res := decode[DispatchResultDTO](t, rec)
	assert.False(t, res.Applied)
	assert.Equal(t, referral.SkipNoReferral, res.Skipped)
}

func TestLeadStatusChanged_BadRequest(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/leads/lead-1/status", LeadStatusRequest{Status: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/leads/lead-1/status", bytes.NewBufferString("{not json"))
	raw := httptest.NewRecorder()
	f.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestLeadStatusChanged_FailureIsQueued(t *testing.T) {
	// GIVEN: the database is down when the lead event arrives
	// WHEN: the webhook is called
	// THEN: the CRM still gets 202 and the event lands in the failure queue

	f := newAPIFixture(t)
	f.seed(t)
	f.db.down.Store(true)

	rec := f.do(t, http.MethodPost, "/api/leads/lead-1/status", LeadStatusRequest{Status: "first_contact", EventID: "evt-9"})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, decode[DispatchResultDTO](t, rec).Queued)

	rec = f.do(t, http.MethodGet, "/api/admin/dispatch-failures", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	failures := decode[[]DispatchFailureDTO](t, rec)
	require.Len(t, failures, 1)
	assert.Equal(t, "lead-1", failures[0].LeadID)
	assert.Equal(t, "first_contact", failures[0].NewStatus)
	assert.Equal(t, "evt-9", failures[0].EventID)
	assert.Equal(t, 1, failures[0].Attempts)
	assert.Contains(t, failures[0].LastError, errDatabaseDown.Error())
	require.NotNil(t, failures[0].ExpectedVersion, "pinned to the version it was meant for")
	assert.Equal(t, int64(0), *failures[0].ExpectedVersion)

	// WHEN: the database recovers and an operator triggers a replay
	f.db.down.Store(false)
	rec = f.do(t, http.MethodPost, "/api/admin/dispatch-failures/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, RetryRunDTO{Processed: 1, Resolved: 1}, decode[RetryRunDTO](t, rec))

	// THEN: the commission is applied and the queue is empty
	rec = f.do(t, http.MethodGet, "/api/referrers/usr-1", nil)
	assert.Equal(t, "2.00", decode[ReferrerDTO](t, rec).Balances.Available)

	rec = f.do(t, http.MethodGet, "/api/admin/dispatch-failures", nil)
	assert.Empty(t, decode[[]DispatchFailureDTO](t, rec))
}

// =============================================================================
// REFERRERS AND REFERRALS
// =============================================================================

func TestCreateReferrer(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/referrers", CreateReferrerRequest{Name: "Bruno"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[ReferrerDTO](t, rec)
	assert.NotEmpty(t, created.ID, "id is generated when omitted")
	assert.Equal(t, "0.00", created.Balances.Available)
	assert.Equal(t, "BRL", created.Balances.Currency)

	rec = f.do(t, http.MethodPost, "/api/referrers", CreateReferrerRequest{ID: created.ID, Name: "Bruno"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/referrers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ReferrerDTO](t, rec), 1)
}

func TestCreateReferral(t *testing.T) {
	// GIVEN: a referrer
	// WHEN: a lead is referred
	// THEN: the response commission is escrowed and the referral is listed

	f := newAPIFixture(t)
	f.seed(t)

	rec := f.do(t, http.MethodGet, "/api/referrers/usr-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	r := decode[ReferrerDTO](t, rec)
	assert.Equal(t, "2.00", r.Balances.Blocked)
	assert.Equal(t, int64(1), r.Counters.ReferralsTotal)

	rec = f.do(t, http.MethodGet, "/api/referrers/usr-1/referrals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	refs := decode[[]ReferralDTO](t, rec)
	require.Len(t, refs, 1)
	assert.Equal(t, "submitted", refs[0].Status)
	assert.Equal(t, "2.00", refs[0].EscrowAmount)

	rec = f.do(t, http.MethodGet, "/api/referrals/"+refs[0].ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/referrers/usr-1/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]LedgerEntryDTO](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "escrow", entries[0].Kind)
	assert.Equal(t, "blocked", entries[0].Pool)
}

func TestCreateReferral_Errors(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t)

	tests := []struct {
		name string
		req  CreateReferralRequest
		want int
	}{
		{"missing lead", CreateReferralRequest{ReferrerID: "usr-1"}, http.StatusBadRequest},
		{"unknown referrer", CreateReferralRequest{ReferrerID: "ghost", LeadID: "lead-2"}, http.StatusNotFound},
		{"lead already referred", CreateReferralRequest{ReferrerID: "usr-1", LeadID: "lead-1"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/referrals", tt.req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestNotFound(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/api/referrers/nobody", "/api/referrals/nothing"} {
		rec := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
	}
}

// =============================================================================
// SETTINGS
// =============================================================================

func TestCommissionSettings(t *testing.T) {
	// GIVEN: default rates and an open escrow
	// WHEN: the rates are changed
	// THEN: new values are returned and the open escrow keeps its amount

	f := newAPIFixture(t)
	f.seed(t)

	rec := f.do(t, http.MethodGet, "/api/settings/commission", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, CommissionSettingsDTO{ComissaoResposta: "2.00", ComissaoVenda: "15.00"}, decode[CommissionSettingsDTO](t, rec))

	rec = f.do(t, http.MethodPut, "/api/settings/commission", CommissionSettingsRequest{ComissaoResposta: "3", ComissaoVenda: "20.5"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, CommissionSettingsDTO{ComissaoResposta: "3.00", ComissaoVenda: "20.50"}, decode[CommissionSettingsDTO](t, rec))

	rec = f.do(t, http.MethodPost, "/api/leads/lead-1/status", LeadStatusRequest{Status: "first_contact"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "2.00", decode[DispatchResultDTO](t, rec).Referrer.Balances.Available)

	rec = f.do(t, http.MethodPut, "/api/settings/commission", CommissionSettingsRequest{ComissaoResposta: "-1", ComissaoVenda: "20"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// HEALTH AND METRICS
// =============================================================================

func TestHealthzAndMetrics(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t)
	f.do(t, http.MethodPost, "/api/leads/lead-1/status", LeadStatusRequest{Status: "first_contact"})

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `commission_transitions_total{from="submitted",to="responded"} 1`)
	assert.Contains(t, rec.Body.String(), "commission_balance_stream_subscribers 0")
	assert.Contains(t, rec.Body.String(), "commission_balance_events_dropped_total 0")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{generic.ErrReferrerNotFound, http.StatusNotFound},
		{generic.ErrInvalidAmount, http.StatusBadRequest},
		{generic.ErrDuplicateReferral, http.StatusConflict},
		{&generic.InsufficientBalanceError{Pool: generic.PoolAvailable}, http.StatusConflict},
		{generic.ErrConcurrencyConflict, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
