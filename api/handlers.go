/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes the referral commission engine via REST. Handles HTTP
  request/response and JSON, and delegates to the dispatcher and stores.

ENDPOINTS:
  Lead events:
    POST   /api/leads/{leadID}/status      "leadStatusChanged" webhook

  Referrers:
    GET    /api/referrers                  List referrers
    POST   /api/referrers                  Create referrer
    GET    /api/referrers/{id}             Balances and counters
    GET    /api/referrers/{id}/ledger      Ledger entries, oldest first
    GET    /api/referrers/{id}/referrals   Referrals of one referrer
    GET    /api/referrers/{id}/events      SSE "referrerBalanceChanged"

  Referrals:
    POST   /api/referrals                  Link lead to referrer, escrow R
    GET    /api/referrals/{id}             Referral details

  Settings:
    GET    /api/settings/commission        Current comissaoResposta/comissaoVenda
    PUT    /api/settings/commission        Update both rates

  Admin:
    GET    /api/admin/dispatch-failures        Pending failed dispatches
    POST   /api/admin/dispatch-failures/retry  Replay them now

WEBHOOK CONTRACT:
  The lead update already happened in the CRM, so the webhook always
  acknowledges with 202. A failed commission dispatch is stored in the
  failure queue and replayed by the RetryScheduler. Only a malformed body
  gets a 400.

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status from statusFor:
  - 400: invalid input, invalid amount
  - 404: referrer/referral not found
  - 409: duplicates, insufficient balance, inconsistent state
  - 503: concurrency conflict after retries
  - 500: everything else

SECURITY NOTE:
  No authentication. The webhook is expected behind the CRM's network.
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/logging"
	"github.com/warp/commission-engine/notify"
	"github.com/warp/commission-engine/referral"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the read endpoints and the failure queue need.
type Store interface {
	generic.Store
	generic.FailureStore
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Dispatcher *referral.Dispatcher
	Store      Store
	Rates      *config.SettingsRates
	Hub        *notify.Hub
	Retry      *RetryScheduler
	Logger     *zap.Logger

	// heartbeat is the SSE keep-alive period.
	heartbeat time.Duration
}

// NewHandler creates a handler. retry may be nil; the manual replay endpoint
// then answers 503.
func NewHandler(d *referral.Dispatcher, store Store, rates *config.SettingsRates, hub *notify.Hub, retry *RetryScheduler, logger *zap.Logger) *Handler {
	return &Handler{
		Dispatcher: d,
		Store:      store,
		Rates:      rates,
		Hub:        hub,
		Retry:      retry,
		Logger:     logging.OrNop(logger),
		heartbeat:  25 * time.Second,
	}
}

// =============================================================================
// LEAD EVENTS
// =============================================================================

// LeadStatusChanged applies a lead status change.
// POST /api/leads/{leadID}/status
func (h *Handler) LeadStatusChanged(w http.ResponseWriter, r *http.Request) {
	leadID := generic.LeadID(chi.URLParam(r, "leadID"))

	var req LeadStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		writeError(w, http.StatusBadRequest, "status is required", nil)
		return
	}

	ev := referral.LeadStatusChanged{
		LeadID:          leadID,
		NewStatus:       referral.ParseLeadStatus(req.Status),
		EventID:         req.EventID,
		ExpectedVersion: req.ExpectedVersion,
	}

	res, err := h.Dispatcher.OnLeadStatusChanged(r.Context(), ev)
	if err != nil {
		h.enqueueFailure(r, ev, err)
		writeJSON(w, http.StatusAccepted, DispatchResultDTO{Queued: true})
		return
	}

	writeJSON(w, http.StatusAccepted, toDispatchResultDTO(res))
}

// enqueueFailure stores a failed dispatch for the RetryScheduler. It uses a
// fresh context since the request one may already be cancelled.
//
// The failure is pinned to the referral version the event was meant for, so
// a replay after a newer lead status was applied is skipped as stale.
func (h *Handler) enqueueFailure(r *http.Request, ev referral.LeadStatusChanged, cause error) {
	ctx, cancel := detachedContext(r)
	defer cancel()

	now := time.Now().UTC()
	f := generic.DispatchFailure{
		ID:              uuid.NewString(),
		LeadID:          ev.LeadID,
		NewStatus:       string(ev.NewStatus),
		EventID:         ev.EventID,
		ExpectedVersion: ev.ExpectedVersion,
		LastError:       cause.Error(),
		Attempts:        1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if f.ExpectedVersion == nil {
		if ref, err := h.Store.GetReferralByLead(ctx, ev.LeadID); err == nil {
			v := ref.Version
			f.ExpectedVersion = &v
		} else {
			h.Logger.Warn("queued dispatch has no version guard",
				zap.String("lead_id", string(ev.LeadID)),
				zap.Error(err),
			)
		}
	}

	if err := h.Store.RecordFailure(ctx, f); err != nil {
		h.Logger.Error("failed to queue dispatch failure",
			zap.String("lead_id", string(ev.LeadID)),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	h.Logger.Warn("commission dispatch queued for retry",
		zap.String("failure_id", f.ID),
		zap.String("lead_id", string(ev.LeadID)),
		zap.String("new_status", f.NewStatus),
		zap.Error(cause),
	)
}

// =============================================================================
// REFERRER HANDLERS
// =============================================================================

// ListReferrers returns all referrers.
func (h *Handler) ListReferrers(w http.ResponseWriter, r *http.Request) {
	referrers, err := h.Store.ListReferrers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list referrers", err)
		return
	}
	dtos := make([]ReferrerDTO, len(referrers))
	for i, ref := range referrers {
		dtos[i] = toReferrerDTO(ref)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateReferrer registers a referrer. Without an id one is generated.
func (h *Handler) CreateReferrer(w http.ResponseWriter, r *http.Request) {
	var req CreateReferrerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ref, err := h.Dispatcher.CreateReferrer(r.Context(), generic.ReferrerID(req.ID), req.Name)
	if err != nil {
		writeDomainError(w, "Failed to create referrer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReferrerDTO(*ref))
}

// GetReferrer returns balances and counters.
func (h *Handler) GetReferrer(w http.ResponseWriter, r *http.Request) {
	id := generic.ReferrerID(chi.URLParam(r, "id"))
	ref, err := h.Store.GetReferrer(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get referrer", err)
		return
	}
	writeJSON(w, http.StatusOK, toReferrerDTO(*ref))
}

// GetLedger returns the referrer's ledger, oldest first.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	id := generic.ReferrerID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetReferrer(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to get referrer", err)
		return
	}
	entries, err := h.Store.Entries(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// ListReferrals returns the referrer's referrals.
func (h *Handler) ListReferrals(w http.ResponseWriter, r *http.Request) {
	id := generic.ReferrerID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetReferrer(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to get referrer", err)
		return
	}
	refs, err := h.Store.ListReferralsByReferrer(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list referrals", err)
		return
	}
	dtos := make([]ReferralDTO, len(refs))
	for i, ref := range refs {
		dtos[i] = toReferralDTO(ref)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REFERRAL HANDLERS
// =============================================================================

// CreateReferral links a lead to a referrer and escrows the response commission.
func (h *Handler) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req CreateReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ReferrerID == "" || req.LeadID == "" {
		writeError(w, http.StatusBadRequest, "referrer_id and lead_id are required", nil)
		return
	}

	var lead referral.LeadStatus
	if req.LeadStatus != "" {
		lead = referral.ParseLeadStatus(req.LeadStatus)
	}

	res, err := h.Dispatcher.CreateReferral(r.Context(), generic.ReferrerID(req.ReferrerID), generic.LeadID(req.LeadID), lead)
	if err != nil {
		writeDomainError(w, "Failed to create referral", err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateReferralResponse{
		Referral: toReferralDTO(res.Referral),
		Referrer: toReferrerDTO(res.Referrer),
		Entries:  toEntryDTOs(res.Entries),
	})
}

// GetReferral returns a single referral.
func (h *Handler) GetReferral(w http.ResponseWriter, r *http.Request) {
	id := generic.ReferralID(chi.URLParam(r, "id"))
	ref, err := h.Store.GetReferral(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get referral", err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralDTO(*ref))
}

// =============================================================================
// SETTINGS
// =============================================================================

// GetCommissionSettings returns the rates new transitions will use.
func (h *Handler) GetCommissionSettings(w http.ResponseWriter, r *http.Request) {
	rates, err := h.Rates.Rates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read commission settings", err)
		return
	}
	writeJSON(w, http.StatusOK, CommissionSettingsDTO{
		ComissaoResposta: rates.Response.String(),
		ComissaoVenda:    rates.Sale.String(),
	})
}

// UpdateCommissionSettings replaces both rates. Existing escrows keep the
// amount they were opened with.
func (h *Handler) UpdateCommissionSettings(w http.ResponseWriter, r *http.Request) {
	var req CommissionSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rates, err := config.ParseRates(req.ComissaoResposta, req.ComissaoVenda)
	if err != nil {
		writeDomainError(w, "Invalid commission settings", err)
		return
	}
	if err := h.Rates.Update(r.Context(), rates); err != nil {
		writeDomainError(w, "Failed to save commission settings", err)
		return
	}

	h.Logger.Info("commission settings updated",
		zap.String("comissao_resposta", rates.Response.String()),
		zap.String("comissao_venda", rates.Sale.String()),
	)
	writeJSON(w, http.StatusOK, CommissionSettingsDTO{
		ComissaoResposta: rates.Response.String(),
		ComissaoVenda:    rates.Sale.String(),
	})
}

// =============================================================================
// ADMIN
// =============================================================================

// ListDispatchFailures returns unresolved failures, oldest first.
func (h *Handler) ListDispatchFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := h.Store.PendingFailures(r.Context(), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list dispatch failures", err)
		return
	}
	dtos := make([]DispatchFailureDTO, len(failures))
	for i, f := range failures {
		dtos[i] = toFailureDTO(f)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RetryDispatchFailures replays the failure queue immediately.
func (h *Handler) RetryDispatchFailures(w http.ResponseWriter, r *http.Request) {
	if h.Retry == nil {
		writeError(w, http.StatusServiceUnavailable, "Retry scheduler not configured", nil)
		return
	}
	run, err := h.Retry.RunNow(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to replay dispatch failures", err)
		return
	}
	writeJSON(w, http.StatusOK, RetryRunDTO(run))
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrInvalidAmount):
		return http.StatusBadRequest
	case generic.IsClientError(err),
		errors.Is(err, generic.ErrInsufficientBalance),
		errors.Is(err, generic.ErrInconsistentReferralState):
		return http.StatusConflict
	case generic.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func sseMessage(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)), nil
}
