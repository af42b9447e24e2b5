package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/generic"
)

const balanceChangedEvent = "referrerBalanceChanged"

// StreamBalanceEvents streams "referrerBalanceChanged" as server-sent events
// until the client disconnects. The current balances are sent first so a
// reconnecting dashboard never waits for the next change.
// GET /api/referrers/{id}/events
func (h *Handler) StreamBalanceEvents(w http.ResponseWriter, r *http.Request) {
	id := generic.ReferrerID(chi.URLParam(r, "id"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	ref, err := h.Store.GetReferrer(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get referrer", err)
		return
	}

	events, cancel := h.Hub.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if !h.writeEvent(w, flusher, generic.BalanceChanged{
		ReferrerID: ref.ID,
		Balances:   ref.Balances,
		Counters:   ref.Counters,
		At:         ref.UpdatedAt,
	}) {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if !h.writeEvent(w, flusher, ev) {
				return
			}
		}
	}
}

func (h *Handler) writeEvent(w http.ResponseWriter, flusher http.Flusher, ev generic.BalanceChanged) bool {
	msg, err := sseMessage(balanceChangedEvent, toBalanceEventDTO(ev))
	if err != nil {
		h.Logger.Error("failed to encode balance event", zap.Error(err))
		return false
	}
	if _, err := w.Write(msg); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// detachedContext keeps request values but survives client disconnects, for
// writes that must land even if the caller went away.
func detachedContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
}
