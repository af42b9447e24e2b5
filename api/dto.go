/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the domain
  model from the external contract. Money is always a decimal string with two
  places ("2.00"), never a float.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Done in handlers. DTOs are pure data carriers.
*/
package api

import (
	"time"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/referral"
)

// =============================================================================
// REQUESTS
// =============================================================================

// LeadStatusRequest is the "leadStatusChanged" webhook body.
type LeadStatusRequest struct {
	Status          string `json:"status"`
	EventID         string `json:"event_id,omitempty"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type CreateReferrerRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type CreateReferralRequest struct {
	ReferrerID string `json:"referrer_id"`
	LeadID     string `json:"lead_id"`
	LeadStatus string `json:"lead_status,omitempty"`
}

// CommissionSettingsRequest carries decimal strings, e.g. {"comissaoResposta":"2.00"}.
type CommissionSettingsRequest struct {
	ComissaoResposta string `json:"comissaoResposta"`
	ComissaoVenda    string `json:"comissaoVenda"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type BalancesDTO struct {
	Available string `json:"available"`
	Blocked   string `json:"blocked"`
	Lost      string `json:"lost"`
	TotalPaid string `json:"total_paid"`
	Currency  string `json:"currency"`
}

type CountersDTO struct {
	ReferralsTotal     int64 `json:"referrals_total"`
	ReferralsResponded int64 `json:"referrals_responded"`
	ReferralsConverted int64 `json:"referrals_converted"`
	SalesTowardNextBox int64 `json:"sales_toward_next_box"`
}

type ReferrerDTO struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Balances  BalancesDTO `json:"balances"`
	Counters  CountersDTO `json:"counters"`
	CreatedAt string      `json:"created_at"`
	UpdatedAt string      `json:"updated_at"`
}

type ReferralDTO struct {
	ID                 string  `json:"id"`
	ReferrerID         string  `json:"referrer_id"`
	LeadID             string  `json:"lead_id"`
	Status             string  `json:"status"`
	EscrowAmount       string  `json:"escrow_amount"`
	CommissionResponse string  `json:"commission_response"`
	CommissionSale     string  `json:"commission_sale"`
	RespondedAt        *string `json:"responded_at,omitempty"`
	ConvertedAt        *string `json:"converted_at,omitempty"`
	LostAt             *string `json:"lost_at,omitempty"`
	LastLeadStatus     string  `json:"last_lead_status"`
	Version            int64   `json:"version"`
	CreatedAt          string  `json:"created_at"`
}

type LedgerEntryDTO struct {
	ID            string `json:"id"`
	ReferralID    string `json:"referral_id"`
	Kind          string `json:"kind"`
	Pool          string `json:"pool"`
	Amount        string `json:"amount"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	Description   string `json:"description"`
	EventID       string `json:"event_id,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// CreateReferralResponse is returned by POST /api/referrals.
type CreateReferralResponse struct {
	Referral ReferralDTO      `json:"referral"`
	Referrer ReferrerDTO      `json:"referrer"`
	Entries  []LedgerEntryDTO `json:"entries"`
}

// DispatchResultDTO is the webhook acknowledgement.
type DispatchResultDTO struct {
	Applied    bool             `json:"applied"`
	Skipped    string           `json:"skipped,omitempty"`
	Queued     bool             `json:"queued,omitempty"`
	ReferralID string           `json:"referral_id,omitempty"`
	From       string           `json:"from,omitempty"`
	To         string           `json:"to,omitempty"`
	Referrer   *ReferrerDTO     `json:"referrer,omitempty"`
	Entries    []LedgerEntryDTO `json:"entries,omitempty"`
}

type CommissionSettingsDTO struct {
	ComissaoResposta string `json:"comissaoResposta"`
	ComissaoVenda    string `json:"comissaoVenda"`
}

type DispatchFailureDTO struct {
	ID              string `json:"id"`
	LeadID          string `json:"lead_id"`
	NewStatus       string `json:"new_status"`
	EventID         string `json:"event_id,omitempty"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
	LastError       string `json:"last_error"`
	Attempts        int    `json:"attempts"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// RetryRunDTO summarizes a replay of the failure queue.
type RetryRunDTO struct {
	Processed int `json:"processed"`
	Resolved  int `json:"resolved"`
	Failed    int `json:"failed"`
	Stale     int `json:"stale"`
}

// BalanceEventDTO is the payload of a "referrerBalanceChanged" SSE message.
type BalanceEventDTO struct {
	ReferrerID string      `json:"referrer_id"`
	Balances   BalancesDTO `json:"balances"`
	Counters   CountersDTO `json:"counters"`
	Timestamp  string      `json:"timestamp"`
}

// ErrorResponse is the error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBalancesDTO(b generic.Balances) BalancesDTO {
	return BalancesDTO{
		Available: b.Available.String(),
		Blocked:   b.Blocked.String(),
		Lost:      b.Lost.String(),
		TotalPaid: b.TotalPaid.String(),
		Currency:  string(b.Available.Currency),
	}
}

func toCountersDTO(c generic.Counters) CountersDTO {
	return CountersDTO{
		ReferralsTotal:     c.ReferralsTotal,
		ReferralsResponded: c.ReferralsResponded,
		ReferralsConverted: c.ReferralsConverted,
		SalesTowardNextBox: c.SalesTowardNextBox,
	}
}

func toReferrerDTO(r generic.Referrer) ReferrerDTO {
	return ReferrerDTO{
		ID:        string(r.ID),
		Name:      r.Name,
		Balances:  toBalancesDTO(r.Balances),
		Counters:  toCountersDTO(r.Counters),
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
		UpdatedAt: r.UpdatedAt.Format(time.RFC3339),
	}
}

func toReferralDTO(r generic.Referral) ReferralDTO {
	return ReferralDTO{
		ID:                 string(r.ID),
		ReferrerID:         string(r.ReferrerID),
		LeadID:             string(r.LeadID),
		Status:             string(r.Status),
		EscrowAmount:       r.EscrowAmount.String(),
		CommissionResponse: r.CommissionResponse.String(),
		CommissionSale:     r.CommissionSale.String(),
		RespondedAt:        formatTimePtr(r.RespondedAt),
		ConvertedAt:        formatTimePtr(r.ConvertedAt),
		LostAt:             formatTimePtr(r.LostAt),
		LastLeadStatus:     r.LastLeadStatus,
		Version:            r.Version,
		CreatedAt:          r.CreatedAt.Format(time.RFC3339),
	}
}

func toEntryDTOs(entries []generic.LedgerEntry) []LedgerEntryDTO {
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = LedgerEntryDTO{
			ID:            string(e.ID),
			ReferralID:    string(e.ReferralID),
			Kind:          string(e.Kind),
			Pool:          string(e.Pool),
			Amount:        e.Amount.String(),
			BalanceBefore: e.BalanceBefore.String(),
			BalanceAfter:  e.BalanceAfter.String(),
			Description:   e.Description,
			EventID:       e.EventID,
			CreatedAt:     e.CreatedAt.Format(time.RFC3339Nano),
		}
	}
	return dtos
}

func toDispatchResultDTO(res *referral.Result) DispatchResultDTO {
	dto := DispatchResultDTO{Applied: res.Applied, Skipped: res.Skipped}
	if res.Outcome.From != "" {
		dto.From = string(res.Outcome.From)
		dto.To = string(res.Outcome.To)
	}
	if res.Ledger != nil {
		ref := toReferrerDTO(res.Ledger.Referrer)
		dto.Referrer = &ref
		dto.ReferralID = string(res.Ledger.Referral.ID)
		dto.Entries = toEntryDTOs(res.Ledger.Entries)
	}
	return dto
}

func toFailureDTO(f generic.DispatchFailure) DispatchFailureDTO {
	return DispatchFailureDTO{
		ID:              f.ID,
		LeadID:          string(f.LeadID),
		NewStatus:       f.NewStatus,
		EventID:         f.EventID,
		ExpectedVersion: f.ExpectedVersion,
		LastError:       f.LastError,
		Attempts:        f.Attempts,
		CreatedAt:       f.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       f.UpdatedAt.Format(time.RFC3339),
	}
}

func toBalanceEventDTO(ev generic.BalanceChanged) BalanceEventDTO {
	return BalanceEventDTO{
		ReferrerID: string(ev.ReferrerID),
		Balances:   toBalancesDTO(ev.Balances),
		Counters:   toCountersDTO(ev.Counters),
		Timestamp:  ev.At.Format(time.RFC3339Nano),
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
