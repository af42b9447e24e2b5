// Package referral implements the commission rules on top of the generic
// ledger: the referral state machine, the balance ledger, the gamification
// counter rules and the dispatcher that reacts to lead status changes.
package referral

import (
	"strings"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// LEAD STATUS - external CRM pipeline stage
// =============================================================================

// LeadStatus is the pipeline stage of a lead in the external CRM. Only the
// stages below carry commission meaning; any other value is accepted and
// treated as a generic "in progress" stage.
type LeadStatus string

const (
	LeadNew          LeadStatus = "new"
	LeadUnassigned   LeadStatus = "unassigned"
	LeadFirstContact LeadStatus = "first_contact"
	LeadProposalSent LeadStatus = "proposal_sent"
	LeadConverted    LeadStatus = "converted"
	LeadLost         LeadStatus = "lost"
)

// The CRM front end historically sent Portuguese stage names.
var leadAliases = map[string]LeadStatus{
	"novo":             LeadNew,
	"sem_atendente":    LeadUnassigned,
	"primeiro_contato": LeadFirstContact,
	"proposta_enviada": LeadProposalSent,
	"convertido":       LeadConverted,
	"fechado":          LeadConverted,
	"perdido":          LeadLost,
}

// ParseLeadStatus normalizes a raw stage string.
func ParseLeadStatus(raw string) LeadStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	if alias, ok := leadAliases[s]; ok {
		return alias
	}
	return LeadStatus(s)
}

// stage groups lead statuses that the transition table treats alike.
type stage int

const (
	stageOther stage = iota
	stageReset
	stageEngaged
	stageConverted
	stageLost
)

func (s stage) String() string {
	switch s {
	case stageReset:
		return "reset"
	case stageEngaged:
		return "engaged"
	case stageConverted:
		return "converted"
	case stageLost:
		return "lost"
	}
	return "other"
}

func stageOf(s LeadStatus) stage {
	switch s {
	case LeadNew, LeadUnassigned:
		return stageReset
	case LeadFirstContact, LeadProposalSent:
		return stageEngaged
	case LeadConverted:
		return stageConverted
	case LeadLost:
		return stageLost
	}
	return stageOther
}

// =============================================================================
// EVENTS AND RESULTS
// =============================================================================

// LeadStatusChanged is the inbound "leadStatusChanged" event.
//
// EventID, when set, is stamped on the ledger entries the event produces; a
// second delivery with the same id is ignored. ExpectedVersion, when set,
// must equal the referral's Version or the event is treated as stale.
type LeadStatusChanged struct {
	LeadID          generic.LeadID
	NewStatus       LeadStatus
	EventID         string
	ExpectedVersion *int64
}

// Skip reasons reported on a Result that applied nothing.
const (
	SkipNoReferral = "no_referral"
	SkipNoRule     = "no_matching_transition"
	SkipDuplicate  = "duplicate_event"
	SkipStale      = "stale_version"
)

// Result describes what a dispatch did.
type Result struct {
	Applied bool
	Skipped string
	Outcome Outcome
	Ledger  *LedgerResult
}
