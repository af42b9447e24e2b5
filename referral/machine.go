/*
machine.go - Referral state machine

PURPOSE:
  Pure decision function mapping (referral status, lead stage change) to the
  referral's next status, the pool deltas and the counter deltas. It reads
  nothing and writes nothing; the ledger applies what it returns.

STATES:
  submitted (initial) -> responded -> converted
  submitted -> lost (terminal)
  responded and converted can move backward when the lead is corrected.

TRANSITION TABLE (R = response commission, S = sale commission):

  From       Lead stage                To         Deltas
  submitted  first_contact/proposal    responded  blocked -R, available +R
  submitted  converted                 converted  blocked -R, available +(R+S)
  responded  converted                 converted  available +S
  converted  new/unassigned            submitted  available -(R+S), blocked +R
  converted  anything else             responded  available -S
  responded  new/unassigned            submitted  available -R, blocked +R
  submitted  lost                      lost       blocked -R, lost +R

  Any other pair is a no-op. The outcome depends only on the referral status
  and the new lead stage, so re-delivering an applied change is a no-op
  because the referral is no longer in the "From" status. No target status
  has a rule for the stage that led to it.

LOOKUP:
  The table is a map keyed by (status, stage). One lookup, no cascading
  string comparisons.
*/
package referral

import (
	"fmt"

	"github.com/warp/commission-engine/generic"
)

// Outcome is the decision for one lead status change. A NoOp outcome carries
// only From.
type Outcome struct {
	NoOp        bool
	From        generic.ReferralStatus
	To          generic.ReferralStatus
	Deltas      []generic.Delta
	Counters    generic.CounterDelta
	Description string

	// Response and Sale are the R and S the deltas were computed from.
	Response generic.Amount
	Sale     generic.Amount
}

type transitionKey struct {
	from  generic.ReferralStatus
	stage stage
}

type rule struct {
	to          generic.ReferralStatus
	deltas      func(r, s generic.Amount) []generic.Delta
	description string
}

func delta(p generic.Pool, a generic.Amount) generic.Delta {
	return generic.Delta{Pool: p, Amount: a}
}

var (
	ruleRespond = rule{
		to: generic.StatusResponded,
		deltas: func(r, _ generic.Amount) []generic.Delta {
			return []generic.Delta{delta(generic.PoolBlocked, r.Neg()), delta(generic.PoolAvailable, r)}
		},
		description: "response commission released",
	}
	ruleConvertDirect = rule{
		to: generic.StatusConverted,
		deltas: func(r, s generic.Amount) []generic.Delta {
			return []generic.Delta{delta(generic.PoolBlocked, r.Neg()), delta(generic.PoolAvailable, r.Add(s))}
		},
		description: "response and sale commission credited",
	}
	ruleConvert = rule{
		to: generic.StatusConverted,
		deltas: func(_, s generic.Amount) []generic.Delta {
			return []generic.Delta{delta(generic.PoolAvailable, s)}
		},
		description: "sale commission credited",
	}
	ruleUnconvertToSubmitted = rule{
		to: generic.StatusSubmitted,
		deltas: func(r, s generic.Amount) []generic.Delta {
			return []generic.Delta{delta(generic.PoolAvailable, r.Add(s).Neg()), delta(generic.PoolBlocked, r)}
		},
		description: "sale reverted, lead back to new: commissions returned to escrow",
	}
	ruleUnconvert = rule{
		to: generic.StatusResponded,
		deltas: func(_, s generic.Amount) []generic.Delta {
			return []generic.Delta{delta(generic.PoolAvailable, s.Neg())}
		},
		description: "sale reverted: sale commission debited",
	}
	ruleUnrespond = rule{
		to: generic.StatusSubmitted,
		deltas: func(r, _ generic.Amount) []generic.Delta {
			return []generic.Delta{delta(generic.PoolAvailable, r.Neg()), delta(generic.PoolBlocked, r)}
		},
		description: "response retracted: response commission returned to escrow",
	}
	ruleLose = rule{
		to: generic.StatusLost,
		deltas: func(r, _ generic.Amount) []generic.Delta {
			return []generic.Delta{delta(generic.PoolBlocked, r.Neg()), delta(generic.PoolLost, r)}
		},
		description: "lead lost: escrow forfeited",
	}
)

var transitions = map[transitionKey]rule{
	{generic.StatusSubmitted, stageEngaged}:   ruleRespond,
	{generic.StatusSubmitted, stageConverted}: ruleConvertDirect,
	{generic.StatusSubmitted, stageLost}:      ruleLose,
	{generic.StatusResponded, stageConverted}: ruleConvert,
	{generic.StatusResponded, stageReset}:     ruleUnrespond,
	{generic.StatusConverted, stageReset}:     ruleUnconvertToSubmitted,
	{generic.StatusConverted, stageEngaged}:   ruleUnconvert,
	{generic.StatusConverted, stageLost}:      ruleUnconvert,
	{generic.StatusConverted, stageOther}:     ruleUnconvert,
}

// Decide returns the outcome of a lead moving from oldLead to newLead while
// the referral is in status. oldLead only feeds the entry description. It
// fails only when status is not a defined referral status.
func Decide(status generic.ReferralStatus, oldLead, newLead LeadStatus, r, s generic.Amount) (Outcome, error) {
	if !status.Valid() {
		return Outcome{}, fmt.Errorf("%w: unknown referral status %q", generic.ErrInconsistentReferralState, status)
	}

	noop := Outcome{NoOp: true, From: status}

	st := stageOf(newLead)
	rl, ok := transitions[transitionKey{from: status, stage: st}]
	if !ok {
		return noop, nil
	}

	var deltas []generic.Delta
	for _, d := range rl.deltas(r, s) {
		if !d.Amount.IsZero() {
			deltas = append(deltas, d)
		}
	}

	return Outcome{
		From:        status,
		To:          rl.to,
		Deltas:      deltas,
		Counters:    countersFor(status, rl.to),
		Description: describe(rl.description, oldLead, newLead),
		Response:    r,
		Sale:        s,
	}, nil
}

func describe(what string, oldLead, newLead LeadStatus) string {
	if oldLead == "" || oldLead == newLead {
		return fmt.Sprintf("%s (lead %s)", what, newLead)
	}
	return fmt.Sprintf("%s (lead %s -> %s)", what, oldLead, newLead)
}

// commissionsFor picks R and S for a referral: the escrowed amount while it
// is submitted, the credited amounts once they were credited, and the
// configured sale rate for a sale not yet credited.
func commissionsFor(ref generic.Referral, rates generic.Rates) (r, s generic.Amount) {
	switch ref.Status {
	case generic.StatusResponded:
		return ref.CommissionResponse, rates.Sale
	case generic.StatusConverted:
		return ref.CommissionResponse, ref.CommissionSale
	default:
		return ref.EscrowAmount, rates.Sale
	}
}
