package referral

import "github.com/warp/commission-engine/generic"

// countersFor returns the gamification counter change bound to a status
// transition. Entering converted from submitted also counts as a response.
func countersFor(from, to generic.ReferralStatus) generic.CounterDelta {
	switch {
	case from == generic.StatusSubmitted && to == generic.StatusResponded:
		return generic.CounterDelta{Responded: 1}
	case from == generic.StatusSubmitted && to == generic.StatusConverted:
		return generic.CounterDelta{Responded: 1, Converted: 1, NextBox: 1}
	case from == generic.StatusResponded && to == generic.StatusConverted:
		return generic.CounterDelta{Converted: 1, NextBox: 1}
	case from == generic.StatusResponded && to == generic.StatusSubmitted:
		return generic.CounterDelta{Responded: -1}
	case from == generic.StatusConverted && to == generic.StatusResponded:
		return generic.CounterDelta{Converted: -1, NextBox: -1}
	case from == generic.StatusConverted && to == generic.StatusSubmitted:
		return generic.CounterDelta{Responded: -1, Converted: -1, NextBox: -1}
	}
	return generic.CounterDelta{}
}

// createdCounters is the change applied when a referral is created.
var createdCounters = generic.CounterDelta{Total: 1}
