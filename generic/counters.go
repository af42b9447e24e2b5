package generic

// =============================================================================
// GAMIFICATION COUNTERS
// =============================================================================

// Counters are the referrer tallies that gate reward thresholds.
// ReferralsTotal only ever grows (one per created referral).
type Counters struct {
	ReferralsTotal     int64
	ReferralsResponded int64
	ReferralsConverted int64
	SalesTowardNextBox int64
}

// CounterDelta is a signed change to the counters.
type CounterDelta struct {
	Total     int64
	Responded int64
	Converted int64
	NextBox   int64
}

// Clamp names a counter that would have gone below zero and was floored.
type Clamp struct {
	Counter string
	Wanted  int64
}

// Apply adds d to c. Any counter that would go negative is floored at zero
// and reported in the returned clamps; callers must log them.
func (c Counters) Apply(d CounterDelta) (Counters, []Clamp) {
	var clamps []Clamp
	floor := func(name string, cur, delta int64) int64 {
		v := cur + delta
		if v < 0 {
			clamps = append(clamps, Clamp{Counter: name, Wanted: v})
			return 0
		}
		return v
	}

	return Counters{
		ReferralsTotal:     floor("referrals_total", c.ReferralsTotal, d.Total),
		ReferralsResponded: floor("referrals_responded", c.ReferralsResponded, d.Responded),
		ReferralsConverted: floor("referrals_converted", c.ReferralsConverted, d.Converted),
		SalesTowardNextBox: floor("sales_toward_next_box", c.SalesTowardNextBox, d.NextBox),
	}, clamps
}
