/*
balance.go - Referrer balance pools and delta application

PURPOSE:
  A referrer's money lives in three pools. Commission transitions move money
  between pools by applying a list of signed deltas. This file owns the
  arithmetic and the non-negative invariant; it knows nothing about referral
  statuses.

POOLS:
  available: Payable commission (responded and converted referrals)
  blocked:   Escrow, response commission reserved while the lead is pending
  lost:      Escrow forfeited when the lead was lost

  TotalPaid (lifetime withdrawals) is carried on Balances but no delta can
  target it.

VALIDATION:
  Apply() computes every resulting pool before touching anything. If any pool
  would go negative, it returns an InsufficientBalanceError and the caller's
  balances are unchanged.

EXAMPLE:
  b := Balances{Blocked: BRL(2)}
  next, steps, err := b.Apply([]Delta{
      {Pool: PoolBlocked, Amount: BRL(-2)},
      {Pool: PoolAvailable, Amount: BRL(2)},
  })
  // next.Available == 2, next.Blocked == 0, len(steps) == 2
*/
package generic

import "fmt"

// =============================================================================
// POOL
// =============================================================================

type Pool string

const (
	PoolAvailable Pool = "available"
	PoolBlocked   Pool = "blocked"
	PoolLost      Pool = "lost"
)

func (p Pool) Valid() bool {
	return p == PoolAvailable || p == PoolBlocked || p == PoolLost
}

// =============================================================================
// BALANCES
// =============================================================================

type Balances struct {
	Available Amount
	Blocked   Amount
	Lost      Amount
	TotalPaid Amount
}

// ZeroBalances returns balances with every pool at zero in currency c.
func ZeroBalances(c Currency) Balances {
	z := Amount{Currency: c}
	return Balances{Available: z, Blocked: z, Lost: z, TotalPaid: z}
}

// Get returns the amount held in pool p.
func (b Balances) Get(p Pool) Amount {
	switch p {
	case PoolAvailable:
		return b.Available
	case PoolBlocked:
		return b.Blocked
	case PoolLost:
		return b.Lost
	}
	return Amount{}
}

func (b *Balances) set(p Pool, a Amount) {
	switch p {
	case PoolAvailable:
		b.Available = a
	case PoolBlocked:
		b.Blocked = a
	case PoolLost:
		b.Lost = a
	}
}

// Total is available + blocked + lost.
func (b Balances) Total() Amount {
	return b.Available.Add(b.Blocked).Add(b.Lost)
}

// Equal compares the three commission pools and TotalPaid by value.
func (b Balances) Equal(o Balances) bool {
	return b.Available.Equal(o.Available) &&
		b.Blocked.Equal(o.Blocked) &&
		b.Lost.Equal(o.Lost) &&
		b.TotalPaid.Equal(o.TotalPaid)
}

// =============================================================================
// DELTA
// =============================================================================

// Delta is a signed change to one pool.
type Delta struct {
	Pool   Pool
	Amount Amount
}

func (d Delta) String() string {
	sign := "+"
	if d.Amount.IsNegative() {
		sign = ""
	}
	return fmt.Sprintf("%s %s%s", d.Pool, sign, d.Amount)
}

// PoolStep records one delta applied to a pool, with the pool value before
// and after. Ledger entries are built from these.
type PoolStep struct {
	Delta  Delta
	Before Amount
	After  Amount
}

// Apply applies deltas in order and returns the new balances plus one step
// per delta. Deltas on the same pool chain: the second step's Before is the
// first step's After.
func (b Balances) Apply(deltas []Delta) (Balances, []PoolStep, error) {
	next := b
	steps := make([]PoolStep, 0, len(deltas))

	for _, d := range deltas {
		if !d.Pool.Valid() {
			return b, nil, fmt.Errorf("unknown pool %q", d.Pool)
		}
		before := next.Get(d.Pool)
		after := before.Add(d.Amount)
		if after.IsNegative() {
			return b, nil, &InsufficientBalanceError{
				Pool:      d.Pool,
				Available: before,
				Requested: d.Amount.Abs(),
				Shortfall: after.Abs(),
			}
		}
		next.set(d.Pool, after)
		steps = append(steps, PoolStep{Delta: d, Before: before, After: after})
	}

	return next, steps, nil
}
