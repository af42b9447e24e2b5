/*
Package generic provides the core commission ledger types.

PURPOSE:
  This package contains the entities and value types shared by the referral
  rules, the stores and the API: money amounts, the three balance pools of a
  referrer, gamification counters, referrals and the immutable ledger entry.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A currency quantity (e.g., R$ 2.00 response commission)
  - Referrer: The "indicador" holding available/blocked/lost balances
  - Referral: The "indicacao" linking a referrer to a lead
  - Identifiers: Type-safe IDs so referrer/referral/lead IDs never mix

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal, never float64, for money
  2. Type Safety: Strong typing for IDs and statuses
  3. Auditability: Every balance mutation leaves a LedgerEntry (ledger.go)

USAGE:
  r := generic.NewAmount(2, generic.CurrencyBRL)
  ref := generic.Referral{
      ID:         "ind-1",
      ReferrerID: "usr-1",
      LeadID:     "lead-1",
      Status:     generic.StatusSubmitted,
      EscrowAmount: r,
  }

SEE ALSO:
  - balance.go: Pool arithmetic and non-negative validation
  - counters.go: Gamification counters
  - ledger.go: Ledger entries
  - store.go: Persistence interfaces
*/
package generic

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Money with currency
// =============================================================================

type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

type Currency string

const CurrencyBRL Currency = "BRL"

func NewAmount(value float64, currency Currency) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewAmountFromDecimal(value decimal.Decimal, currency Currency) Amount {
	return Amount{Value: value, Currency: currency}
}

// BRL is shorthand for NewAmount(value, CurrencyBRL).
func BRL(value float64) Amount { return NewAmount(value, CurrencyBRL) }

func ZeroBRL() Amount { return Amount{Value: decimal.Zero, Currency: CurrencyBRL} }

func (a Amount) Zero() Amount           { return Amount{Value: decimal.Zero, Currency: a.Currency} }
func (a Amount) Add(b Amount) Amount    { return Amount{Value: a.Value.Add(b.Value), Currency: a.currency(b)} }
func (a Amount) Sub(b Amount) Amount    { return Amount{Value: a.Value.Sub(b.Value), Currency: a.currency(b)} }
func (a Amount) Neg() Amount            { return Amount{Value: a.Value.Neg(), Currency: a.Currency} }
func (a Amount) Abs() Amount            { return Amount{Value: a.Value.Abs(), Currency: a.Currency} }
func (a Amount) IsNegative() bool       { return a.Value.IsNegative() }
func (a Amount) IsZero() bool           { return a.Value.IsZero() }
func (a Amount) Equal(b Amount) bool    { return a.Value.Equal(b.Value) }
func (a Amount) LessThan(b Amount) bool { return a.Value.LessThan(b.Value) }
func (a Amount) String() string         { return a.Value.StringFixed(2) }

// currency keeps the receiver's currency unless it is unset.
func (a Amount) currency(b Amount) Currency {
	if a.Currency == "" {
		return b.Currency
	}
	return a.Currency
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ReferrerID string
type ReferralID string
type LeadID string
type EntryID string

// =============================================================================
// REFERRAL STATUS
// =============================================================================

// ReferralStatus is the commission status of a referral. It is owned by this
// system and only changes through the referral state machine.
type ReferralStatus string

const (
	StatusSubmitted ReferralStatus = "submitted"
	StatusResponded ReferralStatus = "responded"
	StatusConverted ReferralStatus = "converted"
	StatusLost      ReferralStatus = "lost"
)

// Valid reports whether s is one of the defined statuses.
func (s ReferralStatus) Valid() bool {
	switch s {
	case StatusSubmitted, StatusResponded, StatusConverted, StatusLost:
		return true
	}
	return false
}

// =============================================================================
// REFERRER - "indicador"
// =============================================================================

type Referrer struct {
	ID        ReferrerID
	Name      string
	Balances  Balances
	Counters  Counters
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// REFERRAL - "indicacao"
// =============================================================================

// Referral links a referrer to a lead. One referral per lead.
//
// EscrowAmount is the response commission reserved when the referral was
// created (or re-reserved by a reversal). CommissionResponse and
// CommissionSale stay zero until actually credited to available.
type Referral struct {
	ID                 ReferralID
	ReferrerID         ReferrerID
	LeadID             LeadID
	Status             ReferralStatus
	EscrowAmount       Amount
	CommissionResponse Amount
	CommissionSale     Amount
	RespondedAt        *time.Time
	ConvertedAt        *time.Time
	LostAt             *time.Time
	LastLeadStatus     string
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// =============================================================================
// COMMISSION RATES
// =============================================================================

// Rates are the global commission settings ("comissaoResposta" and
// "comissaoVenda"). They are read when a transition is evaluated, so a rate
// change only affects future transitions.
type Rates struct {
	Response Amount
	Sale     Amount
}

// RatesProvider supplies the current rates.
type RatesProvider interface {
	Rates(ctx context.Context) (Rates, error)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// BalanceChanged is the "referrerBalanceChanged" push event.
type BalanceChanged struct {
	ReferrerID ReferrerID
	Balances   Balances
	Counters   Counters
	At         time.Time
}
