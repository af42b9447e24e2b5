/*
store.go - Persistence interfaces

PURPOSE:
  Defines the interface between the commission rules and the database.
  Different implementations use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store:         Referrers, referrals and ledger entries
  TxStore:       Atomic units of work with the referrer row locked
  SettingsStore: Named configuration values (commission rates)
  FailureStore:  Dispatches that failed and must be replayed

APPEND-ONLY CONTRACT:
  Ledger entries have AppendEntries() and read methods only. No Update() or
  Delete() exists for them.

LOCKING:
  LockReferrer() is only meaningful inside WithTx. It reads the referrer and
  holds it (row lock, immediate transaction or mutex, per implementation)
  until the transaction ends. Every read-modify-write of balances must go
  through it.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go:     SQLite (BEGIN IMMEDIATE)
  - store/postgres/postgres.go: PostgreSQL via gorm (SELECT ... FOR UPDATE)
  - generic/store/memory.go:    In-memory for testing
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// CreateReferrer inserts a new referrer. Returns ErrDuplicateReferrer if
	// the id exists.
	CreateReferrer(ctx context.Context, r Referrer) error

	// GetReferrer returns ErrReferrerNotFound when missing.
	GetReferrer(ctx context.Context, id ReferrerID) (*Referrer, error)

	// LockReferrer reads the referrer and holds its row for the rest of the
	// enclosing transaction.
	LockReferrer(ctx context.Context, id ReferrerID) (*Referrer, error)

	ListReferrers(ctx context.Context) ([]Referrer, error)

	// UpdateReferrer writes balances and counters.
	UpdateReferrer(ctx context.Context, r Referrer) error

	// CreateReferral inserts a referral. Returns ErrDuplicateReferral if the
	// lead already has one.
	CreateReferral(ctx context.Context, r Referral) error

	// GetReferral returns ErrReferralNotFound when missing.
	GetReferral(ctx context.Context, id ReferralID) (*Referral, error)

	// GetReferralByLead returns ErrNoReferralAssociation when the lead has
	// no referral.
	GetReferralByLead(ctx context.Context, leadID LeadID) (*Referral, error)

	ListReferralsByReferrer(ctx context.Context, id ReferrerID) ([]Referral, error)

	// UpdateReferral writes r if the stored version is still prevVersion.
	// A different stored version returns ErrConcurrencyConflict, so a
	// decision made on a stale read is retried instead of committed.
	UpdateReferral(ctx context.Context, r Referral, prevVersion int64) error

	// AppendEntries persists ledger entries. This is the ONLY entry write.
	AppendEntries(ctx context.Context, entries []LedgerEntry) error

	// Entries returns a referrer's ledger, oldest first.
	Entries(ctx context.Context, id ReferrerID) ([]LedgerEntry, error)

	// EventApplied reports whether any entry carries eventID.
	EventApplied(ctx context.Context, eventID string) (bool, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// SETTINGS
// =============================================================================

type SettingsStore interface {
	// GetSetting returns ok=false when the key was never saved.
	GetSetting(ctx context.Context, key string) (value string, ok bool, err error)
	SaveSetting(ctx context.Context, key, value string) error
}

// =============================================================================
// DISPATCH FAILURES
// =============================================================================

// DispatchFailure is a lead status change whose commission side failed.
// The lead update itself already succeeded; the scheduler replays these.
//
// ExpectedVersion is the referral version the event was meant for. A replay
// after the referral moved on is stale and skipped.
type DispatchFailure struct {
	ID              string
	LeadID          LeadID
	NewStatus       string
	EventID         string
	ExpectedVersion *int64
	LastError       string
	Attempts        int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
}

type FailureStore interface {
	RecordFailure(ctx context.Context, f DispatchFailure) error
	PendingFailures(ctx context.Context, limit int) ([]DispatchFailure, error)
	MarkFailureAttempt(ctx context.Context, id string, lastErr string) error
	ResolveFailure(ctx context.Context, id string) error
}
