/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.TxStore, generic.SettingsStore and generic.FailureStore
  using SQLite. The Postgres store (store/postgres) implements the same
  interfaces with row locks.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_entries
  - No DELETE statements on ledger_entries
  - Corrections are new entries appended by reversals

KEY TABLES:
  referrers:          Balances and gamification counters
  referrals:          Status and granted commission amounts, one per lead
  ledger_entries:     Immutable audit log of every pool change
  settings:           Named configuration values (commission rates)
  dispatch_failures:  Lead status changes whose commission side failed

CONCURRENCY:
  The database is opened with _txlock=immediate, so every WithTx starts with
  BEGIN IMMEDIATE and holds the write lock for the whole unit of work. That
  is SQLite's equivalent of locking the referrer row: no other writer can
  read-modify-write balances until commit. SQLITE_BUSY surfaces as
  generic.ErrConcurrencyConflict.

  A sync.Mutex additionally orders WithTx calls from this process so they
  queue instead of spinning on SQLITE_BUSY.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) so readers don't block the
  writer.

USAGE:
  store, err := sqlite.New("./data/commission.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/generic"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS referrers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL DEFAULT 'BRL',
		available TEXT NOT NULL DEFAULT '0',
		blocked TEXT NOT NULL DEFAULT '0',
		lost TEXT NOT NULL DEFAULT '0',
		total_paid TEXT NOT NULL DEFAULT '0',
		referrals_total INTEGER NOT NULL DEFAULT 0,
		referrals_responded INTEGER NOT NULL DEFAULT 0,
		referrals_converted INTEGER NOT NULL DEFAULT 0,
		sales_toward_next_box INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS referrals (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL REFERENCES referrers(id),
		lead_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		escrow_amount TEXT NOT NULL DEFAULT '0',
		commission_response TEXT NOT NULL DEFAULT '0',
		commission_sale TEXT NOT NULL DEFAULT '0',
		responded_at TEXT,
		converted_at TEXT,
		lost_at TEXT,
		last_lead_status TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_referrals_referrer
		ON referrals(referrer_id);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		referrer_id TEXT NOT NULL REFERENCES referrers(id),
		referral_id TEXT NOT NULL REFERENCES referrals(id),
		kind TEXT NOT NULL,
		pool TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		event_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_referrer
		ON ledger_entries(referrer_id, seq);
	CREATE INDEX IF NOT EXISTS idx_ledger_event
		ON ledger_entries(event_id) WHERE event_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
		BEFORE UPDATE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
		BEFORE DELETE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dispatch_failures (
		id TEXT PRIMARY KEY,
		lead_id TEXT NOT NULL,
		new_status TEXT NOT NULL,
		event_id TEXT,
		expected_version INTEGER,
		last_error TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_dispatch_failures_pending
		ON dispatch_failures(created_at) WHERE resolved_at IS NULL;
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// Databases created before the replay guard lack this column.
	return s.ensureColumn("dispatch_failures", "expected_version", "INTEGER")
}

func (s *Store) ensureColumn(table, column, decl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid              int
			name, colType    string
			notNull, primary int
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &primary); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

type txStore struct {
	queries
}

// LockReferrer inside a transaction: BEGIN IMMEDIATE already holds the
// database write lock, so a plain read is enough.
func (ts *txStore) LockReferrer(ctx context.Context, id generic.ReferrerID) (*generic.Referrer, error) {
	return ts.GetReferrer(ctx, id)
}

// LockReferrer outside a transaction is a plain read.
func (s *Store) LockReferrer(ctx context.Context, id generic.ReferrerID) (*generic.Referrer, error) {
	return s.GetReferrer(ctx, id)
}

// =============================================================================
// QUERIES - shared by Store and txStore
// =============================================================================

type queries struct {
	q queryer
}

const referrerColumns = `id, name, currency, available, blocked, lost, total_paid,
	referrals_total, referrals_responded, referrals_converted, sales_toward_next_box,
	created_at, updated_at`

func (qs queries) CreateReferrer(ctx context.Context, r generic.Referrer) error {
	currency := r.Balances.Available.Currency
	if currency == "" {
		currency = generic.CurrencyBRL
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO referrers (`+referrerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, currency,
		r.Balances.Available.Value.String(),
		r.Balances.Blocked.Value.String(),
		r.Balances.Lost.Value.String(),
		r.Balances.TotalPaid.Value.String(),
		r.Counters.ReferralsTotal, r.Counters.ReferralsResponded,
		r.Counters.ReferralsConverted, r.Counters.SalesTowardNextBox,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateReferrer
		}
		return mapError(fmt.Errorf("failed to insert referrer: %w", err))
	}
	return nil
}

func (qs queries) GetReferrer(ctx context.Context, id generic.ReferrerID) (*generic.Referrer, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+referrerColumns+` FROM referrers WHERE id = ?`, id)
	r, err := scanReferrer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrReferrerNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &r, nil
}

func (qs queries) ListReferrers(ctx context.Context) ([]generic.Referrer, error) {
	rows, err := qs.q.QueryContext(ctx, `SELECT `+referrerColumns+` FROM referrers ORDER BY id`)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query referrers: %w", err))
	}
	defer rows.Close()

	var result []generic.Referrer
	for rows.Next() {
		r, err := scanReferrer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (qs queries) UpdateReferrer(ctx context.Context, r generic.Referrer) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE referrers SET
			name = ?, available = ?, blocked = ?, lost = ?, total_paid = ?,
			referrals_total = ?, referrals_responded = ?, referrals_converted = ?,
			sales_toward_next_box = ?, updated_at = ?
		WHERE id = ?`,
		r.Name,
		r.Balances.Available.Value.String(),
		r.Balances.Blocked.Value.String(),
		r.Balances.Lost.Value.String(),
		r.Balances.TotalPaid.Value.String(),
		r.Counters.ReferralsTotal, r.Counters.ReferralsResponded,
		r.Counters.ReferralsConverted, r.Counters.SalesTowardNextBox,
		formatTime(r.UpdatedAt),
		r.ID,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to update referrer: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrReferrerNotFound
	}
	return nil
}

const referralColumns = `id, referrer_id, lead_id, status, escrow_amount,
	commission_response, commission_sale, responded_at, converted_at, lost_at,
	last_lead_status, version, created_at, updated_at`

func (qs queries) CreateReferral(ctx context.Context, r generic.Referral) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO referrals (`+referralColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ReferrerID, r.LeadID, r.Status,
		r.EscrowAmount.Value.String(),
		r.CommissionResponse.Value.String(),
		r.CommissionSale.Value.String(),
		nullTime(r.RespondedAt), nullTime(r.ConvertedAt), nullTime(r.LostAt),
		r.LastLeadStatus, r.Version,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateReferral
		}
		if isForeignKeyError(err) {
			return generic.ErrReferrerNotFound
		}
		return mapError(fmt.Errorf("failed to insert referral: %w", err))
	}
	return nil
}

func (qs queries) GetReferral(ctx context.Context, id generic.ReferralID) (*generic.Referral, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+referralColumns+` FROM referrals WHERE id = ?`, id)
	r, err := scanReferral(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrReferralNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &r, nil
}

func (qs queries) GetReferralByLead(ctx context.Context, leadID generic.LeadID) (*generic.Referral, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+referralColumns+` FROM referrals WHERE lead_id = ?`, leadID)
	r, err := scanReferral(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrNoReferralAssociation
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &r, nil
}

func (qs queries) ListReferralsByReferrer(ctx context.Context, id generic.ReferrerID) ([]generic.Referral, error) {
	rows, err := qs.q.QueryContext(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE referrer_id = ? ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query referrals: %w", err))
	}
	defer rows.Close()

	var result []generic.Referral
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (qs queries) UpdateReferral(ctx context.Context, r generic.Referral, prevVersion int64) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE referrals SET
			status = ?, escrow_amount = ?, commission_response = ?, commission_sale = ?,
			responded_at = ?, converted_at = ?, lost_at = ?,
			last_lead_status = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		r.Status,
		r.EscrowAmount.Value.String(),
		r.CommissionResponse.Value.String(),
		r.CommissionSale.Value.String(),
		nullTime(r.RespondedAt), nullTime(r.ConvertedAt), nullTime(r.LostAt),
		r.LastLeadStatus, r.Version, formatTime(r.UpdatedAt),
		r.ID, prevVersion,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to update referral: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := qs.GetReferral(ctx, r.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: referral %s changed since version %d", generic.ErrConcurrencyConflict, r.ID, prevVersion)
	}
	return nil
}

// AppendEntries adds entries to the ledger. This is the only entry write.
func (qs queries) AppendEntries(ctx context.Context, entries []generic.LedgerEntry) error {
	for _, e := range entries {
		_, err := qs.q.ExecContext(ctx, `
			INSERT INTO ledger_entries
			(id, referrer_id, referral_id, kind, pool, amount, balance_before, balance_after,
			 description, event_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.ReferrerID, e.ReferralID, e.Kind, e.Pool,
			e.Amount.Value.String(),
			e.BalanceBefore.Value.String(),
			e.BalanceAfter.Value.String(),
			e.Description, nullString(e.EventID), formatTime(e.CreatedAt),
		)
		if err != nil {
			return mapError(fmt.Errorf("failed to append ledger entry: %w", err))
		}
	}
	return nil
}

func (qs queries) Entries(ctx context.Context, id generic.ReferrerID) ([]generic.LedgerEntry, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT e.id, e.referrer_id, e.referral_id, e.kind, e.pool, e.amount,
		       e.balance_before, e.balance_after, e.description, e.event_id, e.created_at,
		       r.currency
		FROM ledger_entries e JOIN referrers r ON r.id = e.referrer_id
		WHERE e.referrer_id = ?
		ORDER BY e.seq ASC`, id)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query ledger: %w", err))
	}
	defer rows.Close()

	var result []generic.LedgerEntry
	for rows.Next() {
		var (
			e                     generic.LedgerEntry
			amount, before, after string
			eventID               sql.NullString
			createdAt             string
			currency              string
		)
		if err := rows.Scan(&e.ID, &e.ReferrerID, &e.ReferralID, &e.Kind, &e.Pool,
			&amount, &before, &after, &e.Description, &eventID, &createdAt, &currency); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		c := generic.Currency(currency)
		var d fieldDecoder
		e.Amount = d.amount("amount", amount, c)
		e.BalanceBefore = d.amount("balance_before", before, c)
		e.BalanceAfter = d.amount("balance_after", after, c)
		e.EventID = eventID.String
		e.CreatedAt = d.time("created_at", createdAt)
		if d.err != nil {
			return nil, &generic.InconsistentStateError{ReferralID: e.ReferralID, Reason: fmt.Sprintf("ledger entry %s: %v", e.ID, d.err)}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (qs queries) EventApplied(ctx context.Context, eventID string) (bool, error) {
	var count int
	err := qs.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE event_id = ?", eventID,
	).Scan(&count)
	if err != nil {
		return false, mapError(err)
	}
	return count > 0, nil
}

// =============================================================================
// SETTINGS (generic.SettingsStore interface)
// =============================================================================

func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapError(err)
	}
	return value, true, nil
}

func (s *Store) SaveSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to save setting: %w", err))
	}
	return nil
}

// =============================================================================
// DISPATCH FAILURES (generic.FailureStore interface)
// =============================================================================

func (s *Store) RecordFailure(ctx context.Context, f generic.DispatchFailure) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_failures
		(id, lead_id, new_status, event_id, expected_version, last_error, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.LeadID, f.NewStatus, nullString(f.EventID), nullInt64(f.ExpectedVersion), f.LastError, f.Attempts,
		formatTime(f.CreatedAt), formatTime(f.UpdatedAt),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to record dispatch failure: %w", err))
	}
	return nil
}

func (s *Store) PendingFailures(ctx context.Context, limit int) ([]generic.DispatchFailure, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lead_id, new_status, event_id, expected_version, last_error, attempts, created_at, updated_at
		FROM dispatch_failures
		WHERE resolved_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query dispatch failures: %w", err))
	}
	defer rows.Close()

	var result []generic.DispatchFailure
	for rows.Next() {
		var (
			f                    generic.DispatchFailure
			eventID              sql.NullString
			expectedVersion      sql.NullInt64
			createdAt, updatedAt string
		)
		if err := rows.Scan(&f.ID, &f.LeadID, &f.NewStatus, &eventID, &expectedVersion, &f.LastError,
			&f.Attempts, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch failure: %w", err)
		}
		f.EventID = eventID.String
		if expectedVersion.Valid {
			v := expectedVersion.Int64
			f.ExpectedVersion = &v
		}
		var d fieldDecoder
		f.CreatedAt = d.time("created_at", createdAt)
		f.UpdatedAt = d.time("updated_at", updatedAt)
		if d.err != nil {
			return nil, fmt.Errorf("dispatch failure %s: %w", f.ID, d.err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (s *Store) MarkFailureAttempt(ctx context.Context, id string, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_failures SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?`, lastErr, formatTime(time.Now().UTC()), id)
	return mapError(err)
}

func (s *Store) ResolveFailure(ctx context.Context, id string) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_failures SET resolved_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
	return mapError(err)
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanReferrer(row scanner) (generic.Referrer, error) {
	var (
		r                                   generic.Referrer
		currency                            string
		available, blocked, lost, totalPaid string
		createdAt, updatedAt                string
	)
	err := row.Scan(&r.ID, &r.Name, &currency, &available, &blocked, &lost, &totalPaid,
		&r.Counters.ReferralsTotal, &r.Counters.ReferralsResponded,
		&r.Counters.ReferralsConverted, &r.Counters.SalesTowardNextBox,
		&createdAt, &updatedAt)
	if err != nil {
		return r, err
	}
	c := generic.Currency(currency)
	var d fieldDecoder
	r.Balances = generic.Balances{
		Available: d.amount("available", available, c),
		Blocked:   d.amount("blocked", blocked, c),
		Lost:      d.amount("lost", lost, c),
		TotalPaid: d.amount("total_paid", totalPaid, c),
	}
	r.CreatedAt = d.time("created_at", createdAt)
	r.UpdatedAt = d.time("updated_at", updatedAt)
	if d.err != nil {
		return r, fmt.Errorf("%w: referrer %q: %v", generic.ErrInconsistentReferralState, r.ID, d.err)
	}
	return r, nil
}

func scanReferral(row scanner) (generic.Referral, error) {
	var (
		r                        generic.Referral
		escrow, response, sale   string
		respondedAt, convertedAt sql.NullString
		lostAt                   sql.NullString
		createdAt, updatedAt     string
	)
	err := row.Scan(&r.ID, &r.ReferrerID, &r.LeadID, &r.Status, &escrow, &response, &sale,
		&respondedAt, &convertedAt, &lostAt, &r.LastLeadStatus, &r.Version,
		&createdAt, &updatedAt)
	if err != nil {
		return r, err
	}
	var d fieldDecoder
	r.EscrowAmount = d.amount("escrow_amount", escrow, generic.CurrencyBRL)
	r.CommissionResponse = d.amount("commission_response", response, generic.CurrencyBRL)
	r.CommissionSale = d.amount("commission_sale", sale, generic.CurrencyBRL)
	r.RespondedAt = d.nullTime("responded_at", respondedAt)
	r.ConvertedAt = d.nullTime("converted_at", convertedAt)
	r.LostAt = d.nullTime("lost_at", lostAt)
	r.CreatedAt = d.time("created_at", createdAt)
	r.UpdatedAt = d.time("updated_at", updatedAt)
	if d.err != nil {
		return r, &generic.InconsistentStateError{ReferralID: r.ID, Reason: d.err.Error()}
	}
	return r, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// fieldDecoder parses stored text columns and keeps the first failure.
// A column that does not parse is corruption, never a zero value.
type fieldDecoder struct {
	err error
}

func (d *fieldDecoder) amount(column, value string, c generic.Currency) generic.Amount {
	v, err := decimal.NewFromString(value)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("column %s holds %q: %w", column, value, err)
	}
	return generic.NewAmountFromDecimal(v, c)
}

func (d *fieldDecoder) time(column, value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("column %s holds %q: %w", column, value, err)
	}
	return t
}

func (d *fieldDecoder) nullTime(column string, value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	t := d.time(column, value.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

// mapError turns SQLITE_BUSY / SQLITE_LOCKED into ErrConcurrencyConflict.
func mapError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", generic.ErrConcurrencyConflict, err)
	}
	return err
}
