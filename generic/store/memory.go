// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.Mutex
	referrers map[generic.ReferrerID]generic.Referrer
	referrals map[generic.ReferralID]generic.Referral
	byLead    map[generic.LeadID]generic.ReferralID
	entries   []generic.LedgerEntry
	events    map[string]bool
	settings  map[string]string
	failures  map[string]generic.DispatchFailure
}

func NewMemory() *Memory {
	return &Memory{
		referrers: make(map[generic.ReferrerID]generic.Referrer),
		referrals: make(map[generic.ReferralID]generic.Referral),
		byLead:    make(map[generic.LeadID]generic.ReferralID),
		events:    make(map[string]bool),
		settings:  make(map[string]string),
		failures:  make(map[string]generic.DispatchFailure),
	}
}

// =============================================================================
// generic.Store
// =============================================================================

func (m *Memory) CreateReferrer(_ context.Context, r generic.Referrer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createReferrerLocked(r)
}

func (m *Memory) GetReferrer(_ context.Context, id generic.ReferrerID) (*generic.Referrer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getReferrerLocked(id)
}

// LockReferrer outside WithTx is a plain read.
func (m *Memory) LockReferrer(ctx context.Context, id generic.ReferrerID) (*generic.Referrer, error) {
	return m.GetReferrer(ctx, id)
}

func (m *Memory) ListReferrers(_ context.Context) ([]generic.Referrer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listReferrersLocked(), nil
}

func (m *Memory) UpdateReferrer(_ context.Context, r generic.Referrer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateReferrerLocked(r)
}

func (m *Memory) CreateReferral(_ context.Context, r generic.Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createReferralLocked(r)
}

func (m *Memory) GetReferral(_ context.Context, id generic.ReferralID) (*generic.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getReferralLocked(id)
}

func (m *Memory) GetReferralByLead(_ context.Context, leadID generic.LeadID) (*generic.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getReferralByLeadLocked(leadID)
}

func (m *Memory) ListReferralsByReferrer(_ context.Context, id generic.ReferrerID) ([]generic.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listReferralsLocked(id), nil
}

func (m *Memory) UpdateReferral(_ context.Context, r generic.Referral, prevVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateReferralLocked(r, prevVersion)
}

// AppendEntries adds entries. Append-only.
func (m *Memory) AppendEntries(_ context.Context, entries []generic.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(entries)
	return nil
}

func (m *Memory) Entries(_ context.Context, id generic.ReferrerID) ([]generic.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entriesLocked(id), nil
}

func (m *Memory) EventApplied(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[eventID], nil
}

// =============================================================================
// LOCKED HELPERS
// =============================================================================

func (m *Memory) createReferrerLocked(r generic.Referrer) error {
	if _, ok := m.referrers[r.ID]; ok {
		return generic.ErrDuplicateReferrer
	}
	m.referrers[r.ID] = r
	return nil
}

func (m *Memory) getReferrerLocked(id generic.ReferrerID) (*generic.Referrer, error) {
	r, ok := m.referrers[id]
	if !ok {
		return nil, generic.ErrReferrerNotFound
	}
	return &r, nil
}

func (m *Memory) listReferrersLocked() []generic.Referrer {
	result := make([]generic.Referrer, 0, len(m.referrers))
	for _, r := range m.referrers {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *Memory) updateReferrerLocked(r generic.Referrer) error {
	if _, ok := m.referrers[r.ID]; !ok {
		return generic.ErrReferrerNotFound
	}
	m.referrers[r.ID] = r
	return nil
}

func (m *Memory) createReferralLocked(r generic.Referral) error {
	if _, ok := m.byLead[r.LeadID]; ok {
		return generic.ErrDuplicateReferral
	}
	if _, ok := m.referrals[r.ID]; ok {
		return generic.ErrDuplicateReferral
	}
	m.referrals[r.ID] = r
	m.byLead[r.LeadID] = r.ID
	return nil
}

func (m *Memory) getReferralLocked(id generic.ReferralID) (*generic.Referral, error) {
	r, ok := m.referrals[id]
	if !ok {
		return nil, generic.ErrReferralNotFound
	}
	return &r, nil
}

func (m *Memory) getReferralByLeadLocked(leadID generic.LeadID) (*generic.Referral, error) {
	id, ok := m.byLead[leadID]
	if !ok {
		return nil, generic.ErrNoReferralAssociation
	}
	return m.getReferralLocked(id)
}

func (m *Memory) listReferralsLocked(id generic.ReferrerID) []generic.Referral {
	var result []generic.Referral
	for _, r := range m.referrals {
		if r.ReferrerID == id {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

func (m *Memory) updateReferralLocked(r generic.Referral, prevVersion int64) error {
	stored, ok := m.referrals[r.ID]
	if !ok {
		return generic.ErrReferralNotFound
	}
	if stored.Version != prevVersion {
		return fmt.Errorf("%w: referral %s is at version %d, expected %d",
			generic.ErrConcurrencyConflict, r.ID, stored.Version, prevVersion)
	}
	m.referrals[r.ID] = r
	return nil
}

func (m *Memory) appendLocked(entries []generic.LedgerEntry) {
	for _, e := range entries {
		m.entries = append(m.entries, e)
		if e.EventID != "" {
			m.events[e.EventID] = true
		}
	}
}

func (m *Memory) entriesLocked(id generic.ReferrerID) []generic.LedgerEntry {
	var result []generic.LedgerEntry
	for _, e := range m.entries {
		if e.ReferrerID == id {
			result = append(result, e)
		}
	}
	return result
}

// =============================================================================
// SETTINGS AND FAILURES
// =============================================================================

func (m *Memory) GetSetting(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *Memory) SaveSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *Memory) RecordFailure(_ context.Context, f generic.DispatchFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[f.ID] = f
	return nil
}

func (m *Memory) PendingFailures(_ context.Context, limit int) ([]generic.DispatchFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []generic.DispatchFailure
	for _, f := range m.failures {
		if f.ResolvedAt == nil {
			result = append(result, f)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Memory) MarkFailureAttempt(_ context.Context, id string, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.failures[id]
	if !ok {
		return nil
	}
	f.Attempts++
	f.LastError = lastErr
	f.UpdatedAt = time.Now().UTC()
	m.failures[id] = f
	return nil
}

func (m *Memory) ResolveFailure(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.failures[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	f.ResolvedAt = &now
	f.UpdatedAt = now
	m.failures[id] = f
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The store mutex is held for the whole call, so every referrer is locked.
func (m *Memory) WithTx(_ context.Context, fn func(generic.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()

	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	referrers map[generic.ReferrerID]generic.Referrer
	referrals map[generic.ReferralID]generic.Referral
	byLead    map[generic.LeadID]generic.ReferralID
	entries   []generic.LedgerEntry
	events    map[string]bool
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		referrers: make(map[generic.ReferrerID]generic.Referrer, len(m.referrers)),
		referrals: make(map[generic.ReferralID]generic.Referral, len(m.referrals)),
		byLead:    make(map[generic.LeadID]generic.ReferralID, len(m.byLead)),
		entries:   append([]generic.LedgerEntry{}, m.entries...),
		events:    make(map[string]bool, len(m.events)),
	}
	for k, v := range m.referrers {
		s.referrers[k] = v
	}
	for k, v := range m.referrals {
		s.referrals[k] = v
	}
	for k, v := range m.byLead {
		s.byLead[k] = v
	}
	for k, v := range m.events {
		s.events[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.referrers = s.referrers
	m.referrals = s.referrals
	m.byLead = s.byLead
	m.entries = s.entries
	m.events = s.events
}

// txView runs with the parent mutex already held.
type txView struct {
	parent *Memory
}

func (tv *txView) CreateReferrer(_ context.Context, r generic.Referrer) error {
	return tv.parent.createReferrerLocked(r)
}

func (tv *txView) GetReferrer(_ context.Context, id generic.ReferrerID) (*generic.Referrer, error) {
	return tv.parent.getReferrerLocked(id)
}

func (tv *txView) LockReferrer(_ context.Context, id generic.ReferrerID) (*generic.Referrer, error) {
	return tv.parent.getReferrerLocked(id)
}

func (tv *txView) ListReferrers(_ context.Context) ([]generic.Referrer, error) {
	return tv.parent.listReferrersLocked(), nil
}

func (tv *txView) UpdateReferrer(_ context.Context, r generic.Referrer) error {
	return tv.parent.updateReferrerLocked(r)
}

func (tv *txView) CreateReferral(_ context.Context, r generic.Referral) error {
	return tv.parent.createReferralLocked(r)
}

func (tv *txView) GetReferral(_ context.Context, id generic.ReferralID) (*generic.Referral, error) {
	return tv.parent.getReferralLocked(id)
}

func (tv *txView) GetReferralByLead(_ context.Context, leadID generic.LeadID) (*generic.Referral, error) {
	return tv.parent.getReferralByLeadLocked(leadID)
}

func (tv *txView) ListReferralsByReferrer(_ context.Context, id generic.ReferrerID) ([]generic.Referral, error) {
	return tv.parent.listReferralsLocked(id), nil
}

func (tv *txView) UpdateReferral(_ context.Context, r generic.Referral, prevVersion int64) error {
	return tv.parent.updateReferralLocked(r, prevVersion)
}

func (tv *txView) AppendEntries(_ context.Context, entries []generic.LedgerEntry) error {
	tv.parent.appendLocked(entries)
	return nil
}

func (tv *txView) Entries(_ context.Context, id generic.ReferrerID) ([]generic.LedgerEntry, error) {
	return tv.parent.entriesLocked(id), nil
}

func (tv *txView) EventApplied(_ context.Context, eventID string) (bool, error) {
	return tv.parent.events[eventID], nil
}
