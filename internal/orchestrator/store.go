// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package orchestrator

import (
	"sync"
	"time"

	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/rules"
)

// RuleStatus is the mutable lifecycle record tracked per rule. The
// rule itself stays immutable; dedup bumps only ExpiresAt.
type RuleStatus struct {
	Rule      *rules.UniversalRule   `json:"rule"`
	State     rules.Lifecycle        `json:"state"`
	Outcomes  []rules.AdapterOutcome `json:"outcomes,omitempty"`
	NativeIDs map[string]string      `json:"native_ids,omitempty"` // adapter name -> native id
	Attempts  int                    `json:"attempts"`
	ExpiresAt time.Time              `json:"expires_at,omitempty"` // zero = no expiry
	UpdatedAt time.Time              `json:"updated_at"`
}

func (s *RuleStatus) clone() *RuleStatus {
	c := *s
	c.Outcomes = append([]rules.AdapterOutcome(nil), s.Outcomes...)
	c.NativeIDs = make(map[string]string, len(s.NativeIDs))
	for k, v := range s.NativeIDs {
		c.NativeIDs[k] = v
	}
	return &c
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	State  rules.Lifecycle
	Action rules.Action
	Origin string
}

func (f Filter) matches(s *RuleStatus) bool {
	if f.State != "" && s.State != f.State {
		return false
	}
	if f.Action != "" && s.Rule.Action != f.Action {
		return false
	}
	if f.Origin != "" && s.Rule.OriginDecisionRef != f.Origin {
		return false
	}
	return true
}

// Store is the in-memory rule state table. All lifecycle mutation goes
// through it under one lock, which serializes writers per rule.
type Store struct {
	mu    sync.Mutex
	byID  map[string]*RuleStatus
	order []string // insertion order for stable listings
}

// NewStore creates an empty state table.
func NewStore() *Store {
	return &Store{byID: make(map[string]*RuleStatus)}
}

// Insert registers a new rule in the pending state.
func (st *Store) Insert(r *rules.UniversalRule, now time.Time) *RuleStatus {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := &RuleStatus{
		Rule:      r,
		State:     rules.StatePending,
		NativeIDs: make(map[string]string),
		UpdatedAt: now,
	}
	if r.TTL > 0 {
		s.ExpiresAt = r.CreatedAt.Add(r.TTL)
	}
	st.byID[r.RuleID] = s
	st.order = append(st.order, r.RuleID)
	return s.clone()
}

// Get returns the status for a rule id.
func (st *Store) Get(ruleID string) (*RuleStatus, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byID[ruleID]
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "rule %s not found", ruleID)
	}
	return s.clone(), nil
}

// ByOrigin returns the most recent non-terminal rule for a decision
// reference, if any. Used for replay idempotency.
func (st *Store) ByOrigin(origin string) (*RuleStatus, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := len(st.order) - 1; i >= 0; i-- {
		s := st.byID[st.order[i]]
		if s.Rule.OriginDecisionRef != origin {
			continue
		}
		switch s.State {
		case rules.StatePending, rules.StateApplying, rules.StateActive:
			return s.clone(), true
		}
	}
	return nil, false
}

// ActiveIntersecting returns active rules whose match can select a
// packet the candidate match also selects.
func (st *Store) ActiveIntersecting(m rules.Match) []*RuleStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []*RuleStatus
	for _, id := range st.order {
		s := st.byID[id]
		if s.State == rules.StateActive && s.Rule.Match.Intersects(m) {
			out = append(out, s.clone())
		}
	}
	return out
}

// List returns statuses matching the filter in insertion order.
func (st *Store) List(f Filter) []*RuleStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []*RuleStatus
	for _, id := range st.order {
		if s := st.byID[id]; f.matches(s) {
			out = append(out, s.clone())
		}
	}
	return out
}

// ExpiredActive returns active rules whose expiry has passed at now.
func (st *Store) ExpiredActive(now time.Time) []*RuleStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []*RuleStatus
	for _, id := range st.order {
		s := st.byID[id]
		if s.State == rules.StateActive && !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt) {
			out = append(out, s.clone())
		}
	}
	return out
}

// SetState transitions a rule's lifecycle.
func (st *Store) SetState(ruleID string, state rules.Lifecycle, now time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byID[ruleID]
	if !ok {
		return errors.Errorf(errors.KindNotFound, "rule %s not found", ruleID)
	}
	s.State = state
	s.UpdatedAt = now
	return nil
}

// RecordOutcome appends an adapter outcome and, on success, the
// adapter's native identifier.
func (st *Store) RecordOutcome(ruleID string, out rules.AdapterOutcome) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byID[ruleID]
	if !ok {
		return
	}
	s.Outcomes = append(s.Outcomes, out)
	if out.Outcome == rules.OutcomeOK && out.NativeID != "" {
		s.NativeIDs[out.Adapter] = out.NativeID
	}
	s.UpdatedAt = out.At
}

// AddAttempt bumps the apply attempt counter.
func (st *Store) AddAttempt(ruleID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.byID[ruleID]; ok {
		s.Attempts++
	}
}

// BumpExpiry extends an existing rule's lifetime by ttl from now.
func (st *Store) BumpExpiry(ruleID string, ttl time.Duration, now time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.byID[ruleID]; ok && ttl > 0 {
		s.ExpiresAt = now.Add(ttl)
		s.UpdatedAt = now
	}
}
