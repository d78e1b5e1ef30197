// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package adapters

import (
	"context"
	"sync"

	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/rules"
)

// Sim is an in-memory adapter for development, scenario replay and
// tests. It supports scripted failure injection.
type Sim struct {
	name string

	mu        sync.Mutex
	installed map[string]*rules.UniversalRule
	scripted  []error // consumed one per operation
	applies   int
	removes   int
}

// NewSim creates a simulated backend.
func NewSim(name string) *Sim {
	if name == "" {
		name = "sim"
	}
	return &Sim{
		name:      name,
		installed: make(map[string]*rules.UniversalRule),
	}
}

func (s *Sim) Name() string { return s.name }

// FailNext scripts errors for upcoming operations, consumed in order
// before any state change.
func (s *Sim) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripted = append(s.scripted, errs...)
}

func (s *Sim) nextScripted() error {
	if len(s.scripted) == 0 {
		return nil
	}
	err := s.scripted[0]
	s.scripted = s.scripted[1:]
	return err
}

func (s *Sim) Apply(ctx context.Context, rule *rules.UniversalRule) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.nextScripted(); err != nil {
		return "", err
	}
	s.applies++
	s.installed[rule.RuleID] = rule
	return rule.RuleID, nil
}

func (s *Sim) Remove(ctx context.Context, nativeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.nextScripted(); err != nil {
		return err
	}
	s.removes++
	delete(s.installed, nativeID)
	return nil
}

func (s *Sim) Query(ctx context.Context, nativeID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.nextScripted(); err != nil {
		return false, err
	}
	_, ok := s.installed[nativeID]
	return ok, nil
}

func (s *Sim) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.nextScripted(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(s.installed))
	for id := range s.installed {
		ids = append(ids, id)
	}
	return ids, nil
}

// Installed returns the rule currently installed under id, if any.
func (s *Sim) Installed(id string) (*rules.UniversalRule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.installed[id]
	return r, ok
}

// Counts returns the number of applies and removes performed.
func (s *Sim) Counts() (applies, removes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applies, s.removes
}

// Transient builds a scripted transient failure.
func Transient(msg string) error {
	return errors.New(errors.KindTransient, msg)
}

// Permanent builds a scripted permanent failure.
func Permanent(msg string) error {
	return errors.New(errors.KindPermanent, msg)
}

// Unreachable builds a scripted unreachable failure.
func Unreachable(msg string) error {
	return errors.New(errors.KindUnavailable, msg)
}
