package store

import (
	"context"
	"sync"

	"github.com/example/finengine/internal/finengine/errs"
	"github.com/example/finengine/internal/finengine/template"
)

// MemoryStore is an in-memory Store used by tests and single-process
// command-line runs where a PostgreSQL instance is unavailable or
// unnecessary.
type MemoryStore struct {
	mu sync.RWMutex

	templates         map[string]*template.Template
	drivers           map[driverKey]Driver
	units             []UnitDefinition
	fxRates           map[fxKey]float64
	scenarioActions   map[string][]ScenarioActionBinding
	managementActions map[string]ManagementAction
	periodResults     []PeriodResult
}

type driverKey struct {
	entity, scenario, period, code string
}

type fxKey struct {
	from, to, rateType, period string
}

// NewMemoryStore returns an empty MemoryStore ready for seeding.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates:         make(map[string]*template.Template),
		drivers:           make(map[driverKey]Driver),
		fxRates:           make(map[fxKey]float64),
		scenarioActions:   make(map[string][]ScenarioActionBinding),
		managementActions: make(map[string]ManagementAction),
	}
}

// SeedUnitDefinitions replaces the unit definition catalog.
func (s *MemoryStore) SeedUnitDefinitions(defs []UnitDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = append([]UnitDefinition{}, defs...)
}

// SeedDriver inserts or replaces a single driver value.
func (s *MemoryStore) SeedDriver(d Driver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[driverKey{d.Entity, d.Scenario, d.PeriodID, d.Code}] = d
}

// SeedFX inserts or replaces a single FX rate.
func (s *MemoryStore) SeedFX(from, to, rateType, periodID string, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fxRates[fxKey{from, to, rateType, periodID}] = rate
}

// SeedScenarioAction attaches a binding to a scenario.
func (s *MemoryStore) SeedScenarioAction(b ScenarioActionBinding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarioActions[b.Scenario] = append(s.scenarioActions[b.Scenario], b)
}

// SeedManagementAction registers a catalog entry.
func (s *MemoryStore) SeedManagementAction(a ManagementAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managementActions[a.Code] = a
}

func (s *MemoryStore) FetchTemplate(ctx context.Context, code string) (*template.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[code]
	if !ok {
		return nil, &errs.UnknownReferenceError{Name: code}
	}
	return tpl.Clone(tpl.Code), nil
}

func (s *MemoryStore) SaveTemplate(ctx context.Context, tpl *template.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[tpl.Code] = tpl.Clone(tpl.Code)
	return nil
}

func (s *MemoryStore) FetchDrivers(ctx context.Context, entity, scenario, periodID string) ([]Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Driver
	for k, v := range s.drivers {
		if k.entity == entity && k.scenario == scenario && k.period == periodID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *MemoryStore) FetchUnitDefinitions(ctx context.Context) ([]UnitDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]UnitDefinition{}, s.units...), nil
}

func (s *MemoryStore) FetchFX(ctx context.Context, from, to, rateType, periodID string) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.fxRates[fxKey{from, to, rateType, periodID}]
	return rate, ok, nil
}

func (s *MemoryStore) FetchScenarioActions(ctx context.Context, scenario string) ([]ScenarioActionBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ScenarioActionBinding{}, s.scenarioActions[scenario]...), nil
}

func (s *MemoryStore) FetchManagementActions(ctx context.Context, codes []string) ([]ManagementAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ManagementAction, 0, len(codes))
	for _, code := range codes {
		a, ok := s.managementActions[code]
		if !ok {
			return nil, &errs.UnknownReferenceError{Name: code}
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *MemoryStore) PersistPeriodResult(ctx context.Context, result PeriodResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periodResults = append(s.periodResults, result)
	return nil
}

// PeriodResults returns every result persisted so far, for assertions in
// tests.
func (s *MemoryStore) PeriodResults() []PeriodResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PeriodResult{}, s.periodResults...)
}
