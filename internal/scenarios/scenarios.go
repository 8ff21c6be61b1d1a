// Package scenarios holds the conformance suite of the persistence manager:
// small fixture models and the flows that exercise them against a live
// store. Each scenario reproduces one regression the engine must not
// reintroduce.
package scenarios

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/mesh-intelligence/ledger/internal/logging"
	"github.com/mesh-intelligence/ledger/pkg/ledger"
	"github.com/mesh-intelligence/ledger/pkg/mapping"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

// Scenario is one conformance case.
type Scenario struct {
	Name        string
	Description string

	// Schema is applied statement by statement before the run. A statement
	// that fails because its table exists is skipped.
	Schema []string

	// Reset empties the scenario tables, in order, when the run asks for a
	// clean slate.
	Reset []string

	// Registry returns the canonical mapping of the scenario tables. Types
	// are registered so that referenced tables come first.
	Registry func() (*mapping.Registry, error)

	run func(ctx context.Context, env *Env) error
}

// Env is what a scenario run receives.
type Env struct {
	Store types.Store
	Opts  []ledger.Option
	Log   zerolog.Logger
}

// manager opens an entity manager over the run's store for registry.
func (env *Env) manager(registry *mapping.Registry, err error) (*ledger.EntityManager, error) {
	if err != nil {
		return nil, err
	}
	return ledger.New(env.Store, registry, env.Opts...)
}

// Result reports the outcome of one scenario.
type Result struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// ErrUnknownScenario is returned by Select for a name that is not in All.
var ErrUnknownScenario = errors.New("unknown scenario")

// ErrExpectation marks a run that completed but observed the wrong state.
var ErrExpectation = errors.New("expectation failed")

// All returns every scenario in a stable order.
func All() []Scenario {
	return []Scenario{
		membershipScenario(),
		proxyPathsScenario(),
		orphanRemovalScenario(),
		lemmaScenario(),
	}
}

// Select returns the scenarios with the given names, in the order given.
// No names selects All.
func Select(names ...string) ([]Scenario, error) {
	all := All()
	if len(names) == 0 {
		return all, nil
	}
	out := make([]Scenario, 0, len(names))
	for _, name := range names {
		i := slices.IndexFunc(all, func(s Scenario) bool { return s.Name == name })
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownScenario, name)
		}
		out = append(out, all[i])
	}
	return out, nil
}

// RunOptions tune Run.
type RunOptions struct {
	// Reset empties the scenario tables before each run.
	Reset bool

	// Manager options passed to every entity manager a scenario opens.
	Manager []ledger.Option

	Log zerolog.Logger
}

// Run executes each scenario against s and reports one Result per
// scenario. It stops early only when ctx is done.
func Run(ctx context.Context, s types.Store, list []Scenario, opts RunOptions) []Result {
	log := logging.WithComponent(opts.Log, "scenarios")
	results := make([]Result, 0, len(list))
	for _, sc := range list {
		if ctx.Err() != nil {
			results = append(results, Result{Name: sc.Name, Error: ctx.Err().Error()})
			continue
		}
		start := time.Now()
		err := sc.Prepare(ctx, s, opts.Reset)
		if err == nil {
			err = sc.run(ctx, &Env{Store: s, Opts: opts.Manager, Log: log})
		}
		r := Result{Name: sc.Name, Passed: err == nil, Duration: time.Since(start)}
		if err != nil {
			r.Error = err.Error()
			log.Warn().Err(err).Str("scenario", sc.Name).Msg("scenario failed")
		} else {
			log.Debug().Str("scenario", sc.Name).Dur(logging.FieldDuration, r.Duration).Msg("scenario passed")
		}
		results = append(results, r)
	}
	return results
}

// Prepare applies the scenario schema and, when reset is set, empties its
// tables.
func (sc Scenario) Prepare(ctx context.Context, s types.Store, reset bool) error {
	for _, stmt := range sc.Schema {
		if err := s.Exec(ctx, stmt); err != nil && !errors.Is(err, types.ErrTableExists) {
			return fmt.Errorf("schema: %w", err)
		}
	}
	if reset && len(sc.Reset) > 0 {
		if err := s.Exec(ctx, sc.Reset...); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return nil
}

// Passed reports whether every result passed.
func Passed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func expect(ok bool, format string, args ...any) error {
	if ok {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrExpectation, fmt.Sprintf(format, args...))
}

// firstErr returns the first non-nil error.
func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
