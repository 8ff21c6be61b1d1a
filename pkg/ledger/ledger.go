// Package ledger is the public entry point of the persistence manager. An
// EntityManager couples a Store with a unit of work for one mapping
// Registry.
//
// Example:
//
//	em, err := ledger.Open(ctx, types.Config{
//	    Backend: types.BackendSQLite,
//	    DataDir: dataDir,
//	}, registry)
//	if err != nil {
//	    return err
//	}
//	defer em.Close()
//
//	client := &Client{Name: "Client1"}
//	if err := em.Persist(client); err != nil {
//	    return err
//	}
//	if err := em.Flush(ctx); err != nil {
//	    return err
//	}
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/mesh-intelligence/ledger/internal/logging"
	"github.com/mesh-intelligence/ledger/internal/metrics"
	"github.com/mesh-intelligence/ledger/internal/store"
	"github.com/mesh-intelligence/ledger/internal/uow"
	"github.com/mesh-intelligence/ledger/pkg/mapping"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

// Version is the release of the ledger module.
const Version = "0.1.0"

// EntityManager persists and loads the entities of one Registry. It is not
// safe for concurrent use.
type EntityManager struct {
	uow   *uow.UnitOfWork
	store types.Store
	log   zerolog.Logger
	owned bool
	// logs is the output opened by Open for the configured log file.
	logs  io.Closer
}

type options struct {
	log        *zerolog.Logger
	registerer prometheus.Registerer
	metrics    bool
}

// Option configures an EntityManager.
type Option func(*options)

// WithLogger sets the logger for the manager and its store. Without it,
// Open builds a logger from the Config and New discards output.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = &l }
}

// WithMetrics registers flush metrics with reg. A nil reg keeps the
// collectors on a private registry.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
		o.metrics = true
	}
}

// Open validates cfg, opens a Store for it, and returns a manager that owns
// the store. Close releases it.
func Open(ctx context.Context, cfg types.Config, registry *mapping.Registry, opts ...Option) (*EntityManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg = cfg.WithDefaults()

	o := collect(opts)
	var logs io.Closer
	if o.log == nil {
		l, closer, err := logging.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		o.log = &l
		logs = closer
	}
	if cfg.Metrics {
		o.metrics = true
	}

	s, err := store.Open(ctx, cfg, store.WithLogger(*o.log))
	if err != nil {
		closeLogs(logs)
		return nil, err
	}
	em, err := build(s, registry, o)
	if err != nil {
		s.Close()
		closeLogs(logs)
		return nil, err
	}
	em.owned = true
	em.logs = logs
	return em, nil
}

func closeLogs(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// New returns a manager over an open store. The caller keeps ownership of
// s; Close does not close it.
func New(s types.Store, registry *mapping.Registry, opts ...Option) (*EntityManager, error) {
	return build(s, registry, collect(opts))
}

func collect(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func build(s types.Store, registry *mapping.Registry, o *options) (*EntityManager, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: nil registry", types.ErrInvalidMapping)
	}
	log := zerolog.Nop()
	if o.log != nil {
		log = *o.log
	}

	uowOpts := []uow.Option{uow.WithLogger(log)}
	if o.metrics {
		rec, err := metrics.New(o.registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		uowOpts = append(uowOpts, uow.WithMetrics(rec))
	}

	return &EntityManager{
		uow:   uow.New(registry, s, uowOpts...),
		store: s,
		log:   logging.WithComponent(log, "ledger"),
	}, nil
}

// Close clears the unit of work and closes the store when the manager owns
// it, along with a log file opened by Open.
func (em *EntityManager) Close() error {
	em.uow.Clear()
	if !em.owned {
		return nil
	}
	em.log.Debug().Msg("closing store")
	err := em.store.Close()
	if em.logs != nil {
		err = errors.Join(err, em.logs.Close())
		em.logs = nil
	}
	return err
}

// Store returns the underlying store.
func (em *EntityManager) Store() types.Store { return em.store }

// Registry returns the mapping registry.
func (em *EntityManager) Registry() *mapping.Registry { return em.uow.Registry() }

// UnitOfWork exposes the unit of work for inspection of states and original
// entity data.
func (em *EntityManager) UnitOfWork() *uow.UnitOfWork { return em.uow }

// Exec applies caller-supplied DDL to the store.
func (em *EntityManager) Exec(ctx context.Context, statements ...string) error {
	return em.store.Exec(ctx, statements...)
}

// Persist makes a new entity managed and schedules it for insertion,
// cascading along persist associations.
func (em *EntityManager) Persist(e any) error { return em.uow.Persist(e) }

// Remove schedules a managed entity for deletion, cascading along remove
// associations.
func (em *EntityManager) Remove(ctx context.Context, e any) error { return em.uow.Remove(ctx, e) }

// Flush writes every pending change in one transaction. Failures are logged
// by the unit of work.
func (em *EntityManager) Flush(ctx context.Context) error { return em.uow.Flush(ctx) }

// Find returns the entity of the named type with identifier id.
func (em *EntityManager) Find(ctx context.Context, typeName, id string) (any, error) {
	return em.uow.Find(ctx, typeName, id)
}

// FindBy returns the entities of the named type matching every criterion.
func (em *EntityManager) FindBy(ctx context.Context, typeName string, criteria map[string]any, orderBy ...mapping.OrderBy) ([]any, error) {
	return em.uow.FindBy(ctx, typeName, criteria, orderBy...)
}

// Refresh reloads a managed entity from the store.
func (em *EntityManager) Refresh(ctx context.Context, e any) error { return em.uow.Refresh(ctx, e) }

// Initialize loads the state of a proxy.
func (em *EntityManager) Initialize(ctx context.Context, e any) error {
	return em.uow.Initialize(ctx, e)
}

// Detach stops managing e, cascading along detach associations.
func (em *EntityManager) Detach(e any) error { return em.uow.Detach(e) }

// Clear detaches every managed entity.
func (em *EntityManager) Clear() { em.uow.Clear() }

// Forget releases the detached markers the manager keeps for entities.
func (em *EntityManager) Forget(entities ...any) { em.uow.Forget(entities...) }

// Contains reports whether e is managed.
func (em *EntityManager) Contains(e any) bool { return em.uow.Contains(e) }

// State returns the lifecycle state of e.
func (em *EntityManager) State(e any) types.EntityState { return em.uow.State(e) }

// IsInitialized reports whether e is managed and loaded.
func (em *EntityManager) IsInitialized(e any) bool { return em.uow.IsInitialized(e) }

// Find is the typed form of EntityManager.Find. The entity type is looked up
// from T.
func Find[T any](ctx context.Context, em *EntityManager, id string) (*T, error) {
	meta, err := em.Registry().TypeOf((*T)(nil))
	if err != nil {
		return nil, err
	}
	e, err := em.Find(ctx, meta.Name, id)
	if err != nil {
		return nil, err
	}
	return e.(*T), nil
}

// FindBy is the typed form of EntityManager.FindBy.
func FindBy[T any](ctx context.Context, em *EntityManager, criteria map[string]any, orderBy ...mapping.OrderBy) ([]*T, error) {
	meta, err := em.Registry().TypeOf((*T)(nil))
	if err != nil {
		return nil, err
	}
	found, err := em.FindBy(ctx, meta.Name, criteria, orderBy...)
	if err != nil {
		return nil, err
	}
	out := make([]*T, len(found))
	for i, e := range found {
		out[i] = e.(*T)
	}
	return out, nil
}
