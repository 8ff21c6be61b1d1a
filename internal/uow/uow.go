// Package uow implements the unit of work behind an entity manager: the
// identity map, entity states, original entity data, cascades, lifecycle
// callback dispatch, orphan removal, proxies for lazy references, and the
// ordered flush of pending changes to a types.Store.
//
// A UnitOfWork is not safe for concurrent use. One goroutine drives a
// persist, flush, find cycle at a time.
package uow

import (
	"context"
	"fmt"
	"maps"
	"reflect"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mesh-intelligence/ledger/internal/logging"
	"github.com/mesh-intelligence/ledger/internal/metrics"
	"github.com/mesh-intelligence/ledger/pkg/mapping"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

// UnitOfWork tracks the entities of one persistence context.
type UnitOfWork struct {
	registry *mapping.Registry
	store    types.Store
	log      zerolog.Logger
	metrics  *metrics.Recorder

	identity map[*mapping.EntityType]map[string]any
	// states outlives Clear so that a cleared instance stays detached. It
	// holds one entry per instance ever managed until Forget drops it.
	states   map[any]types.EntityState
	types    map[any]*mapping.EntityType
	original map[any]map[string]any
	proxies  map[any]bool
	tracked  []any

	insertions []any
	inserting  map[any]bool
	deletions  []any
	deleting   map[any]bool
}

// Option configures a UnitOfWork.
type Option func(*UnitOfWork)

// WithLogger sets the logger. The default discards output.
func WithLogger(l zerolog.Logger) Option {
	return func(u *UnitOfWork) { u.log = logging.WithComponent(l, "uow") }
}

// WithMetrics sets the recorder for flush activity.
func WithMetrics(r *metrics.Recorder) Option {
	return func(u *UnitOfWork) { u.metrics = r }
}

// New creates an empty unit of work over store for the types in registry.
func New(registry *mapping.Registry, store types.Store, opts ...Option) *UnitOfWork {
	u := &UnitOfWork{
		registry: registry,
		store:    store,
		log:      zerolog.Nop(),
	}
	u.reset()
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *UnitOfWork) reset() {
	u.identity = make(map[*mapping.EntityType]map[string]any)
	u.types = make(map[any]*mapping.EntityType)
	u.original = make(map[any]map[string]any)
	u.proxies = make(map[any]bool)
	u.tracked = nil
	u.insertions = nil
	u.inserting = make(map[any]bool)
	u.deletions = nil
	u.deleting = make(map[any]bool)
	if u.states == nil {
		u.states = make(map[any]types.EntityState)
	}
}

// Registry returns the mapping registry.
func (u *UnitOfWork) Registry() *mapping.Registry { return u.registry }

// State returns the lifecycle state of e. Instances the unit of work has
// never seen are StateNew.
func (u *UnitOfWork) State(e any) types.EntityState {
	if s, ok := u.states[e]; ok {
		return s
	}
	return types.StateNew
}

// Contains reports whether e is managed. Entities scheduled for removal are
// not contained.
func (u *UnitOfWork) Contains(e any) bool {
	return u.states[e] == types.StateManaged
}

// IsInitialized reports whether e is managed and its state has been loaded.
// Uninitialized proxies carry only their identifier.
func (u *UnitOfWork) IsInitialized(e any) bool {
	_, managed := u.types[e]
	return managed && !u.proxies[e]
}

// OriginalEntityData returns a copy of the values e had when it was last
// loaded or flushed, keyed by field name and, for owning references, by
// association name with the referenced identifier as value. It is nil for
// entities without a snapshot.
func (u *UnitOfWork) OriginalEntityData(e any) map[string]any {
	orig, ok := u.original[e]
	if !ok {
		return nil
	}
	return maps.Clone(orig)
}

// IdentityMapSize returns the number of managed instances, proxies included.
func (u *UnitOfWork) IdentityMapSize() int {
	n := 0
	for _, ids := range u.identity {
		n += len(ids)
	}
	return n
}

// ScheduledInsertions returns the number of entities waiting to be inserted.
func (u *UnitOfWork) ScheduledInsertions() int { return len(u.insertions) }

// ScheduledDeletions returns the number of entities waiting to be deleted.
func (u *UnitOfWork) ScheduledDeletions() int { return len(u.deletions) }

// Persist makes a new entity managed and schedules its insertion, then
// cascades along persist-cascading associations. PrePersist callbacks run
// once, before the entity is scheduled; a failing callback leaves it
// unscheduled. Persisting a managed entity only cascades, persisting a
// removed entity cancels its removal, and persisting a detached entity fails
// with ErrDetachedEntity.
func (u *UnitOfWork) Persist(e any) error {
	return u.persist(e, make(map[any]bool))
}

func (u *UnitOfWork) persist(e any, visited map[any]bool) error {
	if visited[e] {
		return nil
	}
	visited[e] = true

	meta, err := u.typeOf(e)
	if err != nil {
		return err
	}

	switch u.State(e) {
	case types.StateNew:
		if err := u.scheduleInsert(meta, e); err != nil {
			return err
		}
	case types.StateRemoved:
		u.unscheduleDelete(e)
		u.states[e] = types.StateManaged
	case types.StateDetached:
		return fmt.Errorf("persist %s %s: %w", meta.Name, meta.ID(e), types.ErrDetachedEntity)
	}

	return u.cascade(meta, e, mapping.CascadePersist, false, func(t any) error {
		return u.persist(t, visited)
	})
}

func (u *UnitOfWork) scheduleInsert(meta *mapping.EntityType, e any) error {
	if id := meta.ID(e); id != "" {
		if existing, ok := u.identity[meta][id]; ok && existing != e {
			return fmt.Errorf("persist %s %s: %w", meta.Name, id, types.ErrIdentityConflict)
		}
	}
	if err := u.dispatch(meta, types.PrePersist, e); err != nil {
		return err
	}
	id := meta.ID(e)
	if id == "" {
		id = generateID()
		meta.SetID(e, id)
	}
	if existing, ok := u.identity[meta][id]; ok && existing != e {
		return fmt.Errorf("persist %s %s: %w", meta.Name, id, types.ErrIdentityConflict)
	}
	u.register(meta, id, e)
	u.insertions = append(u.insertions, e)
	u.inserting[e] = true
	return nil
}

// Remove schedules a managed entity for deletion on the next flush and
// cascades along remove-cascading associations, loading lazy collections as
// needed. PreRemove callbacks run once. Removing an entity whose insertion
// is still pending cancels the insertion instead. An uninitialized proxy is
// loaded first.
func (u *UnitOfWork) Remove(ctx context.Context, e any) error {
	return u.remove(ctx, e, make(map[any]bool))
}

func (u *UnitOfWork) remove(ctx context.Context, e any, visited map[any]bool) error {
	if visited[e] {
		return nil
	}
	visited[e] = true

	meta, err := u.typeOf(e)
	if err != nil {
		return err
	}

	switch u.State(e) {
	case types.StateNew:
	case types.StateDetached:
		return fmt.Errorf("remove %s %s: %w", meta.Name, meta.ID(e), types.ErrDetachedEntity)
	case types.StateRemoved:
		return nil
	case types.StateManaged:
		if u.unscheduleInsert(e) {
			u.unregister(meta, e)
			break
		}
		if u.proxies[e] {
			if err := u.initialize(ctx, meta, e); err != nil {
				return err
			}
		}
		if err := u.dispatch(meta, types.PreRemove, e); err != nil {
			return err
		}
		u.states[e] = types.StateRemoved
		u.deletions = append(u.deletions, e)
		u.deleting[e] = true
	}

	return u.cascade(meta, e, mapping.CascadeRemove, true, func(t any) error {
		return u.remove(ctx, t, visited)
	})
}

// Detach stops tracking e and cascades along detach-cascading associations.
// Pending writes of e are dropped and its lazy collections lose their
// loaders. Detaching an entity that is not managed does nothing.
func (u *UnitOfWork) Detach(e any) error {
	return u.detach(e, make(map[any]bool))
}

func (u *UnitOfWork) detach(e any, visited map[any]bool) error {
	if visited[e] {
		return nil
	}
	visited[e] = true

	meta, err := u.typeOf(e)
	if err != nil {
		return err
	}
	switch u.State(e) {
	case types.StateManaged, types.StateRemoved:
	default:
		return nil
	}

	u.unscheduleInsert(e)
	u.unscheduleDelete(e)
	u.unregister(meta, e)
	u.states[e] = types.StateDetached
	detachCollections(meta, e)

	return u.cascade(meta, e, mapping.CascadeDetach, false, func(t any) error {
		return u.detach(t, visited)
	})
}

// Clear detaches every managed entity and empties the identity map and all
// schedules.
func (u *UnitOfWork) Clear() {
	for _, e := range u.tracked {
		meta, ok := u.types[e]
		if !ok {
			continue
		}
		u.states[e] = types.StateDetached
		detachCollections(meta, e)
	}
	u.log.Debug().Int("entities", len(u.tracked)).Msg("cleared")
	u.reset()
}

// Forget drops the detached marker of each e, which makes it a new entity
// again. Managed and removed entities are left alone. Long-lived units of
// work call it for instances they will not see again.
func (u *UnitOfWork) Forget(entities ...any) {
	for _, e := range entities {
		if u.states[e] == types.StateDetached {
			delete(u.states, e)
		}
	}
}

// DetachedCount returns the number of instances remembered as detached.
func (u *UnitOfWork) DetachedCount() int {
	n := 0
	for _, s := range u.states {
		if s == types.StateDetached {
			n++
		}
	}
	return n
}

func detachCollections(meta *mapping.EntityType, e any) {
	for _, a := range meta.Collections() {
		a.Collection(e).Detach()
	}
}

// cascade applies fn to every entity reachable from e through one
// association that cascades op. With load set, lazy collections are
// initialized first.
func (u *UnitOfWork) cascade(meta *mapping.EntityType, e any, op mapping.Cascade, load bool, fn func(any) error) error {
	for _, a := range meta.Associations {
		if !a.Cascade.Has(op) {
			continue
		}
		related, err := u.related(a, e, load)
		if err != nil {
			return err
		}
		for _, t := range related {
			if err := fn(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// related lists the entities e points at through a.
func (u *UnitOfWork) related(a *mapping.Association, e any, load bool) ([]any, error) {
	if a.IsOwning() {
		if t := a.Ref(e); t != nil {
			return []any{t}, nil
		}
		return nil, nil
	}
	c := a.Collection(e)
	if load {
		if err := c.Initialize(); err != nil {
			return nil, fmt.Errorf("load %s: %w", a.Name, err)
		}
	}
	return c.Elements(), nil
}

// dispatch runs the callbacks of meta registered for ev.
func (u *UnitOfWork) dispatch(meta *mapping.EntityType, ev types.Event, e any) error {
	for _, cb := range meta.Callbacks(ev) {
		u.metrics.Callback(meta.Name, string(ev))
		if err := cb(e); err != nil {
			return fmt.Errorf("%w: %s %s: %w", types.ErrCallbackFailed, meta.Name, ev, err)
		}
	}
	return nil
}

func (u *UnitOfWork) typeOf(e any) (*mapping.EntityType, error) {
	if meta, ok := u.types[e]; ok {
		return meta, nil
	}
	if v := reflect.ValueOf(e); v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, fmt.Errorf("%w: nil %T", types.ErrInvalidEntity, e)
	}
	return u.registry.TypeOf(e)
}

// idOf returns the identifier of the entity e, or nil when e is nil.
func (u *UnitOfWork) idOf(e any) (any, error) {
	if e == nil {
		return nil, nil
	}
	meta, err := u.typeOf(e)
	if err != nil {
		return nil, err
	}
	return meta.ID(e), nil
}

func (u *UnitOfWork) register(meta *mapping.EntityType, id string, e any) {
	ids, ok := u.identity[meta]
	if !ok {
		ids = make(map[string]any)
		u.identity[meta] = ids
	}
	ids[id] = e
	u.types[e] = meta
	u.states[e] = types.StateManaged
	u.tracked = append(u.tracked, e)
}

// unregister forgets e. The caller sets the resulting state.
func (u *UnitOfWork) unregister(meta *mapping.EntityType, e any) {
	if ids, ok := u.identity[meta]; ok {
		id := meta.ID(e)
		if ids[id] == e {
			delete(ids, id)
		}
	}
	delete(u.types, e)
	delete(u.original, e)
	delete(u.proxies, e)
	delete(u.states, e)
}

func (u *UnitOfWork) unscheduleInsert(e any) bool {
	if !u.inserting[e] {
		return false
	}
	delete(u.inserting, e)
	u.insertions = without(u.insertions, e)
	return true
}

func (u *UnitOfWork) unscheduleDelete(e any) bool {
	if !u.deleting[e] {
		return false
	}
	delete(u.deleting, e)
	u.deletions = without(u.deletions, e)
	return true
}

// managed returns the tracked entities that are still managed, in the order
// they were first registered, and compacts the tracking list.
func (u *UnitOfWork) managed() []any {
	live := u.tracked[:0]
	seen := make(map[any]bool, len(u.tracked))
	for _, e := range u.tracked {
		if _, ok := u.types[e]; ok && !seen[e] {
			seen[e] = true
			live = append(live, e)
		}
	}
	u.tracked = live
	out := make([]any, 0, len(live))
	for _, e := range live {
		if u.states[e] == types.StateManaged {
			out = append(out, e)
		}
	}
	return out
}

func without(list []any, e any) []any {
	out := list[:0]
	for _, x := range list {
		if x != e {
			out = append(out, x)
		}
	}
	return out
}

// generateID returns a UUID v7 string.
func generateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
