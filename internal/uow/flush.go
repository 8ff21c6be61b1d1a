package uow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mesh-intelligence/ledger/internal/logging"
	"github.com/mesh-intelligence/ledger/pkg/mapping"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

// changeSet holds the changed values of one managed entity, keyed by field
// or association name.
type changeSet struct {
	entity  any
	meta    *mapping.EntityType
	changes map[string]any
}

// columnWrite is an update of one join column outside the regular insert or
// update of its entity.
type columnWrite struct {
	entity any
	meta   *mapping.EntityType
	assoc  *mapping.Association
	value  any
}

// plan is everything one flush writes, in execution order.
type plan struct {
	inserts  []any
	deferred map[any]map[*mapping.Association]bool
	updates  []changeSet
	extra    []columnWrite
	nulling  []columnWrite
	deletes  []any
}

func (p *plan) empty() bool {
	return len(p.inserts) == 0 && len(p.updates) == 0 && len(p.deletes) == 0
}

// Flush writes every pending change to the store in one transaction:
//
//  1. new entities reachable through persist-cascading associations are
//     persisted; a new entity reachable otherwise fails the flush with
//     ErrNewEntityFoundThroughRelationship;
//  2. members removed from orphan-removing collections are scheduled for
//     removal;
//  3. change sets are computed for managed entities, running PreUpdate once
//     per changed entity and recomputing afterwards;
//  4. inserts run in dependency order, then updates, then deferred join
//     columns, then deletes in reverse dependency order.
//
// Post callbacks run after the commit. When the flush fails the transaction
// is rolled back and the scheduled work stays pending.
func (u *UnitOfWork) Flush(ctx context.Context) error {
	start := time.Now()
	p, err := u.flush(ctx)
	elapsed := time.Since(start)
	u.metrics.Flush(err == nil, elapsed)
	if err != nil {
		u.log.Error().Err(err).Msg("flush failed")
		return err
	}
	if p != nil {
		u.log.Debug().
			Int("inserts", len(p.inserts)).
			Int("updates", len(p.updates)).
			Int("deletes", len(p.deletes)).
			Int("extra_updates", len(p.extra)).
			Int64(logging.FieldDuration, elapsed.Milliseconds()).
			Msg("flushed")
	}
	return nil
}

func (u *UnitOfWork) flush(ctx context.Context) (*plan, error) {
	if err := u.persistReachable(); err != nil {
		return nil, err
	}
	if err := u.removeOrphans(ctx); err != nil {
		return nil, err
	}
	updates, err := u.computeChangeSets()
	if err != nil {
		return nil, err
	}

	p := &plan{updates: updates}
	if err := u.checkReferences(updates); err != nil {
		return nil, err
	}
	if err := u.orderInserts(p); err != nil {
		return nil, err
	}
	if err := u.orderDeletes(p); err != nil {
		return nil, err
	}
	if p.empty() {
		return nil, nil
	}

	if err := u.execute(ctx, p); err != nil {
		return nil, err
	}
	u.recordWrites(p)
	return p, u.finish(p)
}

// recordWrites counts the statements of a committed plan.
func (u *UnitOfWork) recordWrites(p *plan) {
	for _, e := range p.inserts {
		u.metrics.Write(u.types[e].Name, "insert")
	}
	for _, cs := range p.updates {
		u.metrics.Write(cs.meta.Name, "update")
	}
	for _, w := range p.extra {
		u.metrics.Write(w.meta.Name, "update")
	}
	for _, e := range p.deletes {
		u.metrics.Write(u.types[e].Name, "delete")
	}
}

// persistReachable persists new entities reached from managed ones. Entities
// scheduled on the way are scanned too, until no new entity turns up.
func (u *UnitOfWork) persistReachable() error {
	visited := make(map[any]bool)
	scanned := make(map[any]bool)
	for {
		before := len(scanned)
		for _, e := range u.managed() {
			if scanned[e] || u.proxies[e] {
				continue
			}
			scanned[e] = true
			if err := u.persistRelated(e, visited); err != nil {
				return err
			}
		}
		if len(scanned) == before {
			return nil
		}
	}
}

func (u *UnitOfWork) persistRelated(e any, visited map[any]bool) error {
	meta := u.types[e]
	for _, a := range meta.Associations {
		var related []any
		if a.IsOwning() {
			if t := a.Ref(e); t != nil {
				related = []any{t}
			}
		} else if c := a.Collection(e); c.IsInitialized() {
			related = c.Elements()
		}
		for _, t := range related {
			if u.State(t) != types.StateNew {
				continue
			}
			if !a.Cascade.Has(mapping.CascadePersist) {
				return newThroughRelationship(meta, a, u.nameOf(t))
			}
			if err := u.persist(t, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

func newThroughRelationship(meta *mapping.EntityType, a *mapping.Association, target string) error {
	return fmt.Errorf("%w: %s.%s reaches a new %s",
		types.ErrNewEntityFoundThroughRelationship, meta.Name, a.Name, target)
}

func (u *UnitOfWork) nameOf(e any) string {
	if tm, _ := u.typeOf(e); tm != nil {
		return tm.Name
	}
	return fmt.Sprintf("%T", e)
}

// removeOrphans schedules the removal of members that left a collection
// with orphan removal since its last snapshot.
func (u *UnitOfWork) removeOrphans(ctx context.Context) error {
	visited := make(map[any]bool)
	for _, e := range u.managed() {
		if u.proxies[e] {
			continue
		}
		for _, a := range u.types[e].Collections() {
			if !a.OrphanRemoval {
				continue
			}
			c := a.Collection(e)
			if !c.IsInitialized() {
				continue
			}
			current := make(map[any]bool)
			for _, m := range c.Elements() {
				current[m] = true
			}
			for _, m := range c.Snapshot() {
				if current[m] || u.State(m) != types.StateManaged {
					continue
				}
				u.metrics.Orphan()
				if err := u.remove(ctx, m, visited); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// computeChangeSets diffs every initialized managed entity that is not
// waiting for insertion against its original data.
func (u *UnitOfWork) computeChangeSets() ([]changeSet, error) {
	var sets []changeSet
	for _, e := range u.managed() {
		if u.inserting[e] || u.proxies[e] {
			continue
		}
		meta := u.types[e]
		changes, err := u.diff(meta, e)
		if err != nil {
			return nil, err
		}
		if len(changes) == 0 {
			continue
		}
		if len(meta.Callbacks(types.PreUpdate)) > 0 {
			if err := u.dispatch(meta, types.PreUpdate, e); err != nil {
				return nil, err
			}
			if changes, err = u.diff(meta, e); err != nil {
				return nil, err
			}
			if len(changes) == 0 {
				continue
			}
		}
		sets = append(sets, changeSet{entity: e, meta: meta, changes: changes})
	}
	return sets, nil
}

func (u *UnitOfWork) diff(meta *mapping.EntityType, e any) (map[string]any, error) {
	current, err := u.snapshot(meta, e)
	if err != nil {
		return nil, err
	}
	orig := u.original[e]
	changes := make(map[string]any)
	for _, f := range meta.Fields {
		if !f.Equal(orig[f.Name], current[f.Name]) {
			changes[f.Name] = current[f.Name]
		}
	}
	for _, a := range meta.Owning() {
		if orig[a.Name] != current[a.Name] {
			changes[a.Name] = current[a.Name]
		}
	}
	return changes, nil
}

// snapshot captures the persistent state of e the way original data
// records it.
func (u *UnitOfWork) snapshot(meta *mapping.EntityType, e any) (map[string]any, error) {
	data := make(map[string]any, len(meta.Fields)+len(meta.Associations))
	for _, f := range meta.Fields {
		data[f.Name] = f.Get(e)
	}
	for _, a := range meta.Owning() {
		id, err := u.idOf(a.Ref(e))
		if err != nil {
			return nil, err
		}
		data[a.Name] = id
	}
	return data, nil
}

// checkReferences fails when an entity about to be written leaves a
// non-nullable reference empty or points at an entity that was never
// persisted.
func (u *UnitOfWork) checkReferences(updates []changeSet) error {
	check := func(meta *mapping.EntityType, e any) error {
		for _, a := range meta.Owning() {
			t := a.Ref(e)
			if t == nil {
				if !a.Nullable {
					return fmt.Errorf("%w: %s %s has no %s", types.ErrMissingReference, meta.Name, meta.ID(e), a.Name)
				}
				continue
			}
			if u.State(t) == types.StateNew {
				return newThroughRelationship(meta, a, u.nameOf(t))
			}
		}
		return nil
	}
	for _, e := range u.insertions {
		if err := check(u.types[e], e); err != nil {
			return err
		}
	}
	for _, cs := range updates {
		if err := check(cs.meta, cs.entity); err != nil {
			return err
		}
	}
	return nil
}

// orderInserts sorts the insertions so that referenced entities are
// inserted first. A cycle is broken at a nullable reference, which is
// inserted as NULL and written by an extra update.
func (u *UnitOfWork) orderInserts(p *plan) error {
	index := make(map[any]int, len(u.insertions))
	for i, e := range u.insertions {
		index[e] = i
	}
	var deps []dependency
	for i, e := range u.insertions {
		for _, a := range u.types[e].Owning() {
			t := a.Ref(e)
			j, ok := index[t]
			if t == nil || !ok || j == i {
				continue
			}
			deps = append(deps, dependency{from: j, to: i, assoc: a, holder: i})
		}
	}
	order, dropped, err := commitOrder(len(u.insertions), deps)
	if err != nil {
		return fmt.Errorf("order inserts: %w", err)
	}

	p.inserts = make([]any, len(order))
	for k, i := range order {
		p.inserts[k] = u.insertions[i]
	}
	p.deferred = make(map[any]map[*mapping.Association]bool)
	for _, d := range dropped {
		e := u.insertions[d.holder]
		if p.deferred[e] == nil {
			p.deferred[e] = make(map[*mapping.Association]bool)
		}
		p.deferred[e][d.assoc] = true
		id, err := u.idOf(d.assoc.Ref(e))
		if err != nil {
			return err
		}
		p.extra = append(p.extra, columnWrite{entity: e, meta: u.types[e], assoc: d.assoc, value: id})
	}
	return nil
}

// orderDeletes sorts the deletions so that an entity is deleted before the
// entities it references, using the references as they are stored. A
// cycle is broken at a nullable reference, which is set to NULL first.
func (u *UnitOfWork) orderDeletes(p *plan) error {
	index := make(map[any]int, len(u.deletions))
	for i, e := range u.deletions {
		index[e] = i
	}
	var deps []dependency
	for i, e := range u.deletions {
		meta := u.types[e]
		for _, a := range meta.Owning() {
			id, ok := u.original[e][a.Name].(string)
			if !ok {
				continue
			}
			tm, err := u.registry.Type(a.Target)
			if err != nil {
				return err
			}
			t, known := u.identity[tm][id]
			j, deleting := index[t]
			if !known || !deleting || j == i {
				continue
			}
			deps = append(deps, dependency{from: i, to: j, assoc: a, holder: i})
		}
	}
	order, dropped, err := commitOrder(len(u.deletions), deps)
	if err != nil {
		return fmt.Errorf("order deletes: %w", err)
	}

	p.deletes = make([]any, len(order))
	for k, i := range order {
		p.deletes[k] = u.deletions[i]
	}
	for _, d := range dropped {
		e := u.deletions[d.holder]
		p.nulling = append(p.nulling, columnWrite{entity: e, meta: u.types[e], assoc: d.assoc})
	}
	return nil
}

// execute runs the plan in one transaction.
func (u *UnitOfWork) execute(ctx context.Context, p *plan) (err error) {
	tx, err := u.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
		}
	}()

	for _, e := range p.inserts {
		meta := u.types[e]
		row, err := u.insertRow(meta, e, p.deferred[e])
		if err != nil {
			return err
		}
		if err := tx.Insert(ctx, meta.Table, row); err != nil {
			return fmt.Errorf("insert %s %s: %w", meta.Name, meta.ID(e), err)
		}
	}

	for _, cs := range p.updates {
		row := make(types.Row, len(cs.changes))
		for name, v := range cs.changes {
			if f := cs.meta.Field(name); f != nil {
				row[f.Column] = v
			} else {
				row[cs.meta.Association(name).JoinColumn] = v
			}
		}
		if err := tx.Update(ctx, cs.meta.Table, idKey(cs.meta, cs.entity), row); err != nil {
			return fmt.Errorf("update %s %s: %w", cs.meta.Name, cs.meta.ID(cs.entity), err)
		}
	}

	for _, w := range p.extra {
		row := types.Row{w.assoc.JoinColumn: w.value}
		if err := tx.Update(ctx, w.meta.Table, idKey(w.meta, w.entity), row); err != nil {
			return fmt.Errorf("update %s %s.%s: %w", w.meta.Name, w.meta.ID(w.entity), w.assoc.Name, err)
		}
	}

	for _, w := range p.nulling {
		row := types.Row{w.assoc.JoinColumn: nil}
		if err := tx.Update(ctx, w.meta.Table, idKey(w.meta, w.entity), row); err != nil && !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("clear %s %s.%s: %w", w.meta.Name, w.meta.ID(w.entity), w.assoc.Name, err)
		}
	}

	for _, e := range p.deletes {
		meta := u.types[e]
		err := tx.Delete(ctx, meta.Table, idKey(meta, e))
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("delete %s %s: %w", meta.Name, meta.ID(e), err)
		}
	}

	return tx.Commit()
}

func (u *UnitOfWork) insertRow(meta *mapping.EntityType, e any, deferred map[*mapping.Association]bool) (types.Row, error) {
	row := types.Row{meta.IDColumn: meta.ID(e)}
	for _, f := range meta.Fields {
		row[f.Column] = f.Get(e)
	}
	for _, a := range meta.Owning() {
		if deferred[a] {
			row[a.JoinColumn] = nil
			continue
		}
		id, err := u.idOf(a.Ref(e))
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, fmt.Errorf("%w: %s %s.%s references an entity without identifier",
				types.ErrInvalidID, meta.Name, meta.ID(e), a.Name)
		}
		row[a.JoinColumn] = id
	}
	return row, nil
}

func idKey(meta *mapping.EntityType, e any) types.Criteria {
	return types.Criteria{meta.IDColumn: meta.ID(e)}
}

// finish moves the unit of work to the committed state and runs post
// callbacks. The first callback error is returned after every entity has
// been processed.
func (u *UnitOfWork) finish(p *plan) error {
	var errs []error

	deleted := p.deletes
	for _, e := range deleted {
		meta := u.types[e]
		u.unregister(meta, e)
		u.states[e] = types.StateDetached
		detachCollections(meta, e)
	}

	inserted := p.inserts
	u.insertions = nil
	u.inserting = make(map[any]bool)
	u.deletions = nil
	u.deleting = make(map[any]bool)

	for _, e := range inserted {
		if err := u.recordOriginal(e); err != nil {
			errs = append(errs, err)
		}
	}
	for _, cs := range p.updates {
		if err := u.recordOriginal(cs.entity); err != nil {
			errs = append(errs, err)
		}
	}
	for _, e := range u.managed() {
		if u.proxies[e] {
			continue
		}
		for _, a := range u.types[e].Collections() {
			if c := a.Collection(e); c.IsInitialized() {
				c.TakeSnapshot()
			}
		}
	}

	for _, e := range inserted {
		errs = append(errs, u.dispatch(u.types[e], types.PostPersist, e))
	}
	for _, cs := range p.updates {
		errs = append(errs, u.dispatch(cs.meta, types.PostUpdate, cs.entity))
	}
	for _, e := range deleted {
		meta, err := u.registry.TypeOf(e)
		if err != nil {
			continue
		}
		errs = append(errs, u.dispatch(meta, types.PostRemove, e))
	}
	return errors.Join(errs...)
}

func (u *UnitOfWork) recordOriginal(e any) error {
	meta, ok := u.types[e]
	if !ok {
		return nil
	}
	data, err := u.snapshot(meta, e)
	if err != nil {
		return err
	}
	u.original[e] = data
	return nil
}
