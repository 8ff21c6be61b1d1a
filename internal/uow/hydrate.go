package uow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/ledger/pkg/mapping"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

// Find returns the managed instance of the named type with identifier id,
// loading it from the store when it is not in the identity map. A proxy
// is initialized in place. Entities scheduled for removal are not found.
func (u *UnitOfWork) Find(ctx context.Context, typeName, id string) (any, error) {
	if id == "" {
		return nil, types.ErrInvalidID
	}
	meta, err := u.registry.Type(typeName)
	if err != nil {
		return nil, err
	}
	return u.find(ctx, meta, id)
}

func (u *UnitOfWork) find(ctx context.Context, meta *mapping.EntityType, id string) (any, error) {
	if e, ok := u.identity[meta][id]; ok {
		if u.states[e] == types.StateRemoved {
			return nil, fmt.Errorf("%s %s: %w", meta.Name, id, types.ErrNotFound)
		}
		if u.proxies[e] {
			if err := u.initialize(ctx, meta, e); err != nil {
				return nil, err
			}
		}
		return e, nil
	}

	rows, err := u.store.Select(ctx, meta.Table, meta.Columns(), types.Criteria{meta.IDColumn: id}, nil)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %s: %w", meta.Name, id, types.ErrNotFound)
	}
	return u.hydrate(ctx, meta, rows[0], false)
}

// FindBy returns the entities of the named type matching every criterion.
// Keys are field names or owning association names; an association value
// may be an entity, an identifier, or nil. Results are sorted by orderBy,
// given as field names of the type.
func (u *UnitOfWork) FindBy(ctx context.Context, typeName string, criteria map[string]any, orderBy ...mapping.OrderBy) ([]any, error) {
	meta, err := u.registry.Type(typeName)
	if err != nil {
		return nil, err
	}

	where := make(types.Criteria, len(criteria))
	for name, v := range criteria {
		switch {
		case name == "id":
			where[meta.IDColumn] = v
		case meta.Field(name) != nil:
			where[meta.Field(name).Column] = v
		case meta.Association(name) != nil && meta.Association(name).IsOwning():
			a := meta.Association(name)
			if _, isID := v.(string); !isID && v != nil {
				if v, err = u.idOf(v); err != nil {
					return nil, err
				}
			}
			where[a.JoinColumn] = v
		default:
			return nil, fmt.Errorf("%w: %s.%s", types.ErrUnknownField, meta.Name, name)
		}
	}

	order, err := columnOrder(meta, orderBy)
	if err != nil {
		return nil, err
	}
	rows, err := u.store.Select(ctx, meta.Table, meta.Columns(), where, order)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		e, err := u.hydrate(ctx, meta, row, false)
		if err != nil {
			return nil, err
		}
		if u.states[e] == types.StateRemoved {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Initialize loads the state of a proxy. It does nothing for an initialized
// entity.
func (u *UnitOfWork) Initialize(ctx context.Context, e any) error {
	meta, err := u.typeOf(e)
	if err != nil {
		return err
	}
	if _, ok := u.types[e]; !ok {
		return fmt.Errorf("initialize %s: %w", meta.Name, types.ErrEntityNotManaged)
	}
	if !u.proxies[e] {
		return nil
	}
	return u.initialize(ctx, meta, e)
}

func (u *UnitOfWork) initialize(ctx context.Context, meta *mapping.EntityType, e any) error {
	id := meta.ID(e)
	rows, err := u.store.Select(ctx, meta.Table, meta.Columns(), types.Criteria{meta.IDColumn: id}, nil)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("%s %s: %w", meta.Name, id, types.ErrNotFound)
	}
	_, err = u.hydrate(ctx, meta, rows[0], false)
	return err
}

// Refresh reloads a managed entity from the store, discarding unflushed
// changes to its fields and references, and reloads its initialized
// collections. It cascades along refresh-cascading associations.
func (u *UnitOfWork) Refresh(ctx context.Context, e any) error {
	return u.refresh(ctx, e, make(map[any]bool))
}

func (u *UnitOfWork) refresh(ctx context.Context, e any, visited map[any]bool) error {
	if visited[e] {
		return nil
	}
	visited[e] = true

	meta, err := u.typeOf(e)
	if err != nil {
		return err
	}
	if u.State(e) != types.StateManaged {
		return fmt.Errorf("refresh %s %s: %w", meta.Name, meta.ID(e), types.ErrEntityNotManaged)
	}

	rows, err := u.store.Select(ctx, meta.Table, meta.Columns(), idKey(meta, e), nil)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("refresh %s %s: %w", meta.Name, meta.ID(e), types.ErrNotFound)
	}
	if _, err := u.hydrate(ctx, meta, rows[0], true); err != nil {
		return err
	}

	return u.cascade(meta, e, mapping.CascadeRefresh, false, func(t any) error {
		if u.proxies[t] {
			return nil
		}
		return u.refresh(ctx, t, visited)
	})
}

// hydrate turns a row into the managed instance for its identity. A managed
// initialized instance is returned untouched unless refresh is set; a proxy
// is filled in place. Original data is recorded from the row before any
// association is resolved, so it never depends on the path that led here.
// A row that cannot be converted changes nothing in the unit of work.
func (u *UnitOfWork) hydrate(ctx context.Context, meta *mapping.EntityType, row types.Row, refresh bool) (any, error) {
	id, err := identifier(row[meta.IDColumn])
	if err != nil || id == "" {
		return nil, fmt.Errorf("%w: %s row without identifier", types.ErrInvalidID, meta.Name)
	}

	e, known := u.identity[meta][id]
	if known && !u.proxies[e] && !refresh {
		return e, nil
	}

	orig, refs, err := convertRow(meta, id, row)
	if err != nil {
		return nil, err
	}
	if !known {
		e = meta.New()
		meta.SetID(e, id)
		u.register(meta, id, e)
	}
	delete(u.proxies, e)
	for _, f := range meta.Fields {
		if err := f.Set(e, orig[f.Name]); err != nil {
			return nil, fmt.Errorf("hydrate %s %s: %w", meta.Name, id, err)
		}
	}
	u.original[e] = orig

	for _, a := range meta.Owning() {
		fk, ok := refs[a]
		if !ok {
			a.SetRef(e, nil)
			continue
		}
		tm, err := u.registry.Type(a.Target)
		if err != nil {
			return nil, err
		}
		var t any
		if a.Fetch == mapping.FetchEager {
			t, err = u.find(ctx, tm, fk)
			if err != nil && !errors.Is(err, types.ErrNotFound) {
				return nil, err
			}
		}
		if t == nil {
			t = u.reference(tm, fk)
		}
		a.SetRef(e, t)
	}

	for _, a := range meta.Collections() {
		c := a.Collection(e)
		eager := a.Fetch == mapping.FetchEager
		if refresh {
			eager = c.IsInitialized()
		}
		if eager {
			members, err := u.loadCollection(ctx, meta, e, a)
			if err != nil {
				return nil, err
			}
			c.Hydrate(members)
			continue
		}
		owner, assoc := e, a
		loadCtx := context.WithoutCancel(ctx)
		c.SetLoader(func() ([]any, error) {
			return u.loadCollection(loadCtx, meta, owner, assoc)
		})
	}

	if err := u.dispatch(meta, types.PostLoad, e); err != nil {
		return nil, err
	}
	return e, nil
}

// convertRow converts the stored values of row into original data and the
// identifiers of its owning references, without touching any instance.
func convertRow(meta *mapping.EntityType, id string, row types.Row) (map[string]any, map[*mapping.Association]string, error) {
	scratch := meta.New()
	orig := make(map[string]any, len(meta.Fields)+len(meta.Associations))
	for _, f := range meta.Fields {
		if err := f.Set(scratch, row[f.Column]); err != nil {
			return nil, nil, fmt.Errorf("hydrate %s %s: %w", meta.Name, id, err)
		}
		orig[f.Name] = f.Get(scratch)
	}
	refs := make(map[*mapping.Association]string)
	for _, a := range meta.Owning() {
		fk, err := identifier(row[a.JoinColumn])
		if err != nil {
			return nil, nil, fmt.Errorf("hydrate %s %s.%s: %w", meta.Name, id, a.Name, err)
		}
		if fk == "" {
			orig[a.Name] = nil
			continue
		}
		orig[a.Name] = fk
		refs[a] = fk
	}
	return orig, refs, nil
}

// reference returns the managed instance for id, registering an
// uninitialized proxy when the identity is not yet known.
func (u *UnitOfWork) reference(meta *mapping.EntityType, id string) any {
	if e, ok := u.identity[meta][id]; ok {
		return e
	}
	e := meta.New()
	meta.SetID(e, id)
	u.register(meta, id, e)
	u.proxies[e] = true
	return e
}

// loadCollection reads the members of the one-to-many a on owner.
func (u *UnitOfWork) loadCollection(ctx context.Context, meta *mapping.EntityType, owner any, a *mapping.Association) ([]any, error) {
	tm, err := u.registry.Type(a.Target)
	if err != nil {
		return nil, err
	}
	back := tm.Association(a.MappedBy)
	order, err := columnOrder(tm, a.Order)
	if err != nil {
		return nil, err
	}
	rows, err := u.store.Select(ctx, tm.Table, tm.Columns(), types.Criteria{back.JoinColumn: meta.ID(owner)}, order)
	if err != nil {
		return nil, fmt.Errorf("load %s.%s: %w", meta.Name, a.Name, err)
	}
	members := make([]any, 0, len(rows))
	for _, row := range rows {
		m, err := u.hydrate(ctx, tm, row, false)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, nil
}

func columnOrder(meta *mapping.EntityType, orderBy []mapping.OrderBy) ([]types.Order, error) {
	out := make([]types.Order, 0, len(orderBy))
	for _, o := range orderBy {
		f := meta.Field(o.Field)
		if f == nil {
			return nil, fmt.Errorf("%w: %s.%s", types.ErrUnknownField, meta.Name, o.Field)
		}
		out = append(out, types.Order{Column: f.Column, Desc: o.Desc})
	}
	return out, nil
}

// identifier converts a stored key value to its string form. NULL is "".
func identifier(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	default:
		return "", fmt.Errorf("%w: %T", types.ErrInvalidID, v)
	}
}
