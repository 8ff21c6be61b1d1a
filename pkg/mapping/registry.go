package mapping

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// Registry holds a validated set of entity types.
type Registry struct {
	byName map[string]*EntityType
	byType map[reflect.Type]*EntityType
	order  []*EntityType
}

// NewRegistry registers ts and validates them as a whole.
func NewRegistry(ts ...*EntityType) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]*EntityType),
		byType: make(map[reflect.Type]*EntityType),
	}
	if err := r.Register(ts...); err != nil {
		return nil, err
	}
	return r, nil
}

// MustRegistry is NewRegistry for package-level declarations; it panics on
// an invalid mapping.
func MustRegistry(ts ...*EntityType) *Registry {
	r, err := NewRegistry(ts...)
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds ts to the registry. Either every type is added or, when the
// combined mapping is invalid, none is.
func (r *Registry) Register(ts ...*EntityType) error {
	added := make([]*EntityType, 0, len(ts))
	rollback := func() {
		for _, t := range added {
			delete(r.byName, t.Name)
			delete(r.byType, t.goType)
		}
		r.order = r.order[:len(r.order)-len(added)]
	}

	for _, t := range ts {
		if err := t.validate(); err != nil {
			rollback()
			return err
		}
		if _, dup := r.byName[t.Name]; dup {
			rollback()
			return fmt.Errorf("%w: entity %q is registered twice", types.ErrInvalidMapping, t.Name)
		}
		if _, dup := r.byType[t.goType]; dup {
			rollback()
			return fmt.Errorf("%w: %s is mapped twice", types.ErrInvalidMapping, t.goType)
		}
		r.byName[t.Name] = t
		r.byType[t.goType] = t
		r.order = append(r.order, t)
		added = append(added, t)
	}

	for _, t := range r.order {
		if err := r.validateAssociations(t); err != nil {
			rollback()
			return err
		}
	}
	return nil
}

func (r *Registry) validateAssociations(t *EntityType) error {
	for _, a := range t.Associations {
		target, ok := r.byName[a.Target]
		if !ok {
			return fmt.Errorf("%w: %s.%s targets unknown entity %q", types.ErrInvalidMapping, t.Name, a.Name, a.Target)
		}
		if target.goType != a.target {
			return fmt.Errorf("%w: %s.%s targets %s but %q maps %s", types.ErrInvalidMapping, t.Name, a.Name, a.target, a.Target, target.goType)
		}

		switch {
		case a.IsCollection():
			owning := target.Association(a.MappedBy)
			if owning == nil || !owning.IsOwning() || owning.Target != t.Name {
				return fmt.Errorf("%w: %s.%s is mapped by %s.%s, which is not a reference to %s",
					types.ErrInvalidMapping, t.Name, a.Name, a.Target, a.MappedBy, t.Name)
			}
			for _, o := range a.Order {
				if target.Field(o.Field) == nil {
					return fmt.Errorf("%w: %s.%s orders by unknown field %s.%s",
						types.ErrInvalidMapping, t.Name, a.Name, a.Target, o.Field)
				}
			}
		case a.Inverse != "":
			inverse := target.Association(a.Inverse)
			if inverse == nil || !inverse.IsCollection() || inverse.MappedBy != a.Name || inverse.Target != t.Name {
				return fmt.Errorf("%w: %s.%s is inversed by %s.%s, which is not mapped by it",
					types.ErrInvalidMapping, t.Name, a.Name, a.Target, a.Inverse)
			}
		}
	}
	return nil
}

// Type returns the entity type registered under name.
func (r *Registry) Type(name string) (*EntityType, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownEntityType, name)
	}
	return t, nil
}

// TypeOf returns the entity type of e, which must be a pointer to a mapped
// struct. A typed nil pointer is accepted.
func (r *Registry) TypeOf(e any) (*EntityType, error) {
	if e == nil {
		return nil, types.ErrInvalidEntity
	}
	t, ok := r.byType[reflect.TypeOf(e)]
	if !ok {
		return nil, fmt.Errorf("%w: %T", types.ErrUnknownEntityType, e)
	}
	return t, nil
}

// Types returns every registered type in registration order.
func (r *Registry) Types() []*EntityType {
	return slices.Clone(r.order)
}

// Link relates owner and target through the named association of owner and
// updates the opposite side in the same call:
//
//   - for an owning reference, owner points at target and, when the
//     reference is inversed, owner joins the target's collection and leaves
//     the collection of its previous target;
//   - for a one-to-many, target joins owner's collection and its mapped-by
//     reference points at owner, leaving any previous owner's collection.
func (r *Registry) Link(owner any, association string, target any) error {
	_, a, err := r.lookup(owner, association)
	if err != nil {
		return err
	}
	if err := r.checkTarget(a, target); err != nil {
		return err
	}
	if a.IsOwning() {
		return r.point(a, owner, target)
	}

	ref, err := r.mappedBy(a)
	if err != nil {
		return err
	}
	previous := ref.Ref(target)
	ref.SetRef(target, owner)
	if previous != nil && previous != owner {
		a.Collection(previous).RemoveElement(target)
	}
	a.Collection(owner).AddElement(target)
	return nil
}

// Unlink reverses Link. An owning reference is cleared only while it still
// points at the other side.
func (r *Registry) Unlink(owner any, association string, target any) error {
	_, a, err := r.lookup(owner, association)
	if err != nil {
		return err
	}
	if err := r.checkTarget(a, target); err != nil {
		return err
	}
	if a.IsOwning() {
		if a.Ref(owner) == target {
			return r.point(a, owner, nil)
		}
		return nil
	}

	ref, err := r.mappedBy(a)
	if err != nil {
		return err
	}
	if ref.Ref(target) == owner {
		ref.SetRef(target, nil)
	}
	a.Collection(owner).RemoveElement(target)
	return nil
}

// point sets the owning reference ref on e to target and keeps the inverse
// collections in step.
func (r *Registry) point(ref *Association, e any, target any) error {
	previous := ref.Ref(e)
	ref.SetRef(e, target)
	if ref.Inverse == "" {
		return nil
	}
	tt, err := r.Type(ref.Target)
	if err != nil {
		return err
	}
	inverse := tt.Association(ref.Inverse)
	if previous != nil && previous != target {
		inverse.Collection(previous).RemoveElement(e)
	}
	if target != nil {
		inverse.Collection(target).AddElement(e)
	}
	return nil
}

func (r *Registry) mappedBy(a *Association) (*Association, error) {
	tt, err := r.Type(a.Target)
	if err != nil {
		return nil, err
	}
	return tt.Association(a.MappedBy), nil
}

func (r *Registry) lookup(owner any, association string) (*EntityType, *Association, error) {
	ot, err := r.TypeOf(owner)
	if err != nil {
		return nil, nil, err
	}
	a := ot.Association(association)
	if a == nil {
		return nil, nil, fmt.Errorf("%w: %s.%s", types.ErrUnknownAssociation, ot.Name, association)
	}
	return ot, a, nil
}

func (r *Registry) checkTarget(a *Association, target any) error {
	if target == nil || reflect.TypeOf(target) != a.target {
		return fmt.Errorf("%w: %s expects %s, got %T", types.ErrInvalidEntity, a.Name, a.target, target)
	}
	return nil
}
