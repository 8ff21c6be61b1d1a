package mapping

import (
	"reflect"
)

// AssociationKind distinguishes owning to-one associations, which hold a
// join column, from inverse to-many associations.
type AssociationKind int

// Association kinds.
const (
	ManyToOneKind AssociationKind = iota
	OneToOneKind
	OneToManyKind
)

func (k AssociationKind) String() string {
	switch k {
	case ManyToOneKind:
		return "many-to-one"
	case OneToOneKind:
		return "one-to-one"
	case OneToManyKind:
		return "one-to-many"
	default:
		return "unknown"
	}
}

// Cascade is a set of operations propagated from an entity to its
// associated entities.
type Cascade uint8

// Cascade flags.
const (
	CascadePersist Cascade = 1 << iota
	CascadeRemove
	CascadeRefresh
	CascadeDetach

	CascadeNone Cascade = 0
	CascadeAll          = CascadePersist | CascadeRemove | CascadeRefresh | CascadeDetach
)

// Has reports whether c includes every flag in op.
func (c Cascade) Has(op Cascade) bool { return c&op == op && op != 0 }

// FetchMode controls when associated entities are loaded.
type FetchMode int

// Fetch modes. Lazy to-one associations hydrate as proxies; lazy to-many
// collections load on first read.
const (
	FetchLazy FetchMode = iota
	FetchEager
)

// OrderBy sorts the members of a to-many association by a target field.
type OrderBy struct {
	Field string
	Desc  bool
}

// Association describes one relationship between two entity types.
type Association struct {
	Name   string
	Kind   AssociationKind
	Target string

	// JoinColumn holds the target identifier on the owning side.
	JoinColumn string
	// MappedBy names the owning to-one on the target of a one-to-many.
	MappedBy string
	// Inverse names the one-to-many on the target that mirrors an owning
	// to-one.
	Inverse string

	Cascade       Cascade
	OrphanRemoval bool
	Fetch         FetchMode
	Nullable      bool
	Order         []OrderBy

	owner  reflect.Type
	target reflect.Type
	getRef func(e any) any
	setRef func(e any, target any)
	coll   func(e any) PersistentCollection
}

// ManyToOne declares an owning reference from T to U stored in joinColumn.
func ManyToOne[T any, U any](name, target, joinColumn string, ref func(*T) **U) *Association {
	return toOne(ManyToOneKind, name, target, joinColumn, ref)
}

// OneToOne declares an owning single-valued reference from T to U stored in
// joinColumn.
func OneToOne[T any, U any](name, target, joinColumn string, ref func(*T) **U) *Association {
	return toOne(OneToOneKind, name, target, joinColumn, ref)
}

func toOne[T any, U any](kind AssociationKind, name, target, joinColumn string, ref func(*T) **U) *Association {
	return &Association{
		Name:       name,
		Kind:       kind,
		Target:     target,
		JoinColumn: joinColumn,
		Nullable:   true,
		owner:      reflect.TypeFor[*T](),
		target:     reflect.TypeFor[*U](),
		getRef: func(e any) any {
			p := *ref(e.(*T))
			if p == nil {
				return nil
			}
			return p
		},
		setRef: func(e any, v any) {
			if v == nil {
				*ref(e.(*T)) = nil
				return
			}
			*ref(e.(*T)) = v.(*U)
		},
	}
}

// OneToMany declares the inverse collection of T holding every U whose
// mappedBy reference points back at it.
func OneToMany[T any, U any](name, target, mappedBy string, coll func(*T) *Collection[U]) *Association {
	return &Association{
		Name:     name,
		Kind:     OneToManyKind,
		Target:   target,
		MappedBy: mappedBy,
		Nullable: true,
		owner:    reflect.TypeFor[*T](),
		target:   reflect.TypeFor[*U](),
		coll: func(e any) PersistentCollection {
			return coll(e.(*T))
		},
	}
}

// InversedBy names the one-to-many on the target that mirrors this owning
// reference.
func (a *Association) InversedBy(name string) *Association {
	a.Inverse = name
	return a
}

// Cascades adds operations to propagate along this association.
func (a *Association) Cascades(c Cascade) *Association {
	a.Cascade |= c
	return a
}

// Orphans enables orphan removal: members removed from the collection are
// deleted on flush.
func (a *Association) Orphans() *Association {
	a.OrphanRemoval = true
	return a
}

// Eager loads the association together with its owner.
func (a *Association) Eager() *Association {
	a.Fetch = FetchEager
	return a
}

// Required makes an owning reference non-nullable.
func (a *Association) Required() *Association {
	a.Nullable = false
	return a
}

// OrderedBy appends a sort key for collection members.
func (a *Association) OrderedBy(field string, desc bool) *Association {
	a.Order = append(a.Order, OrderBy{Field: field, Desc: desc})
	return a
}

// IsOwning reports whether the association holds a join column.
func (a *Association) IsOwning() bool {
	return a.Kind == ManyToOneKind || a.Kind == OneToOneKind
}

// IsCollection reports whether the association is to-many.
func (a *Association) IsCollection() bool {
	return a.Kind == OneToManyKind
}

// Ref returns the entity referenced by an owning association on e, or nil.
func (a *Association) Ref(e any) any {
	if a.getRef == nil {
		return nil
	}
	return a.getRef(e)
}

// SetRef points an owning association on e at target. A nil target clears
// the reference.
func (a *Association) SetRef(e any, target any) {
	if a.setRef != nil {
		a.setRef(e, target)
	}
}

// Collection returns the to-many collection of e, or nil for an owning
// association.
func (a *Association) Collection(e any) PersistentCollection {
	if a.coll == nil {
		return nil
	}
	return a.coll(e)
}
