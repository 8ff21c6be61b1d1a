package mapping

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// Callback is a lifecycle hook bound to one entity type.
type Callback func(entity any) error

// EntityType is the complete mapping of one Go struct type.
type EntityType struct {
	Name         string
	Table        string
	IDColumn     string
	Fields       []*Field
	Associations []*Association

	goType    reflect.Type
	newFn     func() any
	getID     func(e any) string
	setID     func(e any, id string)
	callbacks map[types.Event][]Callback
}

// New returns a pointer to a fresh zero value of the mapped struct.
func (t *EntityType) New() any { return t.newFn() }

// GoType returns the pointer type of the mapped struct.
func (t *EntityType) GoType() reflect.Type { return t.goType }

// ID returns the identifier of e.
func (t *EntityType) ID(e any) string { return t.getID(e) }

// SetID assigns the identifier of e.
func (t *EntityType) SetID(e any, id string) { t.setID(e, id) }

// Field returns the field with the given name, or nil.
func (t *EntityType) Field(name string) *Field {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Association returns the association with the given name, or nil.
func (t *EntityType) Association(name string) *Association {
	for _, a := range t.Associations {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Owning returns the associations that hold a join column, in declaration
// order.
func (t *EntityType) Owning() []*Association {
	var out []*Association
	for _, a := range t.Associations {
		if a.IsOwning() {
			out = append(out, a)
		}
	}
	return out
}

// Collections returns the to-many associations in declaration order.
func (t *EntityType) Collections() []*Association {
	var out []*Association
	for _, a := range t.Associations {
		if a.IsCollection() {
			out = append(out, a)
		}
	}
	return out
}

// Columns lists the identifier column, scalar columns, and join columns.
func (t *EntityType) Columns() []string {
	cols := []string{t.IDColumn}
	for _, f := range t.Fields {
		cols = append(cols, f.Column)
	}
	for _, a := range t.Owning() {
		cols = append(cols, a.JoinColumn)
	}
	return cols
}

// Callbacks returns the hooks registered for ev in registration order.
func (t *EntityType) Callbacks(ev types.Event) []Callback {
	return t.callbacks[ev]
}

// Builder assembles an EntityType for struct type T.
type Builder[T any] struct {
	t *EntityType
}

// Define starts the mapping of T to table. The id accessor returns the
// address of the string identifier field.
func Define[T any](name, table, idColumn string, id func(*T) *string) *Builder[T] {
	return &Builder[T]{t: &EntityType{
		Name:     name,
		Table:    table,
		IDColumn: idColumn,
		goType:   reflect.TypeFor[*T](),
		newFn:    func() any { return new(T) },
		getID: func(e any) string {
			return *id(e.(*T))
		},
		setID: func(e any, v string) {
			*id(e.(*T)) = v
		},
		callbacks: make(map[types.Event][]Callback),
	}}
}

// String maps a string field.
func (b *Builder[T]) String(name, column string, ptr func(*T) *string) *Builder[T] {
	return b.field(newField(name, column, KindString, ptr, toString))
}

// Int maps an int64 field.
func (b *Builder[T]) Int(name, column string, ptr func(*T) *int64) *Builder[T] {
	return b.field(newField(name, column, KindInt, ptr, toInt))
}

// Float maps a float64 field.
func (b *Builder[T]) Float(name, column string, ptr func(*T) *float64) *Builder[T] {
	return b.field(newField(name, column, KindFloat, ptr, toFloat))
}

// Bool maps a bool field.
func (b *Builder[T]) Bool(name, column string, ptr func(*T) *bool) *Builder[T] {
	return b.field(newField(name, column, KindBool, ptr, toBool))
}

// Time maps a time.Time field. The zero time is stored as NULL.
func (b *Builder[T]) Time(name, column string, ptr func(*T) *time.Time) *Builder[T] {
	return b.field(newField(name, column, KindTime, ptr, toTime))
}

func (b *Builder[T]) field(f *Field) *Builder[T] {
	b.t.Fields = append(b.t.Fields, f)
	return b
}

// Has adds associations declared with ManyToOne, OneToOne, or OneToMany.
func (b *Builder[T]) Has(assocs ...*Association) *Builder[T] {
	b.t.Associations = append(b.t.Associations, assocs...)
	return b
}

// On registers fn to run at ev. Callbacks of one event run in registration
// order.
func (b *Builder[T]) On(ev types.Event, fn func(*T) error) *Builder[T] {
	b.t.callbacks[ev] = append(b.t.callbacks[ev], func(e any) error {
		return fn(e.(*T))
	})
	return b
}

// Type returns the assembled EntityType.
func (b *Builder[T]) Type() *EntityType {
	return b.t
}

// validate checks the parts of t that do not depend on other types.
func (t *EntityType) validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: entity name is empty", types.ErrInvalidMapping)
	}
	if t.Table == "" || t.IDColumn == "" {
		return fmt.Errorf("%w: %s: table and id column are required", types.ErrInvalidMapping, t.Name)
	}
	columns := map[string]bool{t.IDColumn: true}
	names := map[string]bool{}
	for _, f := range t.Fields {
		if f.owner != t.goType {
			return fmt.Errorf("%w: %s.%s is declared on %s", types.ErrInvalidMapping, t.Name, f.Name, f.owner)
		}
		if names[f.Name] {
			return fmt.Errorf("%w: %s.%s is declared twice", types.ErrInvalidMapping, t.Name, f.Name)
		}
		if columns[f.Column] {
			return fmt.Errorf("%w: %s column %q is mapped twice", types.ErrInvalidMapping, t.Name, f.Column)
		}
		names[f.Name] = true
		columns[f.Column] = true
	}
	for _, a := range t.Associations {
		if a.owner != t.goType {
			return fmt.Errorf("%w: %s.%s is declared on %s", types.ErrInvalidMapping, t.Name, a.Name, a.owner)
		}
		if names[a.Name] {
			return fmt.Errorf("%w: %s.%s is declared twice", types.ErrInvalidMapping, t.Name, a.Name)
		}
		names[a.Name] = true
		if a.IsOwning() {
			if a.JoinColumn == "" || columns[a.JoinColumn] {
				return fmt.Errorf("%w: %s.%s needs a unique join column", types.ErrInvalidMapping, t.Name, a.Name)
			}
			columns[a.JoinColumn] = true
			if a.OrphanRemoval {
				return fmt.Errorf("%w: %s.%s: orphan removal applies to collections only", types.ErrInvalidMapping, t.Name, a.Name)
			}
		}
	}
	return nil
}
