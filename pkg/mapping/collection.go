package mapping

import (
	"slices"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// PersistentCollection is the untyped view of a Collection that the unit of
// work uses to hydrate, snapshot, and diff to-many associations.
type PersistentCollection interface {
	// Elements returns the current members without triggering a load.
	Elements() []any
	// Snapshot returns the members as of the last load or flush.
	Snapshot() []any
	// TakeSnapshot records the current members as the clean state.
	TakeSnapshot()
	// Hydrate replaces the members and marks the collection clean and
	// initialized.
	Hydrate(members []any)
	// SetLoader makes the collection lazy: the loader runs on first read.
	SetLoader(loader func() ([]any, error))
	// IsInitialized reports whether the members are in memory.
	IsInitialized() bool
	// Initialize runs a pending loader.
	Initialize() error
	// AddElement appends a member unless it is already present.
	AddElement(member any) bool
	// RemoveElement removes a member, reporting whether it was present.
	RemoveElement(member any) bool
	// Detach drops any pending loader.
	Detach()
}

var _ PersistentCollection = (*Collection[struct{}])(nil)

// Collection is an ordered set of related entities held by one owner. The
// zero value is an empty, initialized collection ready for use.
//
// A collection hydrated lazily loads its members on the first read. Reads
// cannot return errors, so a failed load leaves the collection empty and the
// error is reported by Err.
type Collection[T any] struct {
	items    []*T
	snapshot []*T
	loader   func() ([]any, error)
	err      error
}

// Add appends e unless it is already a member. It reports whether e was
// added.
func (c *Collection[T]) Add(e *T) bool {
	c.load()
	if e == nil || slices.Contains(c.items, e) {
		return false
	}
	c.items = append(c.items, e)
	return true
}

// Remove deletes e from the collection, reporting whether it was a member.
func (c *Collection[T]) Remove(e *T) bool {
	c.load()
	i := slices.Index(c.items, e)
	if i < 0 {
		return false
	}
	c.items = slices.Delete(c.items, i, i+1)
	return true
}

// Contains reports whether e is a member.
func (c *Collection[T]) Contains(e *T) bool {
	c.load()
	return slices.Contains(c.items, e)
}

// Len returns the number of members.
func (c *Collection[T]) Len() int {
	c.load()
	return len(c.items)
}

// All returns a copy of the members in order.
func (c *Collection[T]) All() []*T {
	c.load()
	return slices.Clone(c.items)
}

// At returns the member at index i.
func (c *Collection[T]) At(i int) *T {
	c.load()
	return c.items[i]
}

// Find returns the first member matching pred, or nil.
func (c *Collection[T]) Find(pred func(*T) bool) *T {
	c.load()
	for _, e := range c.items {
		if pred(e) {
			return e
		}
	}
	return nil
}

// Clear removes every member.
func (c *Collection[T]) Clear() {
	c.load()
	c.items = nil
}

// Err returns the error of the last lazy load, if any.
func (c *Collection[T]) Err() error { return c.err }

// IsInitialized reports whether the members are in memory.
func (c *Collection[T]) IsInitialized() bool { return c.loader == nil }

// Initialize runs a pending loader and returns its error.
func (c *Collection[T]) Initialize() error {
	c.load()
	return c.err
}

func (c *Collection[T]) load() {
	if c.loader == nil {
		return
	}
	loader := c.loader
	c.loader = nil
	members, err := loader()
	if err != nil {
		c.err = err
		return
	}
	c.err = nil
	c.Hydrate(members)
}

// Elements returns the members as untyped values without loading.
func (c *Collection[T]) Elements() []any {
	return toAny(c.items)
}

// Snapshot returns the clean members as untyped values.
func (c *Collection[T]) Snapshot() []any {
	return toAny(c.snapshot)
}

// TakeSnapshot records the current members as clean.
func (c *Collection[T]) TakeSnapshot() {
	c.snapshot = slices.Clone(c.items)
}

// Hydrate replaces the members, marking the collection initialized and
// clean.
func (c *Collection[T]) Hydrate(members []any) {
	c.loader = nil
	c.items = make([]*T, 0, len(members))
	for _, m := range members {
		c.items = append(c.items, m.(*T))
	}
	c.TakeSnapshot()
}

// SetLoader defers loading to the first read.
func (c *Collection[T]) SetLoader(loader func() ([]any, error)) {
	c.items = nil
	c.snapshot = nil
	c.err = nil
	c.loader = loader
}

// AddElement is the untyped form of Add.
func (c *Collection[T]) AddElement(member any) bool {
	e, ok := member.(*T)
	if !ok {
		return false
	}
	return c.Add(e)
}

// RemoveElement is the untyped form of Remove.
func (c *Collection[T]) RemoveElement(member any) bool {
	e, ok := member.(*T)
	if !ok {
		return false
	}
	return c.Remove(e)
}

// Detach drops a pending loader. A collection detached before it was loaded
// stays empty and reports ErrDetachedEntity from Err.
func (c *Collection[T]) Detach() {
	if c.loader != nil {
		c.loader = nil
		c.err = types.ErrDetachedEntity
	}
}

func toAny[T any](items []*T) []any {
	out := make([]any, len(items))
	for i, e := range items {
		out[i] = e
	}
	return out
}
