package mapping

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

func TestCollection_ZeroValue(t *testing.T) {
	var c Collection[book]
	assert.True(t, c.IsInitialized())
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.All())
	assert.NoError(t, c.Err())
}

func TestCollection_AddRemove(t *testing.T) {
	var c Collection[book]
	a, b := &book{Title: "a"}, &book{Title: "b"}

	assert.True(t, c.Add(a))
	assert.False(t, c.Add(a), "adding a member twice keeps one copy")
	assert.True(t, c.Add(b))
	assert.False(t, c.Add(nil))
	assert.Equal(t, 2, c.Len())
	assert.Same(t, b, c.At(1))
	assert.Same(t, a, c.Find(func(x *book) bool { return x.Title == "a" }))
	assert.Nil(t, c.Find(func(x *book) bool { return x.Title == "z" }))

	assert.True(t, c.Remove(a))
	assert.False(t, c.Remove(a))
	assert.False(t, c.Contains(a))
	assert.True(t, c.Contains(b))

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCollection_SnapshotTracksCleanState(t *testing.T) {
	var c Collection[book]
	a, b := &book{Title: "a"}, &book{Title: "b"}
	c.Hydrate([]any{a, b})
	assert.Equal(t, []any{a, b}, c.Snapshot())

	c.Remove(a)
	assert.Equal(t, []any{b}, c.Elements())
	assert.Equal(t, []any{a, b}, c.Snapshot(), "snapshot keeps the clean members until taken again")

	c.TakeSnapshot()
	assert.Equal(t, []any{b}, c.Snapshot())
}

func TestCollection_LazyLoad(t *testing.T) {
	var c Collection[book]
	loads := 0
	a := &book{Title: "a"}
	c.SetLoader(func() ([]any, error) {
		loads++
		return []any{a}, nil
	})

	assert.False(t, c.IsInitialized())
	assert.Empty(t, c.Elements(), "Elements does not trigger the loader")
	assert.Equal(t, 0, loads)

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, loads)
	assert.True(t, c.IsInitialized())
	assert.Equal(t, []any{a}, c.Snapshot())
}

func TestCollection_LazyLoadError(t *testing.T) {
	var c Collection[book]
	boom := errors.New("boom")
	c.SetLoader(func() ([]any, error) { return nil, boom })

	assert.Equal(t, 0, c.Len())
	assert.ErrorIs(t, c.Err(), boom)
	assert.ErrorIs(t, c.Initialize(), boom)
}

func TestCollection_DetachDropsLoader(t *testing.T) {
	var c Collection[book]
	c.SetLoader(func() ([]any, error) {
		t.Fatal("loader must not run after detach")
		return nil, nil
	})
	c.Detach()
	assert.Equal(t, 0, c.Len())
	assert.ErrorIs(t, c.Err(), types.ErrDetachedEntity)
}

func TestCollection_UntypedElements(t *testing.T) {
	var c Collection[book]
	a := &book{}
	require.True(t, c.AddElement(a))
	assert.False(t, c.AddElement(&shelf{}), "members of another type are rejected")
	assert.True(t, c.RemoveElement(a))
	assert.False(t, c.RemoveElement("a"))
}
