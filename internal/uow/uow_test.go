package uow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/ledger/internal/metrics"
	"github.com/mesh-intelligence/ledger/internal/store"
	"github.com/mesh-intelligence/ledger/pkg/mapping"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

type author struct {
	ID       string
	Name     string
	Born     time.Time
	Rating   float64
	Active   bool
	Books    mapping.Collection[book]
	Featured *book

	calls map[types.Event]int
}

type book struct {
	ID     string
	Title  string
	Pages  int64
	Author *author
}

func (a *author) count(ev types.Event) error {
	if a.calls == nil {
		a.calls = make(map[types.Event]int)
	}
	a.calls[ev]++
	return nil
}

var schema = []string{
	`CREATE TABLE authors (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		born TEXT,
		rating DOUBLE PRECISION,
		active INTEGER,
		featured_book_id TEXT REFERENCES books(id)
	)`,
	`CREATE TABLE books (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		pages BIGINT,
		author_id TEXT NOT NULL REFERENCES authors(id)
	)`,
}

func newRegistry(t *testing.T) *mapping.Registry {
	t.Helper()
	authors := mapping.Define[author]("author", "authors", "id", func(a *author) *string { return &a.ID }).
		String("name", "name", func(a *author) *string { return &a.Name }).
		Time("born", "born", func(a *author) *time.Time { return &a.Born }).
		Float("rating", "rating", func(a *author) *float64 { return &a.Rating }).
		Bool("active", "active", func(a *author) *bool { return &a.Active }).
		Has(
			mapping.OneToMany("books", "book", "author", func(a *author) *mapping.Collection[book] { return &a.Books }).
				Cascades(mapping.CascadeAll).
				Orphans().
				OrderedBy("title", false),
			mapping.OneToOne("featured", "book", "featured_book_id", func(a *author) **book { return &a.Featured }),
		)
	for _, ev := range types.Events {
		authors.On(ev, func(a *author) error { return a.count(ev) })
	}
	authors.On(types.PreUpdate, func(a *author) error {
		a.Active = true
		return nil
	})

	books := mapping.Define[book]("book", "books", "id", func(b *book) *string { return &b.ID }).
		String("title", "title", func(b *book) *string { return &b.Title }).
		Int("pages", "pages", func(b *book) *int64 { return &b.Pages }).
		Has(mapping.ManyToOne("author", "author", "author_id", func(b *book) **author { return &b.Author }).
			InversedBy("books").
			Required())

	reg, err := mapping.NewRegistry(authors.Type(), books.Type())
	require.NoError(t, err)
	return reg
}

type fixture struct {
	ctx   context.Context
	uow   *UnitOfWork
	reg   *mapping.Registry
	store *store.Store
	prom  *prometheus.Registry
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Exec(ctx, schema...))

	prom := prometheus.NewRegistry()
	rec, err := metrics.New(prom)
	require.NoError(t, err)
	reg := newRegistry(t)
	return &fixture{ctx: ctx, uow: New(reg, s, WithMetrics(rec)), reg: reg, store: s, prom: prom}
}

// seed persists an author with the given book titles and flushes.
func (f *fixture) seed(t *testing.T, name string, titles ...string) *author {
	t.Helper()
	a := &author{Name: name}
	for _, title := range titles {
		require.NoError(t, f.reg.Link(a, "books", &book{Title: title, Pages: 100}))
	}
	require.NoError(t, f.uow.Persist(a))
	require.NoError(t, f.uow.Flush(f.ctx))
	return a
}

func (f *fixture) count(t *testing.T, table string, where types.Criteria) int {
	t.Helper()
	rows, err := f.store.Select(f.ctx, table, []string{"id"}, where, nil)
	require.NoError(t, err)
	return len(rows)
}

func TestPersistFlushClearFind(t *testing.T) {
	f := setup(t)
	born := time.Date(1929, 10, 21, 0, 0, 0, 0, time.UTC)
	a := &author{Name: "Le Guin", Born: born, Rating: 4.5, Active: true}

	require.NoError(t, f.uow.Persist(a))
	assert.NotEmpty(t, a.ID, "an identifier is generated on persist")
	assert.Equal(t, types.StateManaged, f.uow.State(a))
	assert.True(t, f.uow.Contains(a))
	assert.Equal(t, 1, f.uow.ScheduledInsertions())

	require.NoError(t, f.uow.Flush(f.ctx))
	assert.Equal(t, 0, f.uow.ScheduledInsertions())
	orig := f.uow.OriginalEntityData(a)
	assert.Equal(t, "Le Guin", orig["name"])
	assert.Nil(t, orig["featured"])

	f.uow.Clear()
	assert.Equal(t, types.StateDetached, f.uow.State(a))
	assert.Equal(t, 0, f.uow.IdentityMapSize())

	found, err := f.uow.Find(f.ctx, "author", a.ID)
	require.NoError(t, err)
	loaded := found.(*author)
	assert.NotSame(t, a, loaded)
	assert.Equal(t, "Le Guin", loaded.Name)
	assert.True(t, born.Equal(loaded.Born))
	assert.Equal(t, 4.5, loaded.Rating)
	assert.True(t, loaded.Active)
	assert.Equal(t, 1, loaded.calls[types.PostLoad])

	again, err := f.uow.Find(f.ctx, "author", a.ID)
	require.NoError(t, err)
	assert.Same(t, loaded, again, "the identity map returns the managed instance")

	_, err = f.uow.Find(f.ctx, "author", "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = f.uow.Find(f.ctx, "author", "")
	assert.ErrorIs(t, err, types.ErrInvalidID)
	_, err = f.uow.Find(f.ctx, "publisher", a.ID)
	assert.ErrorIs(t, err, types.ErrUnknownEntityType)
}

func TestPersist_AssignedIDKept(t *testing.T) {
	f := setup(t)
	a := &author{ID: "a-1", Name: "Borges"}
	require.NoError(t, f.uow.Persist(a))
	assert.Equal(t, "a-1", a.ID)

	dup := &author{ID: "a-1", Name: "Other"}
	assert.ErrorIs(t, f.uow.Persist(dup), types.ErrIdentityConflict)
	assert.Equal(t, types.StateNew, f.uow.State(dup))
}

func TestPersist_CallbacksOncePerTransition(t *testing.T) {
	f := setup(t)
	a := &author{Name: "Calvino"}

	require.NoError(t, f.uow.Persist(a))
	require.NoError(t, f.uow.Persist(a))
	assert.Equal(t, 1, a.calls[types.PrePersist])

	require.NoError(t, f.uow.Flush(f.ctx))
	require.NoError(t, f.uow.Flush(f.ctx))
	assert.Equal(t, 1, a.calls[types.PrePersist])
	assert.Equal(t, 1, a.calls[types.PostPersist])
	assert.Equal(t, 0, a.calls[types.PreUpdate])
	assert.Equal(t, 0, a.calls[types.PostUpdate])
}

func TestPersist_FailingCallbackLeavesEntityUnscheduled(t *testing.T) {
	boom := errors.New("boom")
	people := mapping.Define[author]("author", "authors", "id", func(a *author) *string { return &a.ID }).
		String("name", "name", func(a *author) *string { return &a.Name }).
		On(types.PrePersist, func(*author) error { return boom }).
		Type()
	reg, err := mapping.NewRegistry(people)
	require.NoError(t, err)
	u := New(reg, nil)

	a := &author{Name: "x"}
	err = u.Persist(a)
	assert.ErrorIs(t, err, types.ErrCallbackFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, types.StateNew, u.State(a))
	assert.Equal(t, 0, u.ScheduledInsertions())
}

func TestFlush_CascadesAndUpdates(t *testing.T) {
	f := setup(t)
	a := f.seed(t, "Pratchett", "Mort", "Guards! Guards!")
	assert.Equal(t, 2, f.count(t, "books", types.Criteria{"author_id": a.ID}))
	for _, b := range a.Books.All() {
		assert.Equal(t, types.StateManaged, f.uow.State(b))
	}

	a.Name = "Terry Pratchett"
	require.NoError(t, f.uow.Flush(f.ctx))
	assert.Equal(t, 1, a.calls[types.PreUpdate])
	assert.Equal(t, 1, a.calls[types.PostUpdate])

	rows, err := f.store.Select(f.ctx, "authors", []string{"name", "active"}, types.Criteria{"id": a.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Terry Pratchett", rows[0]["name"])
	assert.Equal(t, int64(1), rows[0]["active"], "changes made by PreUpdate are flushed")
	assert.Equal(t, true, f.uow.OriginalEntityData(a)["active"])

	require.NoError(t, f.uow.Flush(f.ctx))
	assert.Equal(t, 1, a.calls[types.PreUpdate], "an unchanged entity is not updated again")
}

func TestFlush_NullableCycle(t *testing.T) {
	f := setup(t)
	a := &author{Name: "Tolkien"}
	b := &book{Title: "The Hobbit"}
	require.NoError(t, f.reg.Link(a, "books", b))
	a.Featured = b

	require.NoError(t, f.uow.Persist(a))
	require.NoError(t, f.uow.Flush(f.ctx))

	rows, err := f.store.Select(f.ctx, "authors", []string{"featured_book_id"}, types.Criteria{"id": a.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, b.ID, rows[0]["featured_book_id"])
	assert.Equal(t, b.ID, f.uow.OriginalEntityData(a)["featured"])

	require.NoError(t, f.uow.Remove(f.ctx, a))
	assert.Equal(t, types.StateRemoved, f.uow.State(b), "removal cascades to the books")
	assert.Equal(t, 2, f.uow.ScheduledDeletions())
	require.NoError(t, f.uow.Flush(f.ctx))

	assert.Equal(t, 0, f.count(t, "authors", nil))
	assert.Equal(t, 0, f.count(t, "books", nil))
	assert.Equal(t, types.StateDetached, f.uow.State(a))
	assert.Equal(t, 1, a.calls[types.PreRemove])
	assert.Equal(t, 1, a.calls[types.PostRemove])
	assert.Equal(t, 1.0, counter(t, f.prom, "ledger_writes_total", map[string]string{"entity": "author", "op": "delete"}))
	assert.Equal(t, 1.0, counter(t, f.prom, "ledger_writes_total", map[string]string{"entity": "book", "op": "delete"}))
}

// counter sums the samples of a gathered counter family whose labels
// include every pair in labels.
func counter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			match := 0
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] == lp.GetValue() {
					match++
				}
			}
			if match == len(labels) {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}

func TestFlush_OrphanRemoval(t *testing.T) {
	f := setup(t)
	a := f.seed(t, "Austen", "Emma", "Persuasion")
	emma := a.Books.At(0)
	require.Equal(t, "Emma", emma.Title)

	require.True(t, a.Books.Remove(emma))
	require.NoError(t, f.uow.Flush(f.ctx))

	assert.Equal(t, 1, a.Books.Len())
	assert.Equal(t, 1, f.count(t, "books", nil))
	assert.Equal(t, types.StateDetached, f.uow.State(emma))

	require.NoError(t, f.uow.Refresh(f.ctx, a))
	assert.Equal(t, 1, a.Books.Len())
	_, err := f.uow.Find(f.ctx, "book", emma.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestFlush_NewEntityThroughRelationship(t *testing.T) {
	f := setup(t)
	a := f.seed(t, "Eco")

	stranger := &author{Name: "Stranger"}
	b := &book{Title: "Foucault's Pendulum", Author: a}
	require.NoError(t, f.uow.Persist(b))
	b.Author = stranger

	err := f.uow.Flush(f.ctx)
	assert.ErrorIs(t, err, types.ErrNewEntityFoundThroughRelationship)
	assert.Equal(t, types.StateNew, f.uow.State(stranger))

	b.Author = a
	require.NoError(t, f.uow.Flush(f.ctx))
	assert.Equal(t, 1, f.count(t, "books", types.Criteria{"author_id": a.ID}))
}

func TestFlush_NewEntityBehindCascadedInsert(t *testing.T) {
	f := setup(t)
	a := f.seed(t, "Calvino")

	stranger := &author{Name: "Stranger"}
	b := &book{Title: "Invisible Cities", Author: stranger}
	a.Books.Add(b)

	err := f.uow.Flush(f.ctx)
	assert.ErrorIs(t, err, types.ErrNewEntityFoundThroughRelationship)
	assert.Equal(t, types.StateNew, f.uow.State(stranger))
	assert.Equal(t, 0, f.count(t, "books", nil), "no book is written with an empty author")

	b.Author = a
	require.NoError(t, f.uow.Flush(f.ctx))
	assert.Equal(t, 1, f.count(t, "books", types.Criteria{"author_id": a.ID}))
}

func TestCheckReferences_RejectsUnpersistedTarget(t *testing.T) {
	f := setup(t)
	a := f.seed(t, "Borges")
	b := &book{Title: "Ficciones", Author: a}
	require.NoError(t, f.uow.Persist(b))
	b.Author = &author{Name: "Nobody"}

	err := f.uow.checkReferences(nil)
	assert.ErrorIs(t, err, types.ErrNewEntityFoundThroughRelationship)
}

func TestFind_UnconvertibleRowLeavesNothingBehind(t *testing.T) {
	f := setup(t)
	a := f.seed(t, "Pynchon")
	require.NoError(t, f.store.Exec(f.ctx,
		`INSERT INTO books (id, title, pages, author_id) VALUES ('bad', 't', 'abc', '`+a.ID+`')`))
	before := f.uow.IdentityMapSize()

	for range 2 {
		e, err := f.uow.Find(f.ctx, "book", "bad")
		assert.Error(t, err)
		assert.Nil(t, e)
	}
	assert.Equal(t, before, f.uow.IdentityMapSize())

	rows, err := f.uow.FindBy(f.ctx, "book", map[string]any{"title": "t"})
	assert.Error(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, before, f.uow.IdentityMapSize())
}

func TestRefresh_UnconvertibleRowKeepsState(t *testing.T) {
	f := setup(t)
	a := f.seed(t, "Woolf", "Orlando")
	b := a.Books.At(0)
	b.Title = "edited"
	require.NoError(t, f.store.Exec(f.ctx, `UPDATE books SET pages = 'abc' WHERE id = '`+b.ID+`'`))

	assert.Error(t, f.uow.Refresh(f.ctx, b))
	assert.Equal(t, "edited", b.Title)
	assert.Equal(t, int64(100), b.Pages)
	assert.Equal(t, "Orlando", f.uow.OriginalEntityData(b)["title"])
	assert.True(t, f.uow.IsInitialized(b))
}

func TestFlush_MissingReference(t *testing.T) {
	f := setup(t)
	b := &book{Title: "Orphaned"}
	require.NoError(t, f.uow.Persist(b))
	assert.ErrorIs(t, f.uow.Flush(f.ctx), types.ErrMissingReference)
	assert.Equal(t, 0, f.count(t, "books", nil))
}

func TestFlush_FailureKeepsSchedule(t *testing.T) {
	f := setup(t)
	first := &author{Name: "Same"}
	second := &author{Name: "Same"}
	require.NoError(t, f.uow.Persist(first))
	require.NoError(t, f.uow.Persist(second))

	inserts := map[string]string{"entity": "author", "op": "insert"}
	err := f.uow.Flush(f.ctx)
	assert.ErrorIs(t, err, types.ErrUniqueViolation)
	assert.Equal(t, 2, f.uow.ScheduledInsertions())
	assert.Equal(t, 0, f.count(t, "authors", nil), "the transaction is rolled back")
	assert.Equal(t, 0, first.calls[types.PostPersist])
	assert.Equal(t, 0.0, counter(t, f.prom, "ledger_writes_total", inserts), "rolled back writes are not counted")

	second.Name = "Different"
	require.NoError(t, f.uow.Flush(f.ctx))
	assert.Equal(t, 2, f.count(t, "authors", nil))
	assert.Equal(t, 1, second.calls[types.PrePersist])
	assert.Equal(t, 1, second.calls[types.PostPersist])
	assert.Equal(t, 2.0, counter(t, f.prom, "ledger_writes_total", inserts))
}

func TestRemove_States(t *testing.T) {
	f := setup(t)
	a := &author{Name: "Kafka"}
	require.NoError(t, f.uow.Persist(a))
	require.NoError(t, f.uow.Remove(f.ctx, a))
	assert.Equal(t, types.StateNew, f.uow.State(a), "removing a pending insert cancels it")
	assert.Equal(t, 0, f.uow.ScheduledInsertions())
	assert.Equal(t, 0, a.calls[types.PreRemove])

	require.NoError(t, f.uow.Persist(a))
	require.NoError(t, f.uow.Flush(f.ctx))
	require.NoError(t, f.uow.Remove(f.ctx, a))
	assert.False(t, f.uow.Contains(a))
	_, err := f.uow.Find(f.ctx, "author", a.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, f.uow.Persist(a))
	assert.Equal(t, types.StateManaged, f.uow.State(a), "persist cancels a pending removal")
	require.NoError(t, f.uow.Flush(f.ctx))
	assert.Equal(t, 1, f.count(t, "authors", nil))
}

func TestDetach(t *testing.T) {
	f := setup(t)
	a := f.seed(t, "Woolf", "Orlando")
	b := a.Books.At(0)

	require.NoError(t, f.uow.Detach(a))
	assert.Equal(t, types.StateDetached, f.uow.State(a))
	assert.Equal(t, types.StateDetached, f.uow.State(b), "detach cascades through books")
	assert.Nil(t, f.uow.OriginalEntityData(a))

	assert.ErrorIs(t, f.uow.Persist(a), types.ErrDetachedEntity)
	assert.ErrorIs(t, f.uow.Remove(f.ctx, a), types.ErrDetachedEntity)
	assert.ErrorIs(t, f.uow.Refresh(f.ctx, a), types.ErrEntityNotManaged)

	a.Name = "Virginia Woolf"
	require.NoError(t, f.uow.Flush(f.ctx))
	rows, err := f.store.Select(f.ctx, "authors", []string{"name"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Woolf", rows[0]["name"], "detached changes are not flushed")
}

func TestClear_ForgetDropsDetachedMarkers(t *testing.T) {
	f := setup(t)
	a := f.seed(t, "Morrison", "Beloved")
	b := a.Books.At(0)

	f.uow.Clear()
	assert.Equal(t, 2, f.uow.DetachedCount())
	assert.ErrorIs(t, f.uow.Persist(a), types.ErrDetachedEntity)

	f.uow.Forget(a, b)
	assert.Equal(t, 0, f.uow.DetachedCount())
	assert.Equal(t, types.StateNew, f.uow.State(a))

	found, err := f.uow.Find(f.ctx, "author", a.ID)
	require.NoError(t, err)
	f.uow.Forget(found)
	assert.Equal(t, types.StateManaged, f.uow.State(found), "managed entities are not forgotten")
}

func TestLazyReferencesAndCollections(t *testing.T) {
	f := setup(t)
	a := &author{Name: "Dickens"}
	for _, title := range []string{"Oliver Twist", "Bleak House", "Hard Times"} {
		require.NoError(t, f.reg.Link(a, "books", &book{Title: title}))
	}
	a.Featured = a.Books.At(0)
	require.NoError(t, f.uow.Persist(a))
	require.NoError(t, f.uow.Flush(f.ctx))
	f.uow.Clear()

	found, err := f.uow.Find(f.ctx, "author", a.ID)
	require.NoError(t, err)
	loaded := found.(*author)

	require.NotNil(t, loaded.Featured)
	assert.False(t, f.uow.IsInitialized(loaded.Featured), "a lazy reference is a proxy")
	assert.Equal(t, a.Featured.ID, loaded.Featured.ID)
	assert.Nil(t, f.uow.OriginalEntityData(loaded.Featured))
	assert.False(t, loaded.Books.IsInitialized())

	titles := make([]string, 0, 3)
	for _, b := range loaded.Books.All() {
		titles = append(titles, b.Title)
		assert.Same(t, loaded, b.Author, "members point back at the managed owner")
	}
	assert.Equal(t, []string{"Bleak House", "Hard Times", "Oliver Twist"}, titles)

	featured := loaded.Books.Find(func(b *book) bool { return b.ID == a.Featured.ID })
	assert.Same(t, loaded.Featured, featured, "loading the collection initializes the proxy in place")
	assert.True(t, f.uow.IsInitialized(featured))
	assert.Equal(t, "Oliver Twist", f.uow.OriginalEntityData(featured)["title"])
}

func TestInitializeProxy(t *testing.T) {
	f := setup(t)
	a := f.seed(t, "Melville", "Moby-Dick")
	bookID := a.Books.At(0).ID
	f.uow.Clear()

	found, err := f.uow.Find(f.ctx, "book", bookID)
	require.NoError(t, err)
	proxy := found.(*book).Author
	require.NotNil(t, proxy)
	assert.False(t, f.uow.IsInitialized(proxy))
	assert.Empty(t, proxy.Name)

	require.NoError(t, f.uow.Initialize(f.ctx, proxy))
	assert.True(t, f.uow.IsInitialized(proxy))
	assert.Equal(t, "Melville", proxy.Name)
	assert.Equal(t, "Melville", f.uow.OriginalEntityData(proxy)["name"])

	viaFind, err := f.uow.Find(f.ctx, "author", a.ID)
	require.NoError(t, err)
	assert.Same(t, proxy, viaFind)

	assert.ErrorIs(t, f.uow.Initialize(f.ctx, &author{}), types.ErrEntityNotManaged)
}

func TestRefresh_DiscardsChanges(t *testing.T) {
	f := setup(t)
	a := f.seed(t, "Orwell", "1984")
	a.Name = "Eric Blair"
	a.Books.At(0).Title = "Nineteen Eighty-Four"

	require.NoError(t, f.uow.Refresh(f.ctx, a))
	assert.Equal(t, "Orwell", a.Name)
	assert.Equal(t, "1984", a.Books.At(0).Title, "refresh cascades to the books")
	require.NoError(t, f.uow.Flush(f.ctx))
	assert.Equal(t, 0, a.calls[types.PreUpdate])
}

func TestFindBy(t *testing.T) {
	f := setup(t)
	a := f.seed(t, "Christie", "Poirot", "Marple")
	f.seed(t, "Sayers", "Gaudy Night")

	byField, err := f.uow.FindBy(f.ctx, "author", map[string]any{"name": "Christie"})
	require.NoError(t, err)
	require.Len(t, byField, 1)
	assert.Same(t, a, byField[0])

	byRef, err := f.uow.FindBy(f.ctx, "book", map[string]any{"author": a}, mapping.OrderBy{Field: "title", Desc: true})
	require.NoError(t, err)
	require.Len(t, byRef, 2)
	assert.Equal(t, "Poirot", byRef[0].(*book).Title)

	byID, err := f.uow.FindBy(f.ctx, "book", map[string]any{"author": a.ID})
	require.NoError(t, err)
	assert.Len(t, byID, 2)

	_, err = f.uow.FindBy(f.ctx, "book", map[string]any{"isbn": "x"})
	assert.ErrorIs(t, err, types.ErrUnknownField)
	_, err = f.uow.FindBy(f.ctx, "book", nil, mapping.OrderBy{Field: "isbn"})
	assert.ErrorIs(t, err, types.ErrUnknownField)
}
