package scenarios

import (
	"context"
	"fmt"
	"time"

	"github.com/mesh-intelligence/ledger/pkg/ledger"
	"github.com/mesh-intelligence/ledger/pkg/mapping"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

// User owns memberships and cascades persist to them.
type User struct {
	ID          string
	Name        string
	Memberships mapping.Collection[Membership]
}

// Group owns memberships and cascades persist to them.
type Group struct {
	ID          string
	Name        string
	Memberships mapping.Collection[Membership]
}

// Membership joins a user and a group. Its callbacks stamp Updated and
// count how often they ran.
type Membership struct {
	ID      string
	User    *User
	Group   *Group
	State   string
	Updated time.Time

	PrePersistCalls int
	PreUpdateCalls  int
}

func (m *Membership) touch() {
	m.Updated = time.Now().UTC()
}

func membershipRegistry() (*mapping.Registry, error) {
	users := mapping.Define[User]("user", "ddc345_users", "id", func(u *User) *string { return &u.ID }).
		String("name", "name", func(u *User) *string { return &u.Name }).
		Has(mapping.OneToMany("memberships", "membership", "user", func(u *User) *mapping.Collection[Membership] { return &u.Memberships }).
			Cascades(mapping.CascadePersist))

	groups := mapping.Define[Group]("group", "ddc345_groups", "id", func(g *Group) *string { return &g.ID }).
		String("name", "name", func(g *Group) *string { return &g.Name }).
		Has(mapping.OneToMany("memberships", "membership", "group", func(g *Group) *mapping.Collection[Membership] { return &g.Memberships }).
			Cascades(mapping.CascadePersist))

	memberships := mapping.Define[Membership]("membership", "ddc345_memberships", "id", func(m *Membership) *string { return &m.ID }).
		String("state", "state", func(m *Membership) *string { return &m.State }).
		Time("updated", "updated", func(m *Membership) *time.Time { return &m.Updated }).
		Has(
			mapping.ManyToOne("user", "user", "user_id", func(m *Membership) **User { return &m.User }).
				InversedBy("memberships").
				Required(),
			mapping.ManyToOne("group", "group", "group_id", func(m *Membership) **Group { return &m.Group }).
				InversedBy("memberships").
				Required(),
		).
		On(types.PrePersist, func(m *Membership) error {
			m.PrePersistCalls++
			m.touch()
			return nil
		}).
		On(types.PreUpdate, func(m *Membership) error {
			m.PreUpdateCalls++
			m.touch()
			return nil
		})

	return mapping.NewRegistry(users.Type(), groups.Type(), memberships.Type())
}

// membershipScenario adds one new membership to the cascading collections
// of both its user and its group. The membership is reached twice during
// the flush but must be persisted, and its PrePersist run, exactly once.
func membershipScenario() Scenario {
	return Scenario{
		Name:        "membership",
		Description: "an entity reachable through two cascading collections is persisted once",
		Schema: []string{
			`CREATE TABLE ddc345_users (id TEXT PRIMARY KEY, name TEXT NOT NULL)`,
			`CREATE TABLE ddc345_groups (id TEXT PRIMARY KEY, name TEXT NOT NULL)`,
			`CREATE TABLE ddc345_memberships (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL REFERENCES ddc345_users(id),
				group_id TEXT NOT NULL REFERENCES ddc345_groups(id),
				state TEXT NOT NULL,
				updated TEXT,
				CONSTRAINT ddc345_memship_fks UNIQUE (user_id, group_id)
			)`,
		},
		Reset: []string{
			`DELETE FROM ddc345_memberships`,
			`DELETE FROM ddc345_users`,
			`DELETE FROM ddc345_groups`,
		},
		Registry: membershipRegistry,
		run:      runMembership,
	}
}

func runMembership(ctx context.Context, env *Env) error {
	em, err := env.manager(membershipRegistry())
	if err != nil {
		return err
	}
	defer em.Close()
	reg := em.Registry()

	user := &User{Name: "Test User"}
	if err := em.Persist(user); err != nil {
		return err
	}
	group := &Group{Name: "Test Group"}
	if err := em.Persist(group); err != nil {
		return err
	}

	// The membership itself is never passed to Persist.
	m := &Membership{State: "active"}
	if err := firstErr(reg.Link(user, "memberships", m), reg.Link(group, "memberships", m)); err != nil {
		return err
	}
	if err := em.Flush(ctx); err != nil {
		return err
	}

	if err := firstErr(
		expect(m.PrePersistCalls == 1, "PrePersist ran %d times, want 1", m.PrePersistCalls),
		expect(m.PreUpdateCalls == 0, "PreUpdate ran %d times, want 0", m.PreUpdateCalls),
		expect(!m.Updated.IsZero(), "updated was not set"),
		expect(em.Contains(m), "membership is %s, want managed", em.State(m)),
	); err != nil {
		return err
	}

	rows, err := em.Store().Select(ctx, "ddc345_memberships", []string{"id"}, types.Criteria{"user_id": user.ID, "group_id": group.ID}, nil)
	if err != nil {
		return err
	}
	if err := expect(len(rows) == 1, "%d membership rows, want 1", len(rows)); err != nil {
		return err
	}

	if err := em.Flush(ctx); err != nil {
		return err
	}
	if err := expect(m.PreUpdateCalls == 0, "an unchanged membership was updated"); err != nil {
		return err
	}

	return roundTrip(ctx, em, m)
}

// roundTrip reloads m in a cleared manager and compares its scalar values.
func roundTrip(ctx context.Context, em *ledger.EntityManager, m *Membership) error {
	em.Clear()
	loaded, err := ledger.Find[Membership](ctx, em, m.ID)
	if err != nil {
		return fmt.Errorf("reload membership: %w", err)
	}
	if err := firstErr(
		expect(loaded != m, "clear kept the old instance"),
		expect(loaded.State == m.State, "state %q, want %q", loaded.State, m.State),
		expect(loaded.Updated.Equal(m.Updated), "updated %s, want %s", loaded.Updated, m.Updated),
		expect(loaded.User != nil && loaded.User.ID == m.User.ID, "user reference was not restored"),
	); err != nil {
		return err
	}
	if err := em.Initialize(ctx, loaded.User); err != nil {
		return err
	}
	return expect(loaded.User.Name == "Test User", "user name %q after initialize", loaded.User.Name)
}
