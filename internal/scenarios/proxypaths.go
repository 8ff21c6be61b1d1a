package scenarios

import (
	"context"
	"fmt"

	"github.com/mesh-intelligence/ledger/pkg/ledger"
	"github.com/mesh-intelligence/ledger/pkg/mapping"
)

// Client has a main phone and the collection of all its phones. The main
// phone is also a member of Phones, so it is reachable on two paths.
type Client struct {
	ID        string
	Name      string
	MainPhone *Phone
	Phones    mapping.Collection[Phone]
}

// Phone belongs to a client.
type Phone struct {
	ID     string
	Number string
	Client *Client
}

// phoneLayout varies how the client's associations are declared.
type phoneLayout struct {
	name           string
	mainPhoneFirst bool
	eagerMainPhone bool
}

var phoneLayouts = []phoneLayout{
	{name: "main phone first, eager", mainPhoneFirst: true, eagerMainPhone: true},
	{name: "main phone first, lazy", mainPhoneFirst: true},
	{name: "phones first, eager", eagerMainPhone: true},
	{name: "phones first, lazy"},
}

func phoneRegistry(layout phoneLayout) (*mapping.Registry, error) {
	mainPhone := mapping.OneToOne("main_phone", "phone", "main_phone_id", func(c *Client) **Phone { return &c.MainPhone })
	if layout.eagerMainPhone {
		mainPhone.Eager()
	}
	phones := mapping.OneToMany("phones", "phone", "client", func(c *Client) *mapping.Collection[Phone] { return &c.Phones }).
		Cascades(mapping.CascadePersist | mapping.CascadeRemove).
		Eager().
		OrderedBy("number", false)

	assocs := []*mapping.Association{phones, mainPhone}
	if layout.mainPhoneFirst {
		assocs = []*mapping.Association{mainPhone, phones}
	}

	clients := mapping.Define[Client]("client", "ddc440_client", "id", func(c *Client) *string { return &c.ID }).
		String("name", "name", func(c *Client) *string { return &c.Name }).
		Has(assocs...)
	phoneType := mapping.Define[Phone]("phone", "ddc440_phone", "id", func(p *Phone) *string { return &p.ID }).
		String("number", "phonenumber", func(p *Phone) *string { return &p.Number }).
		Has(mapping.ManyToOne("client", "client", "client_id", func(p *Phone) **Client { return &p.Client }).
			InversedBy("phones"))

	return mapping.NewRegistry(clients.Type(), phoneType.Type())
}

// proxyPathsScenario loads a client whose main phone is also one of its
// phones. Whichever path reaches the phone first, both must yield the same
// initialized instance with original data taken from its row.
func proxyPathsScenario() Scenario {
	return Scenario{
		Name:        "proxy-paths",
		Description: "an entity reached through two associations has one instance and a full snapshot",
		Schema: []string{
			// main_phone_id carries no foreign key: the two tables reference
			// each other and the DDL has to run unchanged on every backend.
			`CREATE TABLE ddc440_client (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				main_phone_id TEXT
			)`,
			`CREATE TABLE ddc440_phone (
				id TEXT PRIMARY KEY,
				client_id TEXT REFERENCES ddc440_client(id),
				phonenumber TEXT NOT NULL
			)`,
		},
		Reset: []string{
			`UPDATE ddc440_client SET main_phone_id = NULL`,
			`DELETE FROM ddc440_phone`,
			`DELETE FROM ddc440_client`,
		},
		Registry: func() (*mapping.Registry, error) { return phoneRegistry(phoneLayouts[0]) },
		run: func(ctx context.Context, env *Env) error {
			for _, layout := range phoneLayouts {
				if err := runProxyPaths(ctx, env, layout); err != nil {
					return fmt.Errorf("%s: %w", layout.name, err)
				}
			}
			return nil
		},
	}
}

func runProxyPaths(ctx context.Context, env *Env, layout phoneLayout) error {
	env.Log.Debug().Str("layout", layout.name).Msg("loading client through both phone paths")
	em, err := env.manager(phoneRegistry(layout))
	if err != nil {
		return err
	}
	defer em.Close()
	reg := em.Registry()

	client := &Client{Name: "Client1"}
	phone := &Phone{Number: "418 111-1111"}
	phone2 := &Phone{Number: "418 222-2222"}
	if err := firstErr(reg.Link(phone, "client", client), reg.Link(phone2, "client", client)); err != nil {
		return err
	}
	client.MainPhone = phone

	if err := em.Persist(client); err != nil {
		return err
	}
	if err := em.Flush(ctx); err != nil {
		return err
	}
	id := client.ID
	em.Clear()

	loaded, err := ledger.Find[Client](ctx, em, id)
	if err != nil {
		return err
	}
	if err := loaded.Phones.Initialize(); err != nil {
		return err
	}
	byNumber := func(number string) *Phone {
		return loaded.Phones.Find(func(p *Phone) bool { return p.Number == number })
	}
	p1, p2 := byNumber(phone.Number), byNumber(phone2.Number)
	if err := firstErr(
		expect(loaded.Phones.Len() == 2, "%d phones, want 2", loaded.Phones.Len()),
		expect(p1 != nil && p2 != nil, "phones missing from the collection"),
	); err != nil {
		return err
	}

	uw := em.UnitOfWork()
	for _, want := range []*Phone{phone, phone2} {
		p := byNumber(want.Number)
		orig := uw.OriginalEntityData(p)
		if err := firstErr(
			expect(em.IsInitialized(p), "phone %s is an uninitialized proxy", want.Number),
			expect(len(orig) > 0, "phone %s has no original data", want.Number),
			expect(orig["number"] == want.Number, "original number %v, want %s", orig["number"], want.Number),
			expect(orig["client"] == id, "original client %v, want %s", orig["client"], id),
			expect(p.Client == loaded, "phone %s points at another client instance", want.Number),
		); err != nil {
			return err
		}
	}
	return expect(loaded.MainPhone == p1, "main phone and phones[%s] are different instances", phone.Number)
}
