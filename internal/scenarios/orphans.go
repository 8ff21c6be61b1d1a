package scenarios

import (
	"context"
	"errors"

	"github.com/mesh-intelligence/ledger/pkg/ledger"
	"github.com/mesh-intelligence/ledger/pkg/mapping"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

// Product owns its reviews; a review removed from Reviews is deleted.
type Product struct {
	ID      string
	Reviews mapping.Collection[Review]
}

// Review belongs to a product.
type Review struct {
	ID      string
	Product *Product
}

func productRegistry() (*mapping.Registry, error) {
	products := mapping.Define[Product]("product", "ddc735_product", "id", func(p *Product) *string { return &p.ID }).
		Has(mapping.OneToMany("reviews", "review", "product", func(p *Product) *mapping.Collection[Review] { return &p.Reviews }).
			Cascades(mapping.CascadePersist).
			Orphans())
	reviews := mapping.Define[Review]("review", "ddc735_review", "id", func(r *Review) *string { return &r.ID }).
		Has(mapping.ManyToOne("product", "product", "product_id", func(r *Review) **Product { return &r.Product }).
			InversedBy("reviews"))
	return mapping.NewRegistry(products.Type(), reviews.Type())
}

// orphanRemovalScenario removes the only review from a product's
// collection. The review row must be gone after the flush, after a
// refresh of the product, and for a lookup by identifier.
func orphanRemovalScenario() Scenario {
	return Scenario{
		Name:        "orphan-removal",
		Description: "removing a member from an orphan-removal collection deletes it",
		Schema: []string{
			`CREATE TABLE ddc735_product (id TEXT PRIMARY KEY)`,
			`CREATE TABLE ddc735_review (id TEXT PRIMARY KEY, product_id TEXT REFERENCES ddc735_product(id))`,
		},
		Reset: []string{
			`DELETE FROM ddc735_review`,
			`DELETE FROM ddc735_product`,
		},
		Registry: productRegistry,
		run:      runOrphanRemoval,
	}
}

func runOrphanRemoval(ctx context.Context, env *Env) error {
	em, err := env.manager(productRegistry())
	if err != nil {
		return err
	}
	defer em.Close()

	product := &Product{}
	review := &Review{}
	if err := em.Registry().Link(review, "product", product); err != nil {
		return err
	}
	if err := em.Persist(product); err != nil {
		return err
	}
	if err := em.Flush(ctx); err != nil {
		return err
	}
	if err := expect(product.Reviews.Len() == 1, "%d reviews after persist, want 1", product.Reviews.Len()); err != nil {
		return err
	}

	reviewID := review.ID
	product.Reviews.Remove(review)
	if err := em.Flush(ctx); err != nil {
		return err
	}
	if err := firstErr(
		expect(product.Reviews.Len() == 0, "%d reviews after removal, want 0", product.Reviews.Len()),
		expect(em.State(review) == types.StateDetached, "orphan is %s, want detached", em.State(review)),
	); err != nil {
		return err
	}

	if err := em.Refresh(ctx, product); err != nil {
		return err
	}
	if err := expect(product.Reviews.Len() == 0, "%d reviews after refresh, want 0", product.Reviews.Len()); err != nil {
		return err
	}

	_, err = ledger.Find[Review](ctx, em, reviewID)
	return expect(errors.Is(err, types.ErrNotFound), "find removed review: got %v, want not found", err)
}
