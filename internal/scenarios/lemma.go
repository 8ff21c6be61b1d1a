package scenarios

import (
	"context"
	"fmt"

	"github.com/mesh-intelligence/ledger/pkg/ledger"
	"github.com/mesh-intelligence/ledger/pkg/mapping"
)

// Lemma is a dictionary entry. Relations lists the relations it is the
// parent of.
type Lemma struct {
	ID        string
	Lemma     string
	Relations mapping.Collection[Relation]
}

// Relation links a parent lemma to a child lemma with a typed relation.
type Relation struct {
	ID     string
	Parent *Lemma
	Child  *Lemma
	Type   *RelationType
}

// RelationType names a kind of relation.
type RelationType struct {
	ID           string
	Type         string
	Abbreviation string
	Relations    mapping.Collection[Relation]
}

func lemmaRegistry() (*mapping.Registry, error) {
	lemmas := mapping.Define[Lemma]("lemma", "lemma", "lemma_id", func(l *Lemma) *string { return &l.ID }).
		String("lemma", "lemma_name", func(l *Lemma) *string { return &l.Lemma }).
		Has(mapping.OneToMany("relations", "relation", "parent", func(l *Lemma) *mapping.Collection[Relation] { return &l.Relations }).
			Cascades(mapping.CascadePersist))

	relations := mapping.Define[Relation]("relation", "relation", "relation_id", func(r *Relation) *string { return &r.ID }).
		Has(
			mapping.ManyToOne("parent", "lemma", "relation_parent_id", func(r *Relation) **Lemma { return &r.Parent }).
				InversedBy("relations"),
			mapping.OneToOne("child", "lemma", "relation_child_id", func(r *Relation) **Lemma { return &r.Child }),
			mapping.ManyToOne("type", "relation_type", "relation_type_id", func(r *Relation) **RelationType { return &r.Type }).
				InversedBy("relations"),
		)

	relationTypes := mapping.Define[RelationType]("relation_type", "relation_type", "relation_type_id", func(t *RelationType) *string { return &t.ID }).
		String("type", "relation_type_name", func(t *RelationType) *string { return &t.Type }).
		String("abbreviation", "relation_type_abbreviation", func(t *RelationType) *string { return &t.Abbreviation }).
		Has(mapping.OneToMany("relations", "relation", "type", func(t *RelationType) *mapping.Collection[Relation] { return &t.Relations }).
			Cascades(mapping.CascadePersist))

	return mapping.NewRegistry(lemmas.Type(), relationTypes.Type(), relations.Type())
}

// lemmaScenario relates one lemma to three others through a self-referencing
// association typed by a third entity, then queries the lemma by name and
// resolves the type of every relation.
func lemmaScenario() Scenario {
	return Scenario{
		Name:        "lemma-relations",
		Description: "a self-referencing association with a third related type resolves after a query",
		Schema: []string{
			`CREATE TABLE lemma (lemma_id TEXT PRIMARY KEY, lemma_name VARCHAR(255) NOT NULL UNIQUE)`,
			`CREATE TABLE relation_type (
				relation_type_id TEXT PRIMARY KEY,
				relation_type_name VARCHAR(255) NOT NULL UNIQUE,
				relation_type_abbreviation VARCHAR(255) NOT NULL UNIQUE
			)`,
			`CREATE TABLE relation (
				relation_id TEXT PRIMARY KEY,
				relation_parent_id TEXT REFERENCES lemma(lemma_id),
				relation_child_id TEXT REFERENCES lemma(lemma_id),
				relation_type_id TEXT REFERENCES relation_type(relation_type_id)
			)`,
		},
		Reset: []string{
			`DELETE FROM relation`,
			`DELETE FROM relation_type`,
			`DELETE FROM lemma`,
		},
		Registry: lemmaRegistry,
		run:      runLemma,
	}
}

func runLemma(ctx context.Context, env *Env) error {
	em, err := env.manager(lemmaRegistry())
	if err != nil {
		return err
	}
	defer em.Close()
	reg := em.Registry()

	lemmas := make([]*Lemma, 0, 4)
	for _, name := range []string{"foo", "bar", "batz", "bla"} {
		lemmas = append(lemmas, &Lemma{Lemma: name})
	}
	nonsense := &RelationType{Type: "nonsense", Abbreviation: "non"}
	quatsch := &RelationType{Type: "quatsch", Abbreviation: "qu"}

	parent := lemmas[0]
	for i, typ := range []*RelationType{nonsense, nonsense, quatsch} {
		r := &Relation{Child: lemmas[i+1]}
		if err := firstErr(reg.Link(r, "type", typ), reg.Link(parent, "relations", r)); err != nil {
			return err
		}
	}

	for _, e := range []any{nonsense, quatsch, lemmas[0], lemmas[1], lemmas[2], lemmas[3]} {
		if err := em.Persist(e); err != nil {
			return err
		}
	}
	if err := em.Flush(ctx); err != nil {
		return err
	}
	em.Clear()

	found, err := ledger.FindBy[Lemma](ctx, em, map[string]any{"lemma": "foo"})
	if err != nil {
		return err
	}
	if err := expect(len(found) == 1, "%d lemmas named foo, want 1", len(found)); err != nil {
		return err
	}
	lemma := found[0]
	if err := expect(lemma.Lemma == "foo", "lemma %q, want foo", lemma.Lemma); err != nil {
		return err
	}

	if err := lemma.Relations.Initialize(); err != nil {
		return err
	}
	if err := expect(lemma.Relations.Len() == 3, "%d relations, want 3", lemma.Relations.Len()); err != nil {
		return err
	}
	for _, r := range lemma.Relations.All() {
		if r.Type == nil {
			return expect(false, "relation %s has no type", r.ID)
		}
		if err := em.Initialize(ctx, r.Type); err != nil {
			return fmt.Errorf("relation %s type: %w", r.ID, err)
		}
		if err := em.Initialize(ctx, r.Child); err != nil {
			return fmt.Errorf("relation %s child: %w", r.ID, err)
		}
		if err := firstErr(
			expect(r.Type.Type != "", "relation %s has an empty type", r.ID),
			expect(r.Parent == lemma, "relation %s points at another parent instance", r.ID),
			expect(r.Child.Lemma != "" && r.Child.Lemma != "foo", "relation %s child %q", r.ID, r.Child.Lemma),
		); err != nil {
			return err
		}
	}
	em.Clear()
	return nil
}
