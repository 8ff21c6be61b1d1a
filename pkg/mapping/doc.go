// Package mapping declares how Go structs map onto tables.
//
// Metadata is explicit: an EntityType is built with Define and a set of typed
// accessor closures, associations are declared with ManyToOne, OneToOne and
// OneToMany, and lifecycle callbacks are registered per type with On. No
// struct tags are read and no field is discovered at runtime.
//
//	var phoneType = mapping.Define[Phone]("phone", "phone", "id", func(p *Phone) *string { return &p.ID }).
//		String("number", "phonenumber", func(p *Phone) *string { return &p.Number }).
//		Has(mapping.ManyToOne("client", "client", "client_id", func(p *Phone) **Client { return &p.Client }).
//			InversedBy("phones")).
//		Type()
//
// A Registry validates a set of EntityTypes together and offers Link and
// Unlink, which keep both sides of a bidirectional association consistent.
package mapping
