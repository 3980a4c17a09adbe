// Package schema declares entity descriptors and the registry that holds
// them. Descriptors are static metadata: scalar fields, the primary key, and
// association definitions (multiplicity, ownership, cascade set, fetch mode).
// A Registry is built once at process start and is read-only afterwards.
//
// Shared persisted fields are expressed as Mixins embedded by value in each
// descriptor instead of a base type hierarchy:
//
//	audit := schema.Mixin{Name: "audit", Fields: []schema.Field{
//	    {Name: "created_at", Type: schema.TypeTime},
//	}}
//	order := schema.Descriptor{
//	    Kind:   "Order",
//	    Mixins: []schema.Mixin{audit},
//	    Fields: []schema.Field{{Name: "id", Type: schema.TypeInt, PrimaryKey: true}},
//	}
//	reg, err := schema.NewRegistry(order)
package schema
