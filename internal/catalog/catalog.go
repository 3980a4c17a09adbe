// Package catalog declares the entity kinds the larder command works with: a
// small shop of categories, suppliers, products and orders, plus the
// employee and laptop pair whose references point at each other.
package catalog

import (
	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Kinds of the catalog.
const (
	Category types.Kind = "Category"
	Supplier types.Kind = "Supplier"
	Product  types.Kind = "Product"
	Order    types.Kind = "Order"
	LineItem types.Kind = "LineItem"
	Employee types.Kind = "Employee"
	Laptop   types.Kind = "Laptop"
)

// Audit is embedded by kinds that record when they were created and last
// changed.
var Audit = schema.Mixin{Name: "audit", Fields: []schema.Field{
	{Name: "created_at", Type: schema.TypeTime},
	{Name: "updated_at", Type: schema.TypeTime, Nullable: true},
}}

// Address is the postal address embedded by suppliers and employees.
var Address = schema.Mixin{Name: "address", Fields: []schema.Field{
	{Name: "street", Type: schema.TypeString, Nullable: true},
	{Name: "city", Type: schema.TypeString, Nullable: true},
	{Name: "country", Type: schema.TypeString, Nullable: true},
	{Name: "phone", Type: schema.TypeString, Nullable: true},
}}

var registry = schema.MustRegistry(Descriptors()...)

// Registry returns the shared registry of the catalog kinds.
func Registry() *schema.Registry { return registry }

// Descriptors returns fresh copies of the catalog descriptors.
func Descriptors() []schema.Descriptor {
	return []schema.Descriptor{
		{
			Kind:  Category,
			Table: "categories",
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeString, PrimaryKey: true, Generated: true},
				{Name: "name", Type: schema.TypeString},
			},
			Associations: []schema.Association{
				{Name: "products", Target: Product, Multiplicity: schema.Many, Ownership: schema.Inverse,
					MappedBy: "category"},
			},
		},
		{
			Kind:   Supplier,
			Table:  "suppliers",
			Mixins: []schema.Mixin{Address},
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeString, PrimaryKey: true, Generated: true},
				{Name: "name", Type: schema.TypeString},
				{Name: "email", Type: schema.TypeString, Nullable: true},
			},
			Associations: []schema.Association{
				{Name: "products", Target: Product, Multiplicity: schema.Many, Ownership: schema.Inverse,
					MappedBy: "supplier"},
			},
		},
		{
			Kind:   Product,
			Table:  "products",
			Mixins: []schema.Mixin{Audit},
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeString, PrimaryKey: true, Generated: true},
				{Name: "sku", Type: schema.TypeString},
				{Name: "name", Type: schema.TypeString},
				{Name: "price", Type: schema.TypeFloat},
				{Name: "active", Type: schema.TypeBool},
				{Name: "photo", Type: schema.TypeBytes, Nullable: true},
			},
			Associations: []schema.Association{
				{Name: "category", Target: Category, Multiplicity: schema.One, Ownership: schema.Owning,
					ForeignKey: "category_id", Nullable: true, Fetch: schema.Eager},
				{Name: "supplier", Target: Supplier, Multiplicity: schema.One, Ownership: schema.Owning,
					ForeignKey: "supplier_id", Nullable: true},
			},
		},
		{
			Kind:   Order,
			Table:  "orders",
			Mixins: []schema.Mixin{Audit},
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeInt, PrimaryKey: true, Generated: true},
				{Name: "status", Type: schema.TypeString},
				{Name: "note", Type: schema.TypeString, Nullable: true},
			},
			Associations: []schema.Association{
				{Name: "lines", Target: LineItem, Multiplicity: schema.Many, Ownership: schema.Inverse,
					MappedBy: "order", Cascade: schema.CascadeAll},
			},
		},
		{
			Kind:  LineItem,
			Table: "line_items",
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeInt, PrimaryKey: true, Generated: true},
				{Name: "quantity", Type: schema.TypeInt},
			},
			Associations: []schema.Association{
				{Name: "order", Target: Order, Multiplicity: schema.One, Ownership: schema.Owning,
					ForeignKey: "order_id"},
				{Name: "product", Target: Product, Multiplicity: schema.One, Ownership: schema.Owning,
					ForeignKey: "product_id"},
			},
		},
		{
			Kind:            Employee,
			Table:           "employees",
			Mixins:          []schema.Mixin{Address},
			ColumnOverrides: map[string]string{"phone": "home_phone"},
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeInt, PrimaryKey: true, Generated: true},
				{Name: "name", Type: schema.TypeString},
			},
			Associations: []schema.Association{
				{Name: "laptop", Target: Laptop, Multiplicity: schema.One, Ownership: schema.Owning,
					ForeignKey: "laptop_id", Nullable: true, Cascade: schema.CascadeAll},
			},
		},
		{
			Kind:  Laptop,
			Table: "laptops",
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeInt, PrimaryKey: true, Generated: true},
				{Name: "serial", Type: schema.TypeString},
			},
			Associations: []schema.Association{
				{Name: "owner", Target: Employee, Multiplicity: schema.One, Ownership: schema.Owning,
					ForeignKey: "owner_id", Nullable: true, Cascade: schema.CascadeRemove},
			},
		},
	}
}
