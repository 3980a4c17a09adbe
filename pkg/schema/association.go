package schema

import (
	"strings"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// Multiplicity is the cardinality of an association.
type Multiplicity int

// Multiplicities.
const (
	One Multiplicity = iota + 1
	Many
)

// Ownership tells which side of an association stores the foreign key.
type Ownership int

// Ownership sides.
const (
	// Owning associations hold the foreign key column on this kind.
	Owning Ownership = iota + 1
	// Inverse associations are mapped by the owning side on the target kind.
	Inverse
)

// FetchMode selects when an association is loaded.
type FetchMode int

// Fetch modes. Lazy is the zero value.
const (
	Lazy FetchMode = iota
	Eager
)

// CascadeOp is an operation that may propagate along an association.
type CascadeOp uint8

// Cascadable operations.
const (
	CascadePersist CascadeOp = 1 << iota
	CascadeMerge
	CascadeRemove

	CascadeAll = CascadePersist | CascadeMerge | CascadeRemove
)

// Has reports whether the set contains op.
func (c CascadeOp) Has(op CascadeOp) bool { return c&op == op && op != 0 }

func (c CascadeOp) String() string {
	var parts []string
	if c&CascadePersist != 0 {
		parts = append(parts, "persist")
	}
	if c&CascadeMerge != 0 {
		parts = append(parts, "merge")
	}
	if c&CascadeRemove != 0 {
		parts = append(parts, "remove")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// Association describes a reference from one kind to another.
type Association struct {
	Name         string
	Target       types.Kind
	Multiplicity Multiplicity
	Ownership    Ownership
	// ForeignKey is the column holding the reference: on this kind for the
	// owning side, on the target kind for the inverse side. For inverse
	// associations it is derived from MappedBy when empty.
	ForeignKey string
	// MappedBy names the owning association on the target kind.
	MappedBy string
	// Nullable owning references may be stored as NULL.
	Nullable bool
	Cascade  CascadeOp
	Fetch    FetchMode
}

// IsOwningOne reports whether the association is a to-one holding the
// foreign key on this kind.
func (a Association) IsOwningOne() bool {
	return a.Multiplicity == One && a.Ownership == Owning
}
