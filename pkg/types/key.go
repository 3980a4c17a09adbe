package types

import "fmt"

// Kind names an entity kind registered in a schema registry.
type Kind string

// Key identifies one entity within a session: the entity kind plus its
// primary-key value. Keys are comparable and used as identity-map keys.
type Key struct {
	Kind Kind
	ID   any
}

// NewKey builds a Key with a normalized ID so that keys built from
// different integer widths compare equal.
func NewKey(kind Kind, id any) Key {
	return Key{Kind: kind, ID: NormalizeID(id)}
}

// String renders the key as Kind#ID.
func (k Key) String() string {
	return fmt.Sprintf("%s#%v", k.Kind, k.ID)
}

// Valid reports whether the key carries both a kind and an ID.
func (k Key) Valid() bool {
	return k.Kind != "" && !IsZeroID(k.ID)
}

// NormalizeID folds integer identifiers to int64 and leaves other comparable
// values (strings) untouched. Non-comparable values are returned as-is and
// rejected later by the session.
func NormalizeID(id any) any {
	switch v := id.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	default:
		return id
	}
}

// IsZeroID reports whether id is absent: nil, empty string or integer zero.
func IsZeroID(id any) bool {
	switch v := NormalizeID(id).(type) {
	case nil:
		return true
	case string:
		return v == ""
	case int64:
		return v == 0
	default:
		return false
	}
}
