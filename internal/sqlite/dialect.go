package sqlite

import (
	"fmt"
	"strings"
	"time"

	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Dialect captures the differences between the SQL engines the store speaks.
type Dialect struct {
	Name   string
	Driver string
	// Returning reports whether generated keys are read back with a
	// RETURNING clause instead of LastInsertId.
	Returning bool
	// Numbered placeholders ($1, $2) instead of ?.
	Numbered bool
	// TextTimes stores time columns as RFC3339Nano text.
	TextTimes bool
	types     map[schema.FieldType]string
	serialPK  string
}

// Supported dialects.
var (
	SQLite = Dialect{
		Name:      types.BackendSQLite,
		Driver:    "sqlite",
		TextTimes: true,
		types: map[schema.FieldType]string{
			schema.TypeString: "TEXT",
			schema.TypeInt:    "INTEGER",
			schema.TypeFloat:  "REAL",
			schema.TypeBool:   "INTEGER",
			schema.TypeTime:   "TEXT",
			schema.TypeBytes:  "BLOB",
		},
		serialPK: "INTEGER PRIMARY KEY AUTOINCREMENT",
	}
	Postgres = Dialect{
		Name:      types.BackendPostgres,
		Driver:    "pgx",
		Returning: true,
		Numbered:  true,
		types: map[schema.FieldType]string{
			schema.TypeString: "TEXT",
			schema.TypeInt:    "BIGINT",
			schema.TypeFloat:  "DOUBLE PRECISION",
			schema.TypeBool:   "BOOLEAN",
			schema.TypeTime:   "TIMESTAMPTZ",
			schema.TypeBytes:  "BYTEA",
		},
		serialPK: "BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY",
	}
)

// DialectFor returns the dialect registered for a backend name.
func DialectFor(backend string) (Dialect, error) {
	switch backend {
	case types.BackendSQLite:
		return SQLite, nil
	case types.BackendPostgres:
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("%w: %q", types.ErrBackendUnknown, backend)
	}
}

func (d Dialect) placeholder(n int) string {
	if d.Numbered {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// createTable renders the DDL for one kind. Foreign keys are plain columns:
// the session orders inserts and deletes itself.
func (d Dialect) createTable(desc *schema.Descriptor) string {
	var cols []string
	for _, f := range desc.ColumnFields() {
		def := quote(f.ColumnName()) + " "
		switch {
		case f.PrimaryKey && f.Generated && f.Type == schema.TypeInt:
			def += d.serialPK
		case f.PrimaryKey:
			def += d.types[f.Type] + " PRIMARY KEY"
		default:
			def += d.types[f.Type]
			if !f.Nullable {
				def += " NOT NULL"
			}
		}
		cols = append(cols, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)",
		quote(desc.TableName()), strings.Join(cols, ",\n    "))
}

// createIndexes renders one index per owning foreign key, which backs
// FetchByForeignKey.
func (d Dialect) createIndexes(desc *schema.Descriptor) []string {
	var out []string
	for _, a := range desc.OwningRefs() {
		name := fmt.Sprintf("idx_%s_%s", desc.TableName(), a.ForeignKey)
		out = append(out, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quote(name), quote(desc.TableName()), quote(a.ForeignKey)))
	}
	return out
}

// encode converts a canonical value into a driver argument.
func (d Dialect) encode(v any) any {
	switch x := v.(type) {
	case time.Time:
		if d.TextTimes {
			return x.UTC().Format(time.RFC3339Nano)
		}
		return x.UTC()
	}
	return v
}
