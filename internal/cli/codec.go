package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/session"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// encodeEntity renders e as a JSON object: scalar fields by name and owning
// references by foreign-key column.
func encodeEntity(e *session.Entity) map[string]any {
	desc := e.Descriptor()
	out := make(map[string]any, len(desc.Columns()))
	for _, f := range desc.AllFields() {
		out[f.Name] = e.Get(f.Name)
	}
	for _, a := range desc.OwningRefs() {
		out[a.ForeignKey] = e.Ref(a.Name).ForeignKey()
	}
	return out
}

// decodeObject parses one JSON object, keeping numbers exact.
func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidValue, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", types.ErrInvalidValue)
	}
	return obj, nil
}

// decodeEntity builds a Transient entity of desc from a JSON object.
// Owning references are given by foreign-key column or association name and
// their targets are loaded through sess.
func decodeEntity(ctx context.Context, sess *session.Session, reg *schema.Registry, desc *schema.Descriptor, obj map[string]any) (*session.Entity, error) {
	e := session.NewEntity(desc)
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := obj[key]
		if f, ok := desc.Field(key); ok {
			v, err := decodeValue(f, raw)
			if err != nil {
				return nil, err
			}
			if err := e.Set(f.Name, v); err != nil {
				return nil, err
			}
			continue
		}
		a, ok := owningRef(desc, key)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", types.ErrUnknownField, desc.Kind, key)
		}
		var target *session.Entity
		if raw != nil {
			tdesc, err := reg.Descriptor(a.Target)
			if err != nil {
				return nil, err
			}
			id, err := decodeValue(tdesc.PrimaryKey(), raw)
			if err != nil {
				return nil, err
			}
			if target, err = sess.Find(ctx, a.Target, id); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", desc.Kind, a.Name, err)
			}
		}
		if err := e.SetRef(a.Name, target); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// owningRef finds the owning to-one association stored under key, matching
// either its foreign-key column or its name.
func owningRef(desc *schema.Descriptor, key string) (schema.Association, bool) {
	for _, a := range desc.OwningRefs() {
		if a.ForeignKey == key || a.Name == key {
			return a, true
		}
	}
	return schema.Association{}, false
}

// decodeValue converts a decoded JSON value for f. Bytes travel as base64.
func decodeValue(f schema.Field, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if s, ok := raw.(string); ok && f.Type == schema.TypeBytes {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", types.ErrInvalidValue, f.Name, err)
		}
		raw = b
	}
	return f.Decode(raw)
}

// parseID converts a command-line identifier to the key type of desc.
func parseID(desc *schema.Descriptor, s string) (any, error) {
	if desc.PrimaryKey().Type != schema.TypeInt {
		return s, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s id %q is not an integer", types.ErrInvalidID, desc.Kind, s)
	}
	return n, nil
}

// writeJSON writes v as indented JSON followed by a newline.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeText prints an encoded entity as a header line followed by its
// columns in name order.
func writeText(w io.Writer, e *session.Entity, obj map[string]any) {
	fmt.Fprintln(w, e.String())
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %s\n", k, formatValue(obj[k]))
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case []map[string]any:
		return fmt.Sprintf("[%d entities]", len(x))
	case map[string]any:
		return fmt.Sprintf("%v", x["id"])
	default:
		return fmt.Sprint(x)
	}
}
