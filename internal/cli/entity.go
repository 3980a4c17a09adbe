package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/session"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// descriptor looks a kind up by name, case-insensitively, or by table name.
func (a *app) descriptor(name string) (*schema.Descriptor, error) {
	for _, kind := range a.registry.Kinds() {
		desc, err := a.registry.Descriptor(kind)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(string(kind), name) || desc.TableName() == name {
			return desc, nil
		}
	}
	return nil, fmt.Errorf("%w: %q (valid: %s)", types.ErrUnknownKind, name, a.kindList())
}

func (a *app) kindList() string {
	names := make([]string, 0, len(a.registry.Kinds()))
	for _, kind := range a.registry.Kinds() {
		names = append(names, string(kind))
	}
	return strings.Join(names, ", ")
}

// output writes one entity in the selected mode.
func (a *app) output(cmd *cobra.Command, e *session.Entity, obj map[string]any) error {
	if a.flags.jsonMode {
		return writeJSON(cmd.OutOrStdout(), obj)
	}
	writeText(cmd.OutOrStdout(), e, obj)
	return nil
}

// resolveAssoc loads the association name of e and encodes what it points
// at: an object (or nil) for a reference, a list for a collection.
func resolveAssoc(ctx context.Context, e *session.Entity, name string) (any, error) {
	if r := e.Ref(name); r != nil {
		target, err := r.Get(ctx)
		if err != nil || target == nil {
			return nil, err
		}
		return encodeEntity(target), nil
	}
	if c := e.Collection(name); c != nil {
		items, err := c.Get(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(items))
		for _, it := range items {
			out = append(out, encodeEntity(it))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s.%s", types.ErrUnknownAssoc, e.Kind(), name)
}

func newGetCmd(a *app) *cobra.Command {
	var with []string
	cmd := &cobra.Command{
		Use:   "get <kind> <id>",
		Short: "Find an entity by ID",
		Long: `Get loads one entity through a session. Associations named with --with
are resolved lazily after the load and included in the output.

Example:
  larder get order 12 --with lines
  larder get product 0191c3c2-... --with category,supplier`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := a.descriptor(args[0])
			if err != nil {
				return err
			}
			id, err := parseID(desc, args[1])
			if err != nil {
				return err
			}
			return a.withFactory(cmd, func(ctx context.Context, f *session.Factory) error {
				return f.WithSession(ctx, func(sess *session.Session) error {
					e, err := sess.Find(ctx, desc.Kind, id)
					if err != nil {
						return err
					}
					obj := encodeEntity(e)
					for _, name := range with {
						v, err := resolveAssoc(ctx, e, name)
						if err != nil {
							return err
						}
						obj[name] = v
					}
					return a.output(cmd, e, obj)
				})
			})
		},
	}
	cmd.Flags().StringSliceVar(&with, "with", nil, "associations to resolve and include")
	return cmd
}

func newPutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put <kind> <json|->",
		Short: "Merge an entity and commit it",
		Long: `Put merges the given JSON object into a session and commits. An object
whose ID exists replaces the stored entity; any other object is inserted.
References are given by foreign-key column or association name. Use "-" to
read the object from stdin.

Example:
  larder put category '{"name":"Grains"}'
  larder put product '{"sku":"OAT-1","name":"Oats","price":2.5,"active":true,"created_at":"2024-03-01T12:00:00Z","category":"<id>"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := a.descriptor(args[0])
			if err != nil {
				return err
			}
			data := []byte(args[1])
			if args[1] == "-" {
				if data, err = readInput(cmd, "-"); err != nil {
					return sysError(err)
				}
			}
			obj, err := decodeObject(data)
			if err != nil {
				return err
			}
			return a.withFactory(cmd, func(ctx context.Context, f *session.Factory) error {
				return f.WithSession(ctx, func(sess *session.Session) error {
					src, err := decodeEntity(ctx, sess, a.registry, desc, obj)
					if err != nil {
						return err
					}
					merged, err := sess.Merge(ctx, src)
					if err != nil {
						return err
					}
					if err := sess.Commit(ctx); err != nil {
						return err
					}
					return a.output(cmd, merged, encodeEntity(merged))
				})
			})
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <id>",
		Short: "Remove an entity and everything its removal cascades to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := a.descriptor(args[0])
			if err != nil {
				return err
			}
			id, err := parseID(desc, args[1])
			if err != nil {
				return err
			}
			return a.withFactory(cmd, func(ctx context.Context, f *session.Factory) error {
				return f.WithSession(ctx, func(sess *session.Session) error {
					e, err := sess.Find(ctx, desc.Kind, id)
					if err != nil {
						return err
					}
					if err := sess.Remove(ctx, e); err != nil {
						return err
					}
					if err := sess.Commit(ctx); err != nil {
						return err
					}
					if a.flags.jsonMode {
						return writeJSON(cmd.OutOrStdout(), map[string]any{"deleted": e.String()})
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", e)
					return nil
				})
			})
		},
	}
}

func newQueryCmd(a *app) *cobra.Command {
	var params map[string]string
	cmd := &cobra.Command{
		Use:   "query <kind> [expression]",
		Short: "List the entities matching an expression",
		Long: `Query evaluates an expression against every stored entity of a kind.
Columns are in scope by name and --param values under "params". Parameter
values are parsed as JSON when possible and kept as strings otherwise.

Example:
  larder query product 'price > params.max' --param max=3
  larder query order 'status == "open"'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := a.descriptor(args[0])
			if err != nil {
				return err
			}
			pred := types.Predicate{Params: parseParams(params)}
			if len(args) == 2 {
				pred.Expr = args[1]
			}
			return a.withFactory(cmd, func(ctx context.Context, f *session.Factory) error {
				return f.WithSession(ctx, func(sess *session.Session) error {
					found, err := sess.Query(ctx, desc.Kind, pred)
					if err != nil {
						return err
					}
					if a.flags.jsonMode {
						out := make([]map[string]any, 0, len(found))
						for _, e := range found {
							out = append(out, encodeEntity(e))
						}
						return writeJSON(cmd.OutOrStdout(), out)
					}
					for _, e := range found {
						writeText(cmd.OutOrStdout(), e, encodeEntity(e))
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().StringToStringVar(&params, "param", nil, "expression parameter as key=value")
	return cmd
}

func parseParams(raw map[string]string) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			parsed = v
		}
		out[k] = parsed
	}
	return out
}
