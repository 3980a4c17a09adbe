package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/mesh-intelligence/larder/pkg/session"
	"github.com/mesh-intelligence/larder/pkg/types"
)

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <kind>",
		Short: "Write every entity of a kind as JSON lines",
		Long: `Export writes one JSON object per line to stdout, in the format import
reads back.

Example:
  larder export product > products.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := a.descriptor(args[0])
			if err != nil {
				return err
			}
			return a.withFactory(cmd, func(ctx context.Context, f *session.Factory) error {
				return f.WithSession(ctx, func(sess *session.Session) error {
					all, err := sess.Query(ctx, desc.Kind, types.Predicate{})
					if err != nil {
						return err
					}
					enc := json.NewEncoder(cmd.OutOrStdout())
					for _, e := range all {
						if err := enc.Encode(encodeEntity(e)); err != nil {
							return sysError(err)
						}
					}
					return nil
				})
			})
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <kind> <file|->",
		Short: "Merge JSON lines into the store in one commit",
		Long: `Import merges every JSON object of the file, one per line, into a single
session and commits once. Either every record is stored or none is. Blank
lines are ignored.

Example:
  larder import product products.jsonl`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := a.descriptor(args[0])
			if err != nil {
				return err
			}
			data, err := readInput(cmd, args[1])
			if err != nil {
				return sysError(fmt.Errorf("read %s: %w", args[1], err))
			}
			return a.withFactory(cmd, func(ctx context.Context, f *session.Factory) error {
				return f.WithSession(ctx, func(sess *session.Session) error {
					n := 0
					scanner := bufio.NewScanner(bytes.NewReader(data))
					scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
					for line := 1; scanner.Scan(); line++ {
						text := bytes.TrimSpace(scanner.Bytes())
						if len(text) == 0 {
							continue
						}
						obj, err := decodeObject(text)
						if err != nil {
							return fmt.Errorf("line %d: %w", line, err)
						}
						src, err := decodeEntity(ctx, sess, a.registry, desc, obj)
						if err != nil {
							return fmt.Errorf("line %d: %w", line, err)
						}
						if _, err := sess.Merge(ctx, src); err != nil {
							return fmt.Errorf("line %d: %w", line, err)
						}
						n++
					}
					if err := scanner.Err(); err != nil {
						return sysError(err)
					}
					if err := sess.Commit(ctx); err != nil {
						return err
					}
					log.Debug(ctx, log.KV{K: "msg", V: "imported"}, log.KV{K: "kind", V: desc.Kind}, log.KV{K: "count", V: n})
					if a.flags.jsonMode {
						return writeJSON(cmd.OutOrStdout(), map[string]any{"kind": desc.Kind, "imported": n})
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Imported %d %s\n", n, desc.Kind)
					return nil
				})
			})
		},
	}
}
