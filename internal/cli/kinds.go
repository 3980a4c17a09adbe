package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/pkg/schema"
)

// kindInfo is the JSON shape of one registered kind.
type kindInfo struct {
	Kind         string      `json:"kind"`
	Table        string      `json:"table"`
	PrimaryKey   string      `json:"primary_key"`
	Columns      []string    `json:"columns"`
	Associations []assocInfo `json:"associations,omitempty"`
}

type assocInfo struct {
	Name    string `json:"name"`
	Target  string `json:"target"`
	Many    bool   `json:"many"`
	Owning  bool   `json:"owning"`
	FK      string `json:"foreign_key"`
	Cascade string `json:"cascade"`
	Eager   bool   `json:"eager,omitempty"`
}

func describe(desc *schema.Descriptor) kindInfo {
	info := kindInfo{
		Kind:       string(desc.Kind),
		Table:      desc.TableName(),
		PrimaryKey: desc.PrimaryKey().Name,
		Columns:    desc.Columns(),
	}
	for _, a := range desc.Associations {
		info.Associations = append(info.Associations, assocInfo{
			Name:    a.Name,
			Target:  string(a.Target),
			Many:    a.Multiplicity == schema.Many,
			Owning:  a.Ownership == schema.Owning,
			FK:      a.ForeignKey,
			Cascade: a.Cascade.String(),
			Eager:   a.Fetch == schema.Eager,
		})
	}
	return info
}

func newKindsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "Describe the registered entity kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var infos []kindInfo
			for _, kind := range a.registry.Kinds() {
				desc, err := a.registry.Descriptor(kind)
				if err != nil {
					return err
				}
				infos = append(infos, describe(desc))
			}
			if a.flags.jsonMode {
				return writeJSON(cmd.OutOrStdout(), infos)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tTABLE\tCOLUMNS\tASSOCIATIONS")
			for _, info := range infos {
				var assocs []string
				for _, as := range info.Associations {
					target := as.Target
					if as.Many {
						target = "[]" + target
					}
					assocs = append(assocs, fmt.Sprintf("%s->%s(%s)", as.Name, target, as.Cascade))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Kind, info.Table,
					strings.Join(info.Columns, ","), strings.Join(assocs, " "))
			}
			return w.Flush()
		},
	}
}
