package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/internal/paths"
	"github.com/mesh-intelligence/larder/pkg/session"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration and storage",
		Long: "Write config.yaml if it does not exist, then open the configured store,\n" +
			"creating the data directory and any missing tables.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir, err := paths.ResolveConfigDir(a.flags.configDir)
			if err != nil {
				return sysError(fmt.Errorf("resolve config dir: %w", err))
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			written, err := writeConfigIfMissing(configDir, cfg)
			if err != nil {
				return sysError(err)
			}
			err = a.withFactory(cmd, func(context.Context, *session.Factory) error { return nil })
			if err != nil {
				return err
			}

			if a.flags.jsonMode {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"config":         paths.ConfigFile(configDir),
					"config_written": written,
					"backend":        cfg.Backend,
					"data_dir":       cfg.DataDir,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Larder initialized (backend %s, data %s)\n", cfg.Backend, cfg.DataDir)
			if written {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", paths.ConfigFile(configDir))
			}
			return nil
		},
	}
}
