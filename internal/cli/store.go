package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/mesh-intelligence/larder/internal/memstore"
	"github.com/mesh-intelligence/larder/internal/metrics"
	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/session"
	"github.com/mesh-intelligence/larder/pkg/sqlite"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// openStore opens the backing store selected by cfg.
func openStore(ctx context.Context, cfg types.Config, reg *schema.Registry) (types.Store, error) {
	if cfg.Backend != types.BackendMemory {
		return sqlite.NewStore(ctx, cfg, reg)
	}
	s, err := memstore.New(reg, memstore.WithDir(cfg.DataDir))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// context returns the command context with clue logging configured. Logs go
// to stderr so they never mix with command output.
func (a *app) context(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format), log.WithOutput(cmd.ErrOrStderr()))
	if a.flags.debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

// withFactory loads the configuration, opens the store and a session
// factory, and runs fn. Everything is released before it returns.
func (a *app) withFactory(cmd *cobra.Command, fn func(ctx context.Context, f *session.Factory) error) (err error) {
	ctx := a.context(cmd)
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, a.registry)
	if err != nil {
		return sysError(fmt.Errorf("open %s store: %w", cfg.Backend, err))
	}
	defer func() { err = errors.Join(err, sysError(store.Close())) }()

	collector, err := metrics.New(a.promReg)
	if err != nil {
		return sysError(err)
	}
	f, err := session.NewFactory(a.registry, store, session.WithMetrics(collector))
	if err != nil {
		return sysError(err)
	}
	defer func() { err = errors.Join(err, f.Close()) }()

	log.Debug(ctx, log.KV{K: "msg", V: "store opened"}, log.KV{K: "backend", V: cfg.Backend},
		log.KV{K: "data_dir", V: cfg.DataDir})
	err = fn(ctx, f)
	if a.flags.metrics {
		if werr := a.writeMetrics(cmd.ErrOrStderr()); werr != nil {
			log.Error(ctx, werr, log.KV{K: "msg", V: "write metrics"})
		}
	}
	return err
}

// writeMetrics prints the collected metrics in the prometheus text format.
func (a *app) writeMetrics(w io.Writer) error {
	families, err := a.promReg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// readInput returns the contents of path, or stdin for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
