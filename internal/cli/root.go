// Package cli implements the larder command-line interface: generic
// find, merge, remove and query commands over the catalog kinds, backed by
// the configured store.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/internal/catalog"
	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	backend   string
	dsn       string
	jsonMode  bool
	debug     bool
	metrics   bool
}

// app is the state shared by the subcommands of one invocation.
type app struct {
	flags    rootFlags
	registry *schema.Registry
	promReg  *prometheus.Registry
}

// NewRootCmd creates the top-level "larder" command over the catalog kinds.
func NewRootCmd() *cobra.Command {
	return newRootCmd(catalog.Registry())
}

func newRootCmd(reg *schema.Registry) *cobra.Command {
	a := &app{registry: reg, promReg: prometheus.NewRegistry()}
	root := &cobra.Command{
		Use:   "larder",
		Short: "Inspect and edit entities through a persistence session",
		Long: "Larder loads, edits and removes catalog entities through an identity-map\n" +
			"session. Writes are flushed in one transaction per command.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	pf.StringVar(&a.flags.dataDir, "data-dir", "", "data directory (default: $(CWD)/.larder)")
	pf.StringVar(&a.flags.backend, "backend", "", "backing store: sqlite, postgres or memory")
	pf.StringVar(&a.flags.dsn, "dsn", "", "database connection string (postgres)")
	pf.BoolVar(&a.flags.jsonMode, "json", false, "output in JSON format")
	pf.BoolVar(&a.flags.debug, "debug", false, "log session activity to stderr")
	pf.BoolVar(&a.flags.metrics, "metrics", false, "print session metrics to stderr on exit")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(a),
		newKindsCmd(a),
		newGetCmd(a),
		newPutCmd(a),
		newDeleteCmd(a),
		newQueryCmd(a),
		newExportCmd(a),
		newImportCmd(a),
	)
	return root
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	return run(NewRootCmd(), os.Args[1:], os.Stderr)
}

func run(root *cobra.Command, args []string, stderr io.Writer) int {
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitSuccess
	}
	fmt.Fprintln(stderr, "larder:", err)
	return exitCode(err)
}

// exitError carries the exit code chosen for an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// sysError marks err as an environment or storage failure.
func sysError(err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: exitSysError, err: err}
}

// exitCode maps an error to the process exit code. Storage failures are
// system errors; everything else is blamed on the input.
func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if types.IsBackingStore(err) {
		return exitSysError
	}
	return exitUserError
}
