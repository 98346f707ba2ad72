// Command licensegen is the issuer tool: it creates the signing key pair and
// issues license files for single users or whole rosters.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"licensekit/internal/config"
	"licensekit/internal/infrastructure"
	"licensekit/internal/license"
	"licensekit/internal/security"
)

const serviceName = "licensegen"

// Version is set at build time
var Version = "dev"

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{out: stdout, now: time.Now}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	ctx = infrastructure.EnsureTraceID(ctx)
	err := root.ExecuteContext(ctx)
	if shutdownErr := a.teardown(ctx); shutdownErr != nil {
		fmt.Fprintf(stderr, "warning: %v\n", shutdownErr)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// app carries what every subcommand needs once configuration is loaded
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	providers *infrastructure.OTelProviders
	manager   *license.Manager
	out       io.Writer
	now       func() time.Time
}

func newRootCmd(a *app) *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "licensegen",
		Short:         "Create issuer keys and signed license files",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(configFile)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "configuration file (default $LICENSEKIT_CONFIG or licensekit.yaml)")

	root.AddCommand(
		newKeysCmd(a),
		newIssueCmd(a),
		newPackCmd(a),
		newPubkeyCmd(a),
	)
	return root
}

func (a *app) setup(configFile string) error {
	var err error
	if configFile != "" {
		a.cfg, err = config.LoadFile(configFile)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	a.logger, err = infrastructure.InitializeLogger(a.cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	a.providers, err = infrastructure.InitializeOTel(a.cfg.Telemetry, serviceName, a.logger)
	if err != nil {
		return err
	}
	metrics, err := license.InitializeLicenseMetrics(a.providers.Meter)
	if err != nil {
		return err
	}

	alg, err := security.ParseAlgorithm(a.cfg.Keys.Algorithm)
	if err != nil {
		return err
	}

	a.manager = license.NewManager(
		license.WithLogger(a.logger),
		license.WithTracer(a.providers.Tracer),
		license.WithAlgorithm(alg),
		license.WithConcurrency(a.cfg.Issuer.Concurrency),
	)
	a.manager.SetMetrics(metrics)
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	defer infrastructure.CloseLogFile()
	if a.providers == nil {
		return nil
	}
	err := a.providers.Shutdown(ctx)
	a.providers = nil
	return err
}

// keysDir returns the --dir flag value or the configured key directory
func (a *app) keysDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return a.cfg.Keys.Dir
}
