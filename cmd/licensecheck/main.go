// Command licensecheck is the consuming side of licensekit. It installs a
// license file supplied by the user, or loads the installed one, and
// validates it against the issuer's public key before the application runs.
//
// Exit status is 0 when the license permits execution and 1 otherwise.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"licensekit/internal/config"
	licenseErrors "licensekit/internal/errors"
	"licensekit/internal/infrastructure"
	"licensekit/internal/license"
)

const serviceName = "licensecheck"

// Version is set at build time
var Version = "dev"

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	configFile    string
	install       string
	installed     string
	publicKeyFile string
	product       string
	json          bool
}

// licenseStatus is printed for a license that permits execution
type licenseStatus struct {
	Valid       bool   `json:"valid"`
	ProductName string `json:"product_name"`
	UserName    string `json:"user_name"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Path        string `json:"path"`
}

// run executes the command line and returns the process exit code
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var opts options
	var providers *infrastructure.OTelProviders
	rejected := false

	cmd := &cobra.Command{
		Use:           "licensecheck",
		Short:         "Validate the installed license for a product",
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := infrastructure.EnsureTraceID(cmd.Context())

			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return err
			}
			logger, err := infrastructure.InitializeLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			providers, err = infrastructure.InitializeOTel(cfg.Telemetry, serviceName, logger)
			if err != nil {
				return err
			}
			metrics, err := license.InitializeLicenseMetrics(providers.Meter)
			if err != nil {
				return err
			}

			m := license.NewManager(
				license.WithLogger(logger),
				license.WithTracer(providers.Tracer),
			)
			m.SetMetrics(metrics)

			status, err := check(ctx, m, cfg, opts)
			if err != nil {
				rejected = true
				return report(stdout, stderr, opts.json, licenseErrors.NewValidationProblem(err, infrastructure.GetTraceID(ctx)))
			}
			return printStatus(stdout, opts.json, status)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "config", "", "configuration file (default $LICENSEKIT_CONFIG or licensekit.yaml)")
	flags.StringVar(&opts.install, "install", "", "license file to install before checking")
	flags.StringVar(&opts.installed, "installed", "", "installed license location (default license.installed_file or the per-user location)")
	flags.StringVar(&opts.publicKeyFile, "public-key", "", "issuer public key (default license.public_key_file)")
	flags.StringVar(&opts.product, "product", "", "expected product name (default license.product_name)")
	flags.BoolVar(&opts.json, "json", false, "print the result as JSON")

	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if providers != nil {
		if shutdownErr := providers.Shutdown(ctx); shutdownErr != nil {
			fmt.Fprintf(stderr, "warning: %v\n", shutdownErr)
		}
	}
	infrastructure.CloseLogFile()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if rejected {
		return 1
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// check resolves the license, the public key and the product name from flags
// and configuration, and validates the license.
func check(ctx context.Context, m *license.Manager, cfg *config.Config, opts options) (*licenseStatus, error) {
	if opts.product != "" {
		cfg.License.ProductName = opts.product
	}
	product := cfg.License.ProductName
	if product == "" {
		return nil, fmt.Errorf("%w: no product name configured", licenseErrors.ErrNotConfigured)
	}

	installed := opts.installed
	if installed == "" {
		var err error
		if installed, err = cfg.InstalledLicensePath(); err != nil {
			return nil, fmt.Errorf("%w: %v", licenseErrors.ErrLicenseNotSupplied, err)
		}
	}

	var l *license.License
	var err error
	if opts.install != "" {
		l, err = m.InstallLicense(ctx, opts.install, installed)
	} else {
		l, err = m.LoadInstalledLicense(ctx, installed)
	}
	if err != nil {
		return nil, err
	}

	publicKeyFile := opts.publicKeyFile
	if publicKeyFile == "" {
		publicKeyFile = cfg.License.PublicKeyFile
	}
	if publicKeyFile == "" {
		return nil, fmt.Errorf("%w: no public key file configured", licenseErrors.ErrNotConfigured)
	}
	pub, err := m.LoadPublicKeyFile(publicKeyFile)
	if err != nil {
		return nil, err
	}

	if err := m.CheckLicense(ctx, l, pub, product); err != nil {
		return nil, err
	}

	terms, err := m.DescribeLicense(ctx, l, pub)
	if err != nil {
		return nil, err
	}
	return &licenseStatus{
		Valid:       true,
		ProductName: terms.ProductName,
		UserName:    terms.UserName,
		StartDate:   terms.StartDate.Format(licenseErrors.DateLayout),
		EndDate:     terms.EndDate.Format(licenseErrors.DateLayout),
		Path:        installed,
	}, nil
}

func report(stdout, stderr io.Writer, asJSON bool, problem *licenseErrors.ProblemDetails) error {
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(problem)
	}
	_, err := fmt.Fprintf(stderr, "%s: %s\n", problem.Title, problem.Detail)
	return err
}

func printStatus(w io.Writer, asJSON bool, status *licenseStatus) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	_, err := fmt.Fprintf(w, "Licensed to %s for %s until %s\n", status.UserName, status.ProductName, status.EndDate)
	return err
}
