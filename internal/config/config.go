package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

const (
	// EnvPrefix namespaces every environment variable, e.g. LICENSEKIT_KEYS_DIR.
	EnvPrefix = "LICENSEKIT"

	// ConfigFileEnv names an explicit configuration file.
	ConfigFileEnv = "LICENSEKIT_CONFIG"

	// DefaultConfigFile is looked up next to the executable and in the
	// working directory.
	DefaultConfigFile = "licensekit.yaml"
)

// Config represents the complete application configuration
type Config struct {
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Keys      KeysConfig      `yaml:"keys" envconfig:"KEYS"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Issuer    IssuerConfig    `yaml:"issuer" envconfig:"ISSUER"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" validate:"required_unless=Output console"`
}

// KeysConfig locates the issuer's key resources.
type KeysConfig struct {
	Dir       string `yaml:"dir" envconfig:"DIR" validate:"required"`
	Algorithm string `yaml:"algorithm" envconfig:"ALGORITHM" validate:"omitempty,oneof=Ed25519 ECDSA-P256"`
}

// LicenseConfig describes the consuming application's side.
type LicenseConfig struct {
	ProductName string `yaml:"product_name" envconfig:"PRODUCT_NAME"`
	// InstalledFile is the well-known location of the installed license.
	// Empty means DefaultInstalledLicensePath(ProductName).
	InstalledFile string `yaml:"installed_file" envconfig:"INSTALLED_FILE"`
	// PublicKeyFile holds the issuer's public key distributed with the application.
	PublicKeyFile string `yaml:"public_key_file" envconfig:"PUBLIC_KEY_FILE"`
}

// IssuerConfig contains issuance defaults.
type IssuerConfig struct {
	DefaultValidity time.Duration `yaml:"default_validity" envconfig:"DEFAULT_VALIDITY" validate:"gt=0"`
	Concurrency     int           `yaml:"concurrency" envconfig:"CONCURRENCY" validate:"min=1,max=64"`
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	TracingEnabled  bool   `yaml:"tracing_enabled" envconfig:"TRACING_ENABLED"`
	TraceFile       string `yaml:"trace_file" envconfig:"TRACE_FILE" validate:"required_if=TracingEnabled true"`
	MetricsTextfile string `yaml:"metrics_textfile" envconfig:"METRICS_TEXTFILE"`
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/licensekit.log",
		},
		Keys: KeysConfig{
			Dir:       "keys",
			Algorithm: "Ed25519",
		},
		Issuer: IssuerConfig{
			DefaultValidity: 365 * 24 * time.Hour,
			Concurrency:     4,
		},
		Telemetry: TelemetryConfig{
			TraceFile: "logs/traces.json",
		},
	}
}

// Load builds the configuration from defaults, then the config file (if any),
// then environment variables, which take precedence.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file path; an empty path skips
// the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// InstalledLicensePath returns the configured well-known license location or
// the per-user default for the product.
func (c *Config) InstalledLicensePath() (string, error) {
	if c.License.InstalledFile != "" {
		return c.License.InstalledFile, nil
	}
	return DefaultInstalledLicensePath(c.License.ProductName)
}

// loadFromFile overlays YAML configuration onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Logging.FilePath,
		&c.Keys.Dir,
		&c.License.InstalledFile,
		&c.License.PublicKeyFile,
		&c.Telemetry.TraceFile,
		&c.Telemetry.MetricsTextfile,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// findConfigFile returns the config file to use, or "" when there is none.
func findConfigFile() string {
	if path := os.Getenv(ConfigFileEnv); path != "" {
		return path
	}

	locations := []string{DefaultConfigFile}
	if dir, err := ExecutableDir(); err == nil {
		locations = append([]string{filepath.Join(dir, DefaultConfigFile)}, locations...)
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}
