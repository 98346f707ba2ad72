package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Output)
	assert.Equal(t, "keys", cfg.Keys.Dir)
	assert.Equal(t, "Ed25519", cfg.Keys.Algorithm)
	assert.Equal(t, 365*24*time.Hour, cfg.Issuer.DefaultValidity)
	assert.Equal(t, 4, cfg.Issuer.Concurrency)
	assert.False(t, cfg.Telemetry.TracingEnabled)
}

func TestLoadFileYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licensekit.yaml")
	content := `
logging:
  level: debug
keys:
  dir: /srv/acme/keys
  algorithm: ECDSA-P256
license:
  product_name: Acme
issuer:
  default_validity: 720h
  concurrency: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("LICENSEKIT_ISSUER_CONCURRENCY", "8")
	t.Setenv("LICENSEKIT_LICENSE_PUBLIC_KEY_FILE", "/opt/acme/publicKey.jwk")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/srv/acme/keys", cfg.Keys.Dir)
	assert.Equal(t, "ECDSA-P256", cfg.Keys.Algorithm)
	assert.Equal(t, "Acme", cfg.License.ProductName)
	assert.Equal(t, 720*time.Hour, cfg.Issuer.DefaultValidity)
	assert.Equal(t, 8, cfg.Issuer.Concurrency, "env overrides file")
	assert.Equal(t, "/opt/acme/publicKey.jwk", cfg.License.PublicKeyFile)
	// Values absent from both keep their defaults.
	assert.Equal(t, "console", cfg.Logging.Output)
}

func TestLoadFileExpandsHome(t *testing.T) {
	t.Setenv("LICENSEKIT_KEYS_DIR", "~/acme-keys")

	cfg, err := LoadFile("")
	require.NoError(t, err)

	home, err := homedir.Dir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "acme-keys"), cfg.Keys.Dir)
}

func TestLoadFileValidation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "unknown log level", key: "LICENSEKIT_LOGGING_LEVEL", value: "verbose"},
		{name: "unknown output", key: "LICENSEKIT_LOGGING_OUTPUT", value: "syslog"},
		{name: "unsupported algorithm", key: "LICENSEKIT_KEYS_ALGORITHM", value: "DSA"},
		{name: "zero concurrency", key: "LICENSEKIT_ISSUER_CONCURRENCY", value: "0"},
		{name: "negative validity", key: "LICENSEKIT_ISSUER_DEFAULT_VALIDITY", value: "-1h"},
		{name: "not a number", key: "LICENSEKIT_ISSUER_CONCURRENCY", value: "many"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadFile("")
			assert.Error(t, err)
		})
	}
}

func TestLoadFileRejectsUnknownYAMLKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licensekit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0644))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadFileMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestTracingRequiresTraceFile(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.TracingEnabled = true
	cfg.Telemetry.TraceFile = ""
	assert.Error(t, cfg.Validate())

	cfg.Telemetry.TraceFile = "traces.json"
	assert.NoError(t, cfg.Validate())
}

func TestInstalledLicensePath(t *testing.T) {
	cfg := Default()
	cfg.License.InstalledFile = "/opt/acme/license.lic"

	path, err := cfg.InstalledLicensePath()
	require.NoError(t, err)
	assert.Equal(t, "/opt/acme/license.lic", path)

	cfg.License.InstalledFile = ""
	cfg.License.ProductName = ""
	_, err = cfg.InstalledLicensePath()
	assert.Error(t, err)
}

func TestDefaultInstalledLicensePath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("AppData", t.TempDir())

	path, err := DefaultInstalledLicensePath("Acme/Pro")
	require.NoError(t, err)
	assert.Equal(t, InstalledLicenseFile, filepath.Base(path))
	assert.Equal(t, "Acme_Pro", filepath.Base(filepath.Dir(path)))
}

func TestSafeFileName(t *testing.T) {
	tests := map[string]string{
		"alice":         "alice",
		"Alice Smith":   "Alice Smith",
		"../etc/passwd": "_etc_passwd",
		`a\b:c*d?`:      "a_b_c_d_",
		"   ":           "_",
		"..":            "_",
		"bob\x00":       "bob_",
	}
	for in, want := range tests {
		assert.Equal(t, want, SafeFileName(in), in)
	}
}
