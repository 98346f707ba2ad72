package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"licensekit/internal/config"
	"licensekit/internal/infrastructure"
	"licensekit/internal/license"
	"licensekit/internal/security"
)

// writeConfig creates a configuration file whose key directory lives in a
// fresh temporary directory and returns both paths.
func writeConfig(t *testing.T) (configPath, keysDir string) {
	t.Helper()
	t.Cleanup(infrastructure.ResetLoggerForTesting)

	dir := t.TempDir()
	keysDir = filepath.Join(dir, "keys")
	configPath = filepath.Join(dir, "licensekit.yaml")
	yaml := "logging:\n" +
		"  level: error\n" +
		"keys:\n" +
		"  dir: " + keysDir + "\n" +
		"license:\n" +
		"  product_name: Acme\n" +
		"issuer:\n" +
		"  default_validity: 720h\n" +
		"telemetry:\n" +
		"  metrics_textfile: " + filepath.Join(dir, "licensegen.prom") + "\n"
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0644))
	return configPath, keysDir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func loadIssued(t *testing.T, path, keysDir string) license.Terms {
	t.Helper()
	l, err := license.LoadLicenseFile(afero.NewOsFs(), path)
	require.NoError(t, err)

	text, err := os.ReadFile(filepath.Join(keysDir, config.PublicKeyFile))
	require.NoError(t, err)
	pub, err := security.LoadPublicKey(text)
	require.NoError(t, err)

	terms, err := license.VerifiedTerms(l, pub)
	require.NoError(t, err)
	return terms
}

func TestKeysCommand(t *testing.T) {
	cfgPath, keysDir := writeConfig(t)

	code, out, errOut := runCLI(t, "--config", cfgPath, "keys")
	require.Equal(t, 0, code, errOut)
	assert.True(t, strings.HasPrefix(out, "created Ed25519 key pair"), out)
	assert.FileExists(t, filepath.Join(keysDir, config.PrivateKeyFile))
	assert.FileExists(t, filepath.Join(keysDir, config.PublicKeyFile))

	code, out, errOut = runCLI(t, "--config", cfgPath, "keys")
	require.Equal(t, 0, code, errOut)
	assert.True(t, strings.HasPrefix(out, "existing Ed25519 key pair"), out)
}

func TestIssueCommand(t *testing.T) {
	cfgPath, keysDir := writeConfig(t)

	code, out, errOut := runCLI(t, "--config", cfgPath, "issue",
		"--user", "alice", "--start", "2024-01-01", "--end", "2024-12-31")
	require.Equal(t, 0, code, errOut)

	path := strings.TrimSpace(out)
	assert.Equal(t, filepath.Join(keysDir, "alice.lic"), path)

	terms := loadIssued(t, path, keysDir)
	assert.Equal(t, "Acme", terms.ProductName)
	assert.Equal(t, "alice", terms.UserName)
	assert.True(t, terms.StartDate.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, terms.EndDate.Equal(time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)))

	metrics, err := os.ReadFile(filepath.Join(filepath.Dir(keysDir), "licensegen.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "license_issued")
}

func TestIssueCommandErrors(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	tests := []struct {
		name     string
		args     []string
		contains string
	}{
		{name: "missing user", args: []string{"issue"}, contains: `"user" not set`},
		{name: "bad start", args: []string{"issue", "--user", "bob", "--start", "01/01/2024"}, contains: "--start"},
		{name: "end before start", args: []string{"issue", "--user", "bob", "--start", "2024-06-01", "--end", "2024-05-01"}, contains: "invalid license terms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, errOut := runCLI(t, append([]string{"--config", cfgPath}, tt.args...)...)
			assert.Equal(t, 1, code)
			assert.Contains(t, errOut, tt.contains)
		})
	}
}

func TestBuildTermsDefaults(t *testing.T) {
	a := &app{
		cfg: config.Default(),
		now: func() time.Time { return time.Date(2024, 3, 10, 22, 30, 0, 0, time.FixedZone("X", -5*3600)) },
	}

	terms, err := a.buildTerms("Acme", "alice", "", "")
	require.NoError(t, err)
	// 22:30 at UTC-5 is already March 11 in UTC.
	assert.True(t, terms.StartDate.Equal(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)), terms.StartDate)
	assert.True(t, terms.EndDate.Equal(terms.StartDate.Add(365*24*time.Hour)), terms.EndDate)
}

func TestPackCommand(t *testing.T) {
	cfgPath, keysDir := writeConfig(t)

	f := excelize.NewFile()
	defer f.Close()
	rows := [][]interface{}{
		{"Product", "User", "Start", "End"},
		{"Acme", "alice", "2024-01-01", "2024-12-31"},
		{"Acme", "bob", "2024-02-01", "2025-01-31"},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	rosterPath := filepath.Join(t.TempDir(), "roster.xlsx")
	require.NoError(t, f.SaveAs(rosterPath))

	code, out, errOut := runCLI(t, "--config", cfgPath, "pack", "--roster", rosterPath)
	require.Equal(t, 0, code, errOut)

	paths := strings.Fields(out)
	require.Equal(t, []string{
		filepath.Join(keysDir, "alice.lic"),
		filepath.Join(keysDir, "bob.lic"),
	}, paths)
	assert.Equal(t, "bob", loadIssued(t, paths[1], keysDir).UserName)
}

func TestPubkeyCommand(t *testing.T) {
	cfgPath, keysDir := writeConfig(t)

	code, _, errOut := runCLI(t, "--config", cfgPath, "keys")
	require.Equal(t, 0, code, errOut)

	code, out, errOut := runCLI(t, "--config", cfgPath, "pubkey")
	require.Equal(t, 0, code, errOut)

	derived, err := security.LoadPublicKey([]byte(out))
	require.NoError(t, err)
	text, err := os.ReadFile(filepath.Join(keysDir, config.PublicKeyFile))
	require.NoError(t, err)
	stored, err := security.LoadPublicKey(text)
	require.NoError(t, err)
	assert.True(t, derived.Equal(stored))

	code, _, errOut = runCLI(t, "--config", cfgPath, "pubkey", "--private", filepath.Join(keysDir, config.PublicKeyFile))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, config.PublicKeyFile)
}
