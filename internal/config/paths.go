package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Well-known file names. They are conventions of the issuer and consumer
// tooling; the license core never assumes them.
const (
	PrivateKeyFile       = "privateKey.jwk"
	PublicKeyFile        = "publicKey.jwk"
	InstalledLicenseFile = "license.lic"
)

// ExecutableDir returns the directory of the running executable with
// symlinks resolved.
func ExecutableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %v", err)
	}

	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable symlinks: %v", err)
	}

	return filepath.Dir(exe), nil
}

// DefaultInstalledLicensePath returns the per-user location of the installed
// license for a product, e.g. ~/.config/Acme/license.lic on Linux.
func DefaultInstalledLicensePath(productName string) (string, error) {
	if strings.TrimSpace(productName) == "" {
		return "", fmt.Errorf("product name is required to locate the installed license")
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config directory: %w", err)
	}
	return filepath.Join(dir, SafeFileName(productName), InstalledLicenseFile), nil
}

// SafeFileName reduces a user or product name to a single path element that
// is valid on common file systems.
func SafeFileName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r < 0x20, strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	if out == "" {
		return "_"
	}
	return out
}
