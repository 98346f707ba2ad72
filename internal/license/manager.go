package license

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"licensekit/internal/config"
	licenseErrors "licensekit/internal/errors"
	"licensekit/internal/security"
)

// DefaultConcurrency bounds parallel signing in IssueLicensePack.
const DefaultConcurrency = 4

// Manager runs the file-backed issuer and consumer flows around the license
// core: key resources, issuing license files, installing and checking them.
// File names are its convention, never the core's.
type Manager struct {
	fs          afero.Fs
	logger      *slog.Logger
	metrics     *LicenseMetrics
	tracer      trace.Tracer
	algorithm   security.Algorithm
	concurrency int
	now         func() time.Time
	validate    *validator.Validate
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFs sets the file system; tests use afero.NewMemMapFs().
func WithFs(fs afero.Fs) ManagerOption {
	return func(m *Manager) { m.fs = fs }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithTracer sets the tracer used for issue and validation spans.
func WithTracer(tracer trace.Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = tracer }
}

// WithAlgorithm selects the algorithm of generated key pairs.
func WithAlgorithm(alg security.Algorithm) ManagerOption {
	return func(m *Manager) { m.algorithm = alg }
}

// WithConcurrency bounds parallel signing in packs. Values below 1 are ignored.
func WithConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithManagerClock replaces time.Now for validation and timings.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a manager on the OS file system unless configured otherwise.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		fs:          afero.NewOsFs(),
		tracer:      otel.Tracer(TracerName),
		algorithm:   security.DefaultAlgorithm,
		concurrency: DefaultConcurrency,
		now:         time.Now,
		validate:    validator.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = newManagerLogger(m.logger)
	return m
}

// SetMetrics sets the OpenTelemetry metrics for the manager
func (m *Manager) SetMetrics(metrics *LicenseMetrics) {
	m.metrics = metrics
}

// EnsureKeyResources creates a key pair in dir unless a private key is
// already there. A missing public key next to an existing private key is
// restored from it. created reports whether a new pair was generated.
func (m *Manager) EnsureKeyResources(ctx context.Context, dir string) (created bool, err error) {
	privPath := filepath.Join(dir, config.PrivateKeyFile)
	pubPath := filepath.Join(dir, config.PublicKeyFile)

	exists, err := afero.Exists(m.fs, privPath)
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %v", licenseErrors.ErrPersistence, privPath, err)
	}
	if exists {
		return false, m.ensurePublicKey(ctx, privPath, pubPath)
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := m.fs.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("%w: create %s: %v", licenseErrors.ErrPersistence, dir, err)
	}

	pair, err := security.GenerateKeyPair(m.algorithm)
	if err != nil {
		m.logError(ctx, "ensure_keys", "key generation failed", errorAttr(err))
		return false, err
	}
	privText, err := security.SaveKey(pair.Private)
	if err != nil {
		return false, err
	}
	pubText, err := security.SaveKey(pair.Public)
	if err != nil {
		return false, err
	}

	if err := afero.WriteFile(m.fs, privPath, privText, 0600); err != nil {
		return false, fmt.Errorf("%w: write %s: %v", licenseErrors.ErrPersistence, privPath, err)
	}
	if err := afero.WriteFile(m.fs, pubPath, pubText, 0644); err != nil {
		return false, fmt.Errorf("%w: write %s: %v", licenseErrors.ErrPersistence, pubPath, err)
	}

	m.recordKeysGenerated(ctx, string(pair.Private.Algorithm()))
	m.logInfo(ctx, "ensure_keys", "key pair generated",
		keyIDAttr(pair.Private.KeyID()),
		slog.String("algorithm", string(pair.Private.Algorithm())),
		slog.String("dir", dir),
	)
	return true, nil
}

func (m *Manager) ensurePublicKey(ctx context.Context, privPath, pubPath string) error {
	exists, err := afero.Exists(m.fs, pubPath)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", licenseErrors.ErrPersistence, pubPath, err)
	}
	if exists {
		m.logDebug(ctx, "ensure_keys", "key resources present", slog.String("path", privPath))
		return nil
	}

	privText, err := afero.ReadFile(m.fs, privPath)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", licenseErrors.ErrPersistence, privPath, err)
	}
	pubText, err := security.DerivePublicKey(privText)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(m.fs, pubPath, pubText, 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", licenseErrors.ErrPersistence, pubPath, err)
	}

	m.logWarn(ctx, "ensure_keys", "public key restored from private key", slog.String("path", pubPath))
	return nil
}

// LoadIssuerKey reads the private key from dir.
func (m *Manager) LoadIssuerKey(dir string) (*security.Key, error) {
	path := filepath.Join(dir, config.PrivateKeyFile)
	text, err := afero.ReadFile(m.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", licenseErrors.ErrKeyNotFound, path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", licenseErrors.ErrPersistence, path, err)
	}
	key, err := security.LoadPrivateKey(text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// LoadPublicKeyFile reads the issuer's public key distributed with the
// consuming application. A private key file is reduced to its public half.
func (m *Manager) LoadPublicKeyFile(path string) (*security.Key, error) {
	text, err := afero.ReadFile(m.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", licenseErrors.ErrKeyNotFound, path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", licenseErrors.ErrPersistence, path, err)
	}
	key, err := security.LoadPublicKey(text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// LicensePath returns where IssueUserLicense writes the license for terms.
func LicensePath(dir string, terms Terms) string {
	return filepath.Join(dir, config.SafeFileName(terms.UserName)+FileExtension)
}

// IssueUserLicense signs terms with the private key in dir and writes the
// license to LicensePath(dir, terms), replacing an earlier one.
func (m *Manager) IssueUserLicense(ctx context.Context, dir string, terms Terms) (string, error) {
	if err := m.validateTerms(terms); err != nil {
		m.logTermsAction(ctx, slog.LevelWarn, "issue", "license terms rejected", terms, errorAttr(err))
		return "", err
	}

	key, err := m.LoadIssuerKey(dir)
	if err != nil {
		m.logError(ctx, "issue", "issuer key unavailable", slog.String("dir", dir), errorAttr(err))
		return "", err
	}

	path := LicensePath(dir, terms)
	if err := m.issue(ctx, key, terms, path); err != nil {
		return "", err
	}
	return path, nil
}

// issue signs and writes a single license. Safe for concurrent use with
// distinct paths.
func (m *Manager) issue(ctx context.Context, key *security.Key, terms Terms, path string) error {
	err := m.TraceIssue(ctx, terms, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		l, err := CreateLicense(terms, key)
		if err != nil {
			return err
		}
		return SaveLicenseFile(m.fs, path, l)
	})
	if err != nil {
		m.logTermsAction(ctx, slog.LevelError, "issue", "license issuance failed", terms, errorAttr(err))
		return err
	}

	m.logTermsAction(ctx, slog.LevelInfo, "issue", "license issued", terms,
		keyIDAttr(key.KeyID()),
		slog.String("path", path),
	)
	return nil
}

func (m *Manager) validateTerms(terms Terms) error {
	if err := m.validate.Struct(terms); err != nil {
		return fmt.Errorf("%w: %v", licenseErrors.ErrInvalidTerms, err)
	}
	return nil
}

// InstallLicense copies a user-supplied license file to installedPath and
// returns it. A candidate that is not a well-formed license document is
// rejected before anything is overwritten. When the copy itself fails, the
// license read from candidatePath is returned so the application can still
// start.
func (m *Manager) InstallLicense(ctx context.Context, candidatePath, installedPath string) (*License, error) {
	if candidatePath == "" {
		return nil, licenseErrors.ErrLicenseNotSupplied
	}

	data, err := afero.ReadFile(m.fs, candidatePath)
	if err != nil {
		m.logError(ctx, "install", "license file unreadable", slog.String("path", candidatePath), errorAttr(err))
		return nil, fmt.Errorf("%w: read %s: %w", licenseErrors.ErrPersistence, candidatePath, err)
	}
	l, err := ReadLicense(bytes.NewReader(data))
	if err != nil {
		m.logError(ctx, "install", "license file malformed", slog.String("path", candidatePath), errorAttr(err))
		return nil, fmt.Errorf("%s: %w", candidatePath, err)
	}

	if err := m.copyLicense(installedPath, data); err != nil {
		m.logWarn(ctx, "install", "license copy failed, using original location",
			slog.String("source", candidatePath),
			slog.String("destination", installedPath),
			errorAttr(err),
		)
		return l, nil
	}

	m.logInfo(ctx, "install", "license installed",
		slog.String("source", candidatePath),
		slog.String("destination", installedPath),
	)
	return l, nil
}

func (m *Manager) copyLicense(dst string, data []byte) error {
	if err := m.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return afero.WriteFile(m.fs, dst, data, 0644)
}

// LoadInstalledLicense reads the license at the well-known location.
// A missing file yields ErrLicenseNotSupplied.
func (m *Manager) LoadInstalledLicense(ctx context.Context, installedPath string) (*License, error) {
	exists, err := afero.Exists(m.fs, installedPath)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", licenseErrors.ErrPersistence, installedPath, err)
	}
	if !exists {
		m.logInfo(ctx, "load", "no license installed", slog.String("path", installedPath))
		return nil, fmt.Errorf("%w: %s", licenseErrors.ErrLicenseNotSupplied, installedPath)
	}

	l, err := LoadLicenseFile(m.fs, installedPath)
	if err != nil {
		m.logError(ctx, "load", "installed license unreadable", slog.String("path", installedPath), errorAttr(err))
		return nil, err
	}
	m.logDebug(ctx, "load", "installed license loaded", slog.String("path", installedPath))
	return l, nil
}

// CheckLicense validates l for productName and records the outcome.
func (m *Manager) CheckLicense(ctx context.Context, l *License, publicKey *security.Key, productName string) error {
	err := m.TraceValidation(ctx, productName, func() error {
		return Validate(l, publicKey, productName, WithClock(m.now))
	})
	if err != nil {
		attrs := []slog.Attr{slog.String("product_name", productName), errorAttr(err)}
		if ve, ok := licenseErrors.AsValidationError(err); ok {
			attrs = append(attrs, slog.String("reason", ve.Reason.String()))
		}
		m.logWarn(ctx, "check", "license rejected", attrs...)
		return err
	}

	attrs := []slog.Attr{slog.String("product_name", productName)}
	if publicKey != nil {
		attrs = append(attrs, keyIDAttr(publicKey.KeyID()))
	}
	m.logInfo(ctx, "check", "license valid", attrs...)
	return nil
}

// DescribeLicense returns the signature-verified terms of l for display,
// whether or not they currently permit execution.
func (m *Manager) DescribeLicense(ctx context.Context, l *License, publicKey *security.Key) (Terms, error) {
	terms, err := VerifiedTerms(l, publicKey)
	if err != nil {
		m.logDebug(ctx, "describe", "license terms unavailable", errorAttr(err))
		return Terms{}, err
	}
	return terms, nil
}
