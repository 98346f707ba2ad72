package license

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"licensekit/internal/config"
	licenseErrors "licensekit/internal/errors"
	"licensekit/internal/security"
)

const keysDir = "/srv/acme/keys"

// ManagerTestSuite exercises the file flows on an in-memory file system
type ManagerTestSuite struct {
	suite.Suite
	fs      afero.Fs
	logs    *bytes.Buffer
	reader  *sdkmetric.ManualReader
	manager *Manager
}

func (suite *ManagerTestSuite) SetupTest() {
	suite.fs = afero.NewMemMapFs()
	suite.logs = &bytes.Buffer{}
	suite.reader = sdkmetric.NewManualReader()

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(suite.reader))
	metrics, err := InitializeLicenseMetrics(provider.Meter(MeterName))
	suite.Require().NoError(err)

	suite.manager = NewManager(
		WithFs(suite.fs),
		WithLogger(slog.New(slog.NewJSONHandler(suite.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))),
		WithManagerClock(at(2024, 6, 15)),
		WithConcurrency(3),
	)
	suite.manager.SetMetrics(metrics)
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

func (suite *ManagerTestSuite) publicKey() *security.Key {
	key, err := suite.manager.LoadPublicKeyFile(filepath.Join(keysDir, config.PublicKeyFile))
	suite.Require().NoError(err)
	return key
}

func (suite *ManagerTestSuite) TestEnsureKeyResourcesCreates() {
	ctx := context.Background()

	created, err := suite.manager.EnsureKeyResources(ctx, keysDir)
	suite.Require().NoError(err)
	suite.True(created)

	privInfo, err := suite.fs.Stat(filepath.Join(keysDir, config.PrivateKeyFile))
	suite.Require().NoError(err)
	suite.Equal(os.FileMode(0600), privInfo.Mode().Perm())

	pubInfo, err := suite.fs.Stat(filepath.Join(keysDir, config.PublicKeyFile))
	suite.Require().NoError(err)
	suite.Equal(os.FileMode(0644), pubInfo.Mode().Perm())

	priv, err := suite.manager.LoadIssuerKey(keysDir)
	suite.Require().NoError(err)
	suite.Equal(security.AlgorithmEd25519, priv.Algorithm())
	suite.True(priv.Public().Equal(suite.publicKey()))

	suite.Contains(suite.logs.String(), `"key_id":"`+priv.KeyID()+`"`)
	suite.NotContains(suite.logs.String(), `"d":`)
}

func (suite *ManagerTestSuite) TestEnsureKeyResourcesKeepsExisting() {
	ctx := context.Background()

	_, err := suite.manager.EnsureKeyResources(ctx, keysDir)
	suite.Require().NoError(err)
	before, err := afero.ReadFile(suite.fs, filepath.Join(keysDir, config.PrivateKeyFile))
	suite.Require().NoError(err)

	created, err := suite.manager.EnsureKeyResources(ctx, keysDir)
	suite.Require().NoError(err)
	suite.False(created)

	after, err := afero.ReadFile(suite.fs, filepath.Join(keysDir, config.PrivateKeyFile))
	suite.Require().NoError(err)
	suite.Equal(before, after)
}

func (suite *ManagerTestSuite) TestEnsureKeyResourcesRestoresPublicKey() {
	ctx := context.Background()
	pubPath := filepath.Join(keysDir, config.PublicKeyFile)

	_, err := suite.manager.EnsureKeyResources(ctx, keysDir)
	suite.Require().NoError(err)
	original, err := afero.ReadFile(suite.fs, pubPath)
	suite.Require().NoError(err)
	suite.Require().NoError(suite.fs.Remove(pubPath))

	created, err := suite.manager.EnsureKeyResources(ctx, keysDir)
	suite.Require().NoError(err)
	suite.False(created)

	restored, err := afero.ReadFile(suite.fs, pubPath)
	suite.Require().NoError(err)
	suite.Equal(original, restored)
}

func (suite *ManagerTestSuite) TestEnsureKeyResourcesECDSA() {
	manager := NewManager(WithFs(suite.fs), WithAlgorithm(security.AlgorithmECDSAP256))

	created, err := manager.EnsureKeyResources(context.Background(), keysDir)
	suite.Require().NoError(err)
	suite.True(created)

	key, err := manager.LoadIssuerKey(keysDir)
	suite.Require().NoError(err)
	suite.Equal(security.AlgorithmECDSAP256, key.Algorithm())
}

func (suite *ManagerTestSuite) TestIssueUserLicense() {
	ctx := context.Background()
	_, err := suite.manager.EnsureKeyResources(ctx, keysDir)
	suite.Require().NoError(err)

	path, err := suite.manager.IssueUserLicense(ctx, keysDir, acmeTerms())
	suite.Require().NoError(err)
	suite.Equal(filepath.Join(keysDir, "alice.lic"), path)

	lic, err := LoadLicenseFile(suite.fs, path)
	suite.Require().NoError(err)
	suite.NoError(suite.manager.CheckLicense(ctx, lic, suite.publicKey(), "Acme"))

	terms, err := suite.manager.DescribeLicense(ctx, lic, suite.publicKey())
	suite.Require().NoError(err)
	suite.True(acmeTerms().Equal(terms))

	suite.Contains(suite.logs.String(), `"user_name_masked":"a****e"`)
	suite.Contains(suite.logs.String(), `"action":"issue"`)
	suite.Equal(int64(1), suite.counterValue("license_issued"))
}

func (suite *ManagerTestSuite) TestIssueUserLicenseSafeFileName() {
	ctx := context.Background()
	_, err := suite.manager.EnsureKeyResources(ctx, keysDir)
	suite.Require().NoError(err)

	terms := acmeTerms()
	terms.UserName = "../../etc/passwd"
	path, err := suite.manager.IssueUserLicense(ctx, keysDir, terms)
	suite.Require().NoError(err)
	suite.Equal(keysDir, filepath.Dir(path))
	suite.Equal("_.._etc_passwd.lic", filepath.Base(path))
}

func (suite *ManagerTestSuite) TestIssueUserLicenseWithoutKey() {
	_, err := suite.manager.IssueUserLicense(context.Background(), keysDir, acmeTerms())
	suite.ErrorIs(err, licenseErrors.ErrKeyNotFound)
}

func (suite *ManagerTestSuite) TestLoadPublicKeyFileErrors() {
	_, err := suite.manager.LoadPublicKeyFile("/opt/acme/publicKey.jwk")
	suite.ErrorIs(err, licenseErrors.ErrKeyNotFound)
	suite.NotErrorIs(err, licenseErrors.ErrKeyFormat)

	suite.Require().NoError(afero.WriteFile(suite.fs, "/opt/acme/publicKey.jwk", []byte("not a key"), 0644))
	_, err = suite.manager.LoadPublicKeyFile("/opt/acme/publicKey.jwk")
	suite.ErrorIs(err, licenseErrors.ErrKeyFormat)
	suite.Contains(err.Error(), "/opt/acme/publicKey.jwk")
}

func (suite *ManagerTestSuite) TestIssueUserLicenseRejectsInvalidTerms() {
	ctx := context.Background()
	_, err := suite.manager.EnsureKeyResources(ctx, keysDir)
	suite.Require().NoError(err)

	tests := []struct {
		name   string
		mutate func(*Terms)
	}{
		{name: "empty product", mutate: func(t *Terms) { t.ProductName = "" }},
		{name: "empty user", mutate: func(t *Terms) { t.UserName = "" }},
		{name: "zero start", mutate: func(t *Terms) { t.StartDate = time.Time{} }},
		{name: "end before start", mutate: func(t *Terms) { t.EndDate = t.StartDate.AddDate(0, 0, -1) }},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			terms := acmeTerms()
			tt.mutate(&terms)
			_, err := suite.manager.IssueUserLicense(ctx, keysDir, terms)
			suite.ErrorIs(err, licenseErrors.ErrInvalidTerms)
		})
	}
}

func (suite *ManagerTestSuite) TestIssueUserLicenseSameDay() {
	ctx := context.Background()
	_, err := suite.manager.EnsureKeyResources(ctx, keysDir)
	suite.Require().NoError(err)

	terms := acmeTerms()
	terms.StartDate = time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	terms.EndDate = terms.StartDate
	path, err := suite.manager.IssueUserLicense(ctx, keysDir, terms)
	suite.Require().NoError(err)

	lic, err := LoadLicenseFile(suite.fs, path)
	suite.Require().NoError(err)
	suite.NoError(suite.manager.CheckLicense(ctx, lic, suite.publicKey(), "Acme"))
}

func (suite *ManagerTestSuite) issueAlice() string {
	ctx := context.Background()
	_, err := suite.manager.EnsureKeyResources(ctx, keysDir)
	suite.Require().NoError(err)
	path, err := suite.manager.IssueUserLicense(ctx, keysDir, acmeTerms())
	suite.Require().NoError(err)

	// Hand the file over as a user would receive it.
	data, err := afero.ReadFile(suite.fs, path)
	suite.Require().NoError(err)
	candidate := "/home/alice/Downloads/alice.lic"
	suite.Require().NoError(suite.fs.MkdirAll(filepath.Dir(candidate), 0755))
	suite.Require().NoError(afero.WriteFile(suite.fs, candidate, data, 0644))
	return candidate
}

func (suite *ManagerTestSuite) TestInstallLicense() {
	ctx := context.Background()
	candidate := suite.issueAlice()
	installed := "/home/alice/.config/Acme/license.lic"

	lic, err := suite.manager.InstallLicense(ctx, candidate, installed)
	suite.Require().NoError(err)

	want, err := afero.ReadFile(suite.fs, candidate)
	suite.Require().NoError(err)
	got, err := afero.ReadFile(suite.fs, installed)
	suite.Require().NoError(err)
	suite.Equal(want, got)

	loaded, err := suite.manager.LoadInstalledLicense(ctx, installed)
	suite.Require().NoError(err)
	suite.Equal(lic, loaded)
	suite.NoError(suite.manager.CheckLicense(ctx, loaded, suite.publicKey(), "Acme"))
}

func (suite *ManagerTestSuite) TestInstallLicenseFallsBackToOriginal() {
	ctx := context.Background()
	candidate := suite.issueAlice()

	readOnly := NewManager(WithFs(afero.NewReadOnlyFs(suite.fs)), WithManagerClock(at(2024, 6, 15)))
	lic, err := readOnly.InstallLicense(ctx, candidate, "/opt/acme/license.lic")
	suite.Require().NoError(err)
	suite.NoError(readOnly.CheckLicense(ctx, lic, suite.publicKey(), "Acme"))

	exists, err := afero.Exists(suite.fs, "/opt/acme/license.lic")
	suite.Require().NoError(err)
	suite.False(exists)
}

func (suite *ManagerTestSuite) TestInstallLicenseRejectsMalformed() {
	ctx := context.Background()
	installed := "/opt/acme/license.lic"
	suite.Require().NoError(suite.fs.MkdirAll("/opt/acme", 0755))
	suite.Require().NoError(suite.fs.MkdirAll("/tmp", 0755))
	suite.Require().NoError(afero.WriteFile(suite.fs, installed, []byte("previous"), 0644))
	suite.Require().NoError(afero.WriteFile(suite.fs, "/tmp/bad.lic", []byte("<License/>"), 0644))

	_, err := suite.manager.InstallLicense(ctx, "/tmp/bad.lic", installed)
	suite.ErrorIs(err, licenseErrors.ErrPersistence)

	data, err := afero.ReadFile(suite.fs, installed)
	suite.Require().NoError(err)
	suite.Equal("previous", string(data))

	_, err = suite.manager.InstallLicense(ctx, "/tmp/absent.lic", installed)
	suite.ErrorIs(err, licenseErrors.ErrPersistence)

	_, err = suite.manager.InstallLicense(ctx, "", installed)
	suite.ErrorIs(err, licenseErrors.ErrLicenseNotSupplied)
}

func (suite *ManagerTestSuite) TestLoadInstalledLicenseMissing() {
	_, err := suite.manager.LoadInstalledLicense(context.Background(), "/opt/acme/license.lic")
	suite.ErrorIs(err, licenseErrors.ErrLicenseNotSupplied)
}

func (suite *ManagerTestSuite) TestCheckLicenseRecordsReasons() {
	ctx := context.Background()
	_, err := suite.manager.EnsureKeyResources(ctx, keysDir)
	suite.Require().NoError(err)

	expired := acmeTerms()
	expired.UserName = "bob"
	expired.EndDate = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	valid, err := suite.manager.IssueUserLicense(ctx, keysDir, acmeTerms())
	suite.Require().NoError(err)
	old, err := suite.manager.IssueUserLicense(ctx, keysDir, expired)
	suite.Require().NoError(err)

	pub := suite.publicKey()
	for _, path := range []string{valid, old} {
		lic, err := LoadLicenseFile(suite.fs, path)
		suite.Require().NoError(err)
		suite.manager.CheckLicense(ctx, lic, pub, "Acme")
	}
	lic, err := LoadLicenseFile(suite.fs, valid)
	suite.Require().NoError(err)
	err = suite.manager.CheckLicense(ctx, lic, pub, "Beta")
	suite.ErrorIs(err, licenseErrors.ErrProductMismatch)

	suite.Equal(int64(3), suite.counterValue("license_validation_attempts"))
	suite.Equal(int64(1), suite.counterValue("license_validation_failures", attribute.String("reason", "expired")))
	suite.Equal(int64(1), suite.counterValue("license_validation_failures", attribute.String("reason", "product_mismatch")))
	suite.Contains(suite.logs.String(), `"reason":"expired"`)
}

func (suite *ManagerTestSuite) TestIssueLicensePack() {
	ctx := context.Background()

	pack := make([]Terms, 12)
	for i := range pack {
		pack[i] = acmeTerms()
		pack[i].UserName = fmt.Sprintf("user-%02d", i)
	}

	paths, err := suite.manager.IssueLicensePack(ctx, keysDir, pack)
	suite.Require().NoError(err)
	suite.Require().Len(paths, len(pack))

	pub := suite.publicKey()
	for i, path := range paths {
		suite.Equal(filepath.Join(keysDir, fmt.Sprintf("user-%02d.lic", i)), path)
		lic, err := LoadLicenseFile(suite.fs, path)
		suite.Require().NoError(err)
		terms, err := VerifiedTerms(lic, pub)
		suite.Require().NoError(err)
		suite.Equal(pack[i].UserName, terms.UserName)
	}
	suite.Equal(int64(len(pack)), suite.counterValue("license_issued"))
	suite.Equal(int64(1), suite.counterValue("license_keys_generated"))
}

// failingWriteFs refuses to open one path for writing
type failingWriteFs struct {
	afero.Fs
	path string
}

func (f failingWriteFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if name == f.path && flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return nil, os.ErrPermission
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func (suite *ManagerTestSuite) TestIssueLicensePackReportsWrittenOnFailure() {
	ctx := context.Background()
	manager := NewManager(
		WithFs(failingWriteFs{Fs: suite.fs, path: filepath.Join(keysDir, "bob.lic")}),
		WithManagerClock(at(2024, 6, 15)),
		WithConcurrency(1),
	)

	pack := []Terms{acmeTerms(), acmeTerms(), acmeTerms()}
	pack[1].UserName = "bob"
	pack[2].UserName = "carol"

	paths, err := manager.IssueLicensePack(ctx, keysDir, pack)
	suite.Require().Error(err)
	suite.ErrorIs(err, licenseErrors.ErrPersistence)
	suite.Equal([]string{filepath.Join(keysDir, "alice.lic")}, paths)

	exists, err := afero.Exists(suite.fs, filepath.Join(keysDir, "alice.lic"))
	suite.Require().NoError(err)
	suite.True(exists)
	exists, err = afero.Exists(suite.fs, filepath.Join(keysDir, "carol.lic"))
	suite.Require().NoError(err)
	suite.False(exists, "entries after the failure are abandoned")
}

func (suite *ManagerTestSuite) TestIssueLicensePackRejectsBeforeSigning() {
	ctx := context.Background()

	duplicate := []Terms{acmeTerms(), acmeTerms()}
	duplicate[1].UserName = "ALICE"
	_, err := suite.manager.IssueLicensePack(ctx, keysDir, duplicate)
	suite.ErrorIs(err, licenseErrors.ErrInvalidTerms)

	invalid := []Terms{acmeTerms(), {ProductName: "Acme"}}
	_, err = suite.manager.IssueLicensePack(ctx, keysDir, invalid)
	suite.ErrorIs(err, licenseErrors.ErrInvalidTerms)
	suite.Contains(err.Error(), "pack entry 2")

	_, err = suite.manager.IssueLicensePack(ctx, keysDir, nil)
	suite.ErrorIs(err, licenseErrors.ErrInvalidTerms)

	exists, err := afero.DirExists(suite.fs, keysDir)
	suite.Require().NoError(err)
	suite.False(exists, "nothing is written for a rejected pack")
}

func (suite *ManagerTestSuite) TestIssueLicensePackCanceled() {
	ctx := context.Background()
	_, err := suite.manager.EnsureKeyResources(ctx, keysDir)
	suite.Require().NoError(err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = suite.manager.IssueLicensePack(canceled, keysDir, []Terms{acmeTerms()})
	suite.ErrorIs(err, context.Canceled)
}

// counterValue sums an int64 counter's data points, restricted to points
// carrying all of attrs.
func (suite *ManagerTestSuite) counterValue(name string, attrs ...attribute.KeyValue) int64 {
	var rm metricdata.ResourceMetrics
	suite.Require().NoError(suite.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			suite.Require().True(ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if hasAttributes(dp.Attributes, attrs) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func hasAttributes(set attribute.Set, attrs []attribute.KeyValue) bool {
	for _, attr := range attrs {
		v, ok := set.Value(attr.Key)
		if !ok || v.Emit() != attr.Value.Emit() {
			return false
		}
	}
	return true
}

func TestMaskUserName(t *testing.T) {
	tests := map[string]string{
		"":      "",
		"al":    "****",
		"alice": "a****e",
		"Zoë":   "Z****ë",
	}
	for in, want := range tests {
		assert.Equal(t, want, maskUserName(in), in)
	}
}

func TestClassifyLicenseError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: licenseErrors.NewExpired(time.Now()), want: "expired"},
		{err: fmt.Errorf("check: %w", licenseErrors.NewSignatureMismatch(nil)), want: "signature_mismatch"},
		{err: fmt.Errorf("%w: x", licenseErrors.ErrKeyNotFound), want: "key_not_found"},
		{err: fmt.Errorf("%w: x", licenseErrors.ErrPersistence), want: "persistence"},
		{err: fmt.Errorf("%w: x", licenseErrors.ErrNotConfigured), want: "not_configured"},
		{err: context.Canceled, want: "canceled"},
		{err: fmt.Errorf("boom"), want: "unknown_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyLicenseError(tt.err))
	}
}

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(WithConcurrency(0))
	require.NotNil(t, m.fs)
	assert.Equal(t, DefaultConcurrency, m.concurrency)
	assert.Equal(t, security.DefaultAlgorithm, m.algorithm)
}
