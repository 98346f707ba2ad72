package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "licensekit/internal/errors"
	"licensekit/internal/infrastructure"
)

const (
	TracerName = "license-manager"
	MeterName  = "license-manager"
)

// LicenseMetrics holds all license-specific OpenTelemetry metrics
type LicenseMetrics struct {
	// Issuance metrics
	LicensesIssued  metric.Int64Counter
	IssueFailures   metric.Int64Counter
	SigningDuration metric.Float64Histogram
	PackSize        metric.Int64Histogram
	KeysGenerated   metric.Int64Counter

	// Validation metrics
	ValidationAttempts metric.Int64Counter
	ValidationFailures metric.Int64Counter
	ValidationDuration metric.Float64Histogram
}

// InitializeLicenseMetrics creates all license-specific metrics
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	metrics := &LicenseMetrics{}

	var err error

	metrics.LicensesIssued, err = meter.Int64Counter(
		"license_issued",
		metric.WithDescription("Total number of licenses issued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create licenses issued counter: %w", err)
	}

	metrics.IssueFailures, err = meter.Int64Counter(
		"license_issue_failures",
		metric.WithDescription("Total number of failed license issuances"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create issue failures counter: %w", err)
	}

	metrics.SigningDuration, err = meter.Float64Histogram(
		"license_signing_duration_seconds",
		metric.WithDescription("License encoding and signing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signing duration histogram: %w", err)
	}

	metrics.PackSize, err = meter.Int64Histogram(
		"license_pack_size",
		metric.WithDescription("Number of licenses requested per pack"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pack size histogram: %w", err)
	}

	metrics.KeysGenerated, err = meter.Int64Counter(
		"license_keys_generated",
		metric.WithDescription("Total number of issuer key pairs generated"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create keys generated counter: %w", err)
	}

	metrics.ValidationAttempts, err = meter.Int64Counter(
		"license_validation_attempts",
		metric.WithDescription("Total number of license validation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation attempts counter: %w", err)
	}

	metrics.ValidationFailures, err = meter.Int64Counter(
		"license_validation_failures",
		metric.WithDescription("Total number of failed license validations by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation failures counter: %w", err)
	}

	metrics.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	return metrics, nil
}

// TraceIssue wraps the signing of one license with a span and metrics
func (m *Manager) TraceIssue(ctx context.Context, terms Terms, fn func(ctx context.Context) error) error {
	ctx, span := m.tracer.Start(ctx, "license.issue",
		trace.WithAttributes(
			attribute.String("license.operation", "issue"),
			attribute.String("license.product_name", terms.ProductName),
			attribute.String("component", "license_manager"),
		),
	)
	defer span.End()

	start := m.now()
	err := fn(ctx)
	duration := m.now().Sub(start)

	m.recordIssueMetrics(ctx, terms.ProductName, duration, err == nil)

	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
		attribute.Bool("license.success", err == nil),
	)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		span.SetAttributes(attribute.String("license.error_type", classifyLicenseError(err)))
	} else {
		span.SetStatus(codes.Ok, "license issued")
	}

	return err
}

// TraceValidation wraps a license check with a span and metrics
func (m *Manager) TraceValidation(ctx context.Context, productName string, fn func() error) error {
	ctx, span := m.tracer.Start(ctx, "license.validation",
		trace.WithAttributes(
			attribute.String("license.operation", "validation"),
			attribute.String("license.product_name", productName),
			attribute.String("component", "license_manager"),
		),
	)
	defer span.End()

	start := m.now()
	err := fn()
	duration := m.now().Sub(start)

	reason := classifyLicenseError(err)
	m.recordValidationMetrics(ctx, productName, duration, reason)

	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
		attribute.Bool("license.valid", err == nil),
	)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		span.SetAttributes(attribute.String("license.error_type", reason))
	} else {
		span.SetStatus(codes.Ok, "license valid")
	}

	return err
}

// recordIssueMetrics records issuance-specific metrics
func (m *Manager) recordIssueMetrics(ctx context.Context, productName string, duration time.Duration, success bool) {
	if m.metrics == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("product_name", productName),
	)

	m.metrics.SigningDuration.Record(ctx, duration.Seconds(), labels)
	if success {
		m.metrics.LicensesIssued.Add(ctx, 1, labels)
	} else {
		m.metrics.IssueFailures.Add(ctx, 1, labels)
	}
}

// recordValidationMetrics records validation-specific metrics; an empty
// reason means the license was accepted
func (m *Manager) recordValidationMetrics(ctx context.Context, productName string, duration time.Duration, reason string) {
	if m.metrics == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("product_name", productName),
	)

	m.metrics.ValidationAttempts.Add(ctx, 1, labels)
	m.metrics.ValidationDuration.Record(ctx, duration.Seconds(), labels)

	if reason != "" {
		m.metrics.ValidationFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("product_name", productName),
			attribute.String("reason", reason),
		))
	}
}

func (m *Manager) recordKeysGenerated(ctx context.Context, alg string) {
	if m.metrics == nil {
		return
	}
	m.metrics.KeysGenerated.Add(ctx, 1, metric.WithAttributes(attribute.String("algorithm", alg)))
}

func (m *Manager) recordPackSize(ctx context.Context, size int) {
	if m.metrics == nil {
		return
	}
	m.metrics.PackSize.Record(ctx, int64(size))
}

// classifyLicenseError categorizes license errors for metrics and spans
func classifyLicenseError(err error) string {
	if err == nil {
		return ""
	}

	if ve, ok := licenseErrors.AsValidationError(err); ok {
		return ve.Reason.String()
	}

	switch {
	case errors.Is(err, licenseErrors.ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, licenseErrors.ErrKeyFormat):
		return "key_format"
	case errors.Is(err, licenseErrors.ErrInvalidTerms):
		return "invalid_terms"
	case errors.Is(err, licenseErrors.ErrSigning):
		return "signing"
	case errors.Is(err, licenseErrors.ErrPersistence):
		return "persistence"
	case errors.Is(err, licenseErrors.ErrLicenseNotSupplied):
		return "not_supplied"
	case errors.Is(err, licenseErrors.ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unknown_error"
	}
}
