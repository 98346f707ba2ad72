package license

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"licensekit/internal/infrastructure"
)

// logAction logs a manager action with structured action/result attributes.
// The result doubles as the message.
func (m *Manager) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("license."+action, trace.WithAttributes(
			attribute.String("action", action),
			attribute.String("result", result),
		))
	}

	allAttrs := []slog.Attr{
		slog.String("action", action),
		slog.String("result", result),
	}
	allAttrs = append(allAttrs, attrs...)

	m.logger.LogAttrs(ctx, level, result, allAttrs...)
}

// logTermsAction logs an action on specific terms. The licensee is masked;
// the product name is not sensitive.
func (m *Manager) logTermsAction(ctx context.Context, level slog.Level, action, result string, terms Terms, attrs ...slog.Attr) {
	termsAttrs := []slog.Attr{
		slog.String("product_name", terms.ProductName),
		slog.String("user_name_masked", maskUserName(terms.UserName)),
		slog.Time("start_date", terms.StartDate),
		slog.Time("end_date", terms.EndDate),
	}
	termsAttrs = append(termsAttrs, attrs...)

	m.logAction(ctx, level, action, result, termsAttrs...)
}

// maskUserName keeps the first and last character of a licensee name
func maskUserName(name string) string {
	if name == "" {
		return ""
	}
	n := utf8.RuneCountInString(name)
	if n <= 2 {
		return "****"
	}
	first, _ := utf8.DecodeRuneInString(name)
	last, _ := utf8.DecodeLastRuneInString(name)
	return string(first) + "****" + string(last)
}

func keyIDAttr(keyID string) slog.Attr {
	return slog.String("key_id", keyID)
}

func errorAttr(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Helper methods for specific log levels
func (m *Manager) logDebug(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelDebug, action, result, attrs...)
}

func (m *Manager) logInfo(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelInfo, action, result, attrs...)
}

func (m *Manager) logWarn(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelWarn, action, result, attrs...)
}

func (m *Manager) logError(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelError, action, result, attrs...)
}

// newManagerLogger scopes a logger to the license manager component
func newManagerLogger(logger *slog.Logger) *slog.Logger {
	return infrastructure.LoggerWithContext(logger, "license_manager")
}
