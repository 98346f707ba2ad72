package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ProblemDetails implements RFC 7807 Problem Details. The consuming
// application renders it in whatever form its UI uses.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// NewValidationProblem renders a license error with enough structure for the
// UI layer to show a precise message: which check failed and the relevant
// date or product name.
func NewValidationProblem(err error, traceID string) *ProblemDetails {
	instance := fmt.Sprintf("/license/check#trace-%s", traceID)

	ve, ok := AsValidationError(err)
	if !ok {
		return mapOperationalError(err, instance).WithExtension("trace_id", traceID)
	}

	var problem *ProblemDetails
	switch ve.Reason {
	case SignatureMismatch:
		problem = NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-signature-mismatch",
			"Invalid License File",
			"The license file is not signed by the issuer or has been modified.",
			instance,
		)
	case MalformedTerms:
		problem = NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-malformed-terms",
			"Invalid License File",
			"The license terms could not be read.",
			instance,
		)
	case Expired:
		problem = NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-expired",
			"License Expired",
			ve.Error(),
			instance,
		).WithExtension("date", ve.Date.Format(DateLayout))
	case NotYetValid:
		problem = NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-not-yet-valid",
			"License Not Yet Valid",
			ve.Error(),
			instance,
		).WithExtension("date", ve.Date.Format(DateLayout))
	case ProductMismatch:
		problem = NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-product-mismatch",
			"Invalid Product Name",
			ve.Error(),
			instance,
		).WithExtension("product_name", ve.ProductName)
	default:
		problem = NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-validation-failed",
			"License Validation Failed",
			ve.Error(),
			instance,
		)
	}

	return problem.
		WithExtension("reason", ve.Reason.String()).
		WithExtension("trace_id", traceID)
}

func mapOperationalError(err error, instance string) *ProblemDetails {
	switch {
	case errors.Is(err, ErrLicenseNotSupplied):
		return NewProblemDetails(
			http.StatusNotFound,
			"/errors/license-not-supplied",
			"License File Not Supplied",
			"No license file was found or selected.",
			instance,
		).WithExtension("error_code", "LICENSE_NOT_SUPPLIED")
	case errors.Is(err, ErrPersistence):
		return NewProblemDetails(
			http.StatusUnprocessableEntity,
			"/errors/license-unreadable",
			"License File Unreadable",
			err.Error(),
			instance,
		).WithExtension("error_code", "LICENSE_UNREADABLE")
	case errors.Is(err, ErrKeyNotFound):
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/public-key-not-found",
			"Public Key Not Found",
			err.Error(),
			instance,
		).WithExtension("error_code", "KEY_NOT_FOUND")
	case errors.Is(err, ErrNotConfigured):
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/license-check-not-configured",
			"License Check Not Configured",
			err.Error(),
			instance,
		).WithExtension("error_code", "NOT_CONFIGURED")
	case errors.Is(err, ErrKeyFormat):
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/invalid-public-key",
			"Invalid Public Key",
			err.Error(),
			instance,
		).WithExtension("error_code", "INVALID_PUBLIC_KEY")
	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-error",
			"License Check Failed",
			"An unexpected error occurred while checking the license.",
			instance,
		).WithExtension("error_code", "INTERNAL_ERROR")
	}
}
