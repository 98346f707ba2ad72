package errors

import (
	"errors"
	"fmt"
	"time"
)

// Operational errors. All are local and recoverable: the caller decides
// whether to retry with different input or abort.
var (
	ErrKeyFormat          = errors.New("invalid key format")
	ErrKeyNotFound        = errors.New("key not found")
	ErrDecode             = errors.New("malformed license terms encoding")
	ErrInvalidTerms       = errors.New("invalid license terms")
	ErrSigning            = errors.New("license signing failed")
	ErrPersistence        = errors.New("license persistence failed")
	ErrLicenseNotSupplied = errors.New("license file not supplied")
	ErrNotConfigured      = errors.New("license check not configured")
)

// Validation errors (sentinels matched by ValidationError.Is)
var (
	ErrLicenseValidationFailed = errors.New("license validation failed")
	ErrSignatureMismatch       = errors.New("signature not verified")
	ErrMalformedTerms          = errors.New("malformed license terms")
	ErrLicenseExpired          = errors.New("license expired")
	ErrLicenseNotYetValid      = errors.New("license not yet valid")
	ErrProductMismatch         = errors.New("invalid product name")
)

// Reason identifies why a license failed validation.
type Reason int

const (
	SignatureMismatch Reason = iota + 1
	MalformedTerms
	Expired
	NotYetValid
	ProductMismatch
)

// String returns the stable, machine-readable name of the reason.
func (r Reason) String() string {
	switch r {
	case SignatureMismatch:
		return "signature_mismatch"
	case MalformedTerms:
		return "malformed_terms"
	case Expired:
		return "expired"
	case NotYetValid:
		return "not_yet_valid"
	case ProductMismatch:
		return "product_mismatch"
	default:
		return "unknown"
	}
}

func (r Reason) sentinel() error {
	switch r {
	case SignatureMismatch:
		return ErrSignatureMismatch
	case MalformedTerms:
		return ErrMalformedTerms
	case Expired:
		return ErrLicenseExpired
	case NotYetValid:
		return ErrLicenseNotYetValid
	case ProductMismatch:
		return ErrProductMismatch
	default:
		return ErrLicenseValidationFailed
	}
}

// DateLayout is the layout used when dates appear in user-facing messages.
const DateLayout = "2006-01-02"

// ValidationError is the terminal outcome of a failed license validation.
// Date is set for Expired (the end date) and NotYetValid (the start date);
// ProductName is set for ProductMismatch (the name the license carries).
type ValidationError struct {
	Reason      Reason
	Date        time.Time
	ProductName string
	Err         error
}

func (e *ValidationError) Error() string {
	var msg string
	switch e.Reason {
	case SignatureMismatch:
		msg = "signature not verified"
	case MalformedTerms:
		msg = "license terms could not be decoded"
	case Expired:
		msg = "license terms expired on " + e.Date.Format(DateLayout)
	case NotYetValid:
		msg = "license terms not valid until " + e.Date.Format(DateLayout)
	case ProductMismatch:
		msg = "invalid product name: " + e.ProductName
	default:
		msg = "license validation failed"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is matches the reason's sentinel and ErrLicenseValidationFailed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrLicenseValidationFailed || target == e.Reason.sentinel()
}

// NewSignatureMismatch creates a SignatureMismatch validation error.
func NewSignatureMismatch(cause error) *ValidationError {
	return &ValidationError{Reason: SignatureMismatch, Err: cause}
}

// NewMalformedTerms creates a MalformedTerms validation error.
func NewMalformedTerms(cause error) *ValidationError {
	return &ValidationError{Reason: MalformedTerms, Err: cause}
}

// NewExpired creates an Expired validation error carrying the end date.
func NewExpired(endDate time.Time) *ValidationError {
	return &ValidationError{Reason: Expired, Date: endDate}
}

// NewNotYetValid creates a NotYetValid validation error carrying the start date.
func NewNotYetValid(startDate time.Time) *ValidationError {
	return &ValidationError{Reason: NotYetValid, Date: startDate}
}

// NewProductMismatch creates a ProductMismatch validation error carrying the
// product name found in the license.
func NewProductMismatch(productName string) *ValidationError {
	return &ValidationError{Reason: ProductMismatch, ProductName: productName}
}

// AsValidationError extracts a *ValidationError from an error chain.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
