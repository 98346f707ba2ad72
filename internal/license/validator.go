package license

import (
	"encoding/base64"
	"fmt"
	"time"

	licenseErrors "licensekit/internal/errors"
	"licensekit/internal/security"
)

// Validator checks licenses against one public key and product name.
// It holds no mutable state and is safe for concurrent use.
type Validator struct {
	publicKey   *security.Key
	productName string
	now         func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithClock replaces time.Now as the source of the current time.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewValidator creates a validator for licenses of productName issued under
// the private half of publicKey. A private key is reduced to its public half.
// A nil key, or one that was not produced by this package's key functions,
// fails with ErrKeyFormat.
func NewValidator(publicKey *security.Key, productName string, opts ...ValidatorOption) (*Validator, error) {
	if publicKey == nil {
		return nil, fmt.Errorf("%w: a public key is required", licenseErrors.ErrKeyFormat)
	}
	switch publicKey.Algorithm() {
	case security.AlgorithmEd25519, security.AlgorithmECDSAP256:
	default:
		return nil, fmt.Errorf("%w: unsupported public key", licenseErrors.ErrKeyFormat)
	}
	v := &Validator{
		publicKey:   publicKey.Public(),
		productName: productName,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate verifies l and evaluates its terms. It returns nil when the
// license permits execution now, and a *errors.ValidationError otherwise.
func Validate(l *License, publicKey *security.Key, expectedProductName string, opts ...ValidatorOption) error {
	v, err := NewValidator(publicKey, expectedProductName, opts...)
	if err != nil {
		return err
	}
	return v.Validate(l)
}

// Validate runs signature, decode, temporal and identity checks in that
// order, stopping at the first failure.
func (v *Validator) Validate(l *License) error {
	terms, err := v.verifiedTerms(l)
	if err != nil {
		return err
	}

	now := v.now()
	if now.After(terms.EndDate) {
		return licenseErrors.NewExpired(terms.EndDate)
	}
	if now.Before(terms.StartDate) {
		return licenseErrors.NewNotYetValid(terms.StartDate)
	}

	if terms.ProductName != v.productName {
		return licenseErrors.NewProductMismatch(terms.ProductName)
	}
	return nil
}

// VerifiedTerms returns the terms of l after checking its signature, without
// evaluating dates or product. Hosts use it to show who a license belongs to.
func VerifiedTerms(l *License, publicKey *security.Key) (Terms, error) {
	v, err := NewValidator(publicKey, "")
	if err != nil {
		return Terms{}, err
	}
	return v.verifiedTerms(l)
}

func (v *Validator) verifiedTerms(l *License) (Terms, error) {
	if l == nil {
		return Terms{}, licenseErrors.NewSignatureMismatch(fmt.Errorf("no license"))
	}

	data, err := decodeStrict(l.TermsEncoded)
	if err != nil {
		return Terms{}, licenseErrors.NewSignatureMismatch(fmt.Errorf("terms: %w", err))
	}
	sig, err := decodeStrict(l.Signature)
	if err != nil {
		return Terms{}, licenseErrors.NewSignatureMismatch(fmt.Errorf("signature: %w", err))
	}
	if !v.publicKey.Verify(data, sig) {
		return Terms{}, licenseErrors.NewSignatureMismatch(nil)
	}

	terms, err := DecodeTerms(data)
	if err != nil {
		return Terms{}, licenseErrors.NewMalformedTerms(err)
	}
	return terms, nil
}

// decodeStrict accepts only the canonical standard base64 form, so edits such
// as inserted line breaks or altered padding bits are rejected instead of
// being silently ignored by the decoder.
func decodeStrict(s string) ([]byte, error) {
	data, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil {
		return nil, err
	}
	if base64.StdEncoding.EncodeToString(data) != s {
		return nil, fmt.Errorf("non-canonical base64")
	}
	return data, nil
}
