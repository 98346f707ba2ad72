package license

import (
	"encoding/base64"
	"errors"
	"fmt"

	licenseErrors "licensekit/internal/errors"
	"licensekit/internal/security"
)

// License is the portable artifact: base64 of the canonical terms and base64
// of the issuer's signature over those bytes. It carries no key material.
type License struct {
	TermsEncoded string
	Signature    string
}

// CreateLicense encodes terms and signs them with the issuer's private key.
func CreateLicense(terms Terms, privateKey *security.Key) (*License, error) {
	if privateKey == nil || !privateKey.IsPrivate() {
		return nil, fmt.Errorf("%w: a private key is required", licenseErrors.ErrSigning)
	}

	data, err := EncodeTerms(terms)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", licenseErrors.ErrSigning, err)
	}

	sig, err := privateKey.Sign(data)
	if err != nil {
		if errors.Is(err, licenseErrors.ErrSigning) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", licenseErrors.ErrSigning, err)
	}

	return &License{
		TermsEncoded: base64.StdEncoding.EncodeToString(data),
		Signature:    base64.StdEncoding.EncodeToString(sig),
	}, nil
}
