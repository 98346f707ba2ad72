package security

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"

	licenseErrors "licensekit/internal/errors"
)

// Algorithm names a supported signature scheme.
type Algorithm string

const (
	AlgorithmEd25519   Algorithm = "Ed25519"
	AlgorithmECDSAP256 Algorithm = "ECDSA-P256"

	// DefaultAlgorithm is used when no algorithm is configured.
	DefaultAlgorithm = AlgorithmEd25519
)

// ParseAlgorithm maps a configured name to an Algorithm. The empty string
// selects DefaultAlgorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case "":
		return DefaultAlgorithm, nil
	case AlgorithmEd25519, AlgorithmECDSAP256:
		return Algorithm(name), nil
	default:
		return "", fmt.Errorf("%w: unsupported algorithm %q", licenseErrors.ErrKeyFormat, name)
	}
}

// joseAlgorithm returns the JWS algorithm identifier stored in the "alg" member.
func (a Algorithm) joseAlgorithm() string {
	if a == AlgorithmECDSAP256 {
		return string(jose.ES256)
	}
	return string(jose.EdDSA)
}

// Key is one half of a signing key pair. Its text form is a JSON Web Key:
// private keys carry the "d" member, public keys do not.
type Key struct {
	jwk jose.JSONWebKey
	alg Algorithm
}

// KeyPair holds a freshly generated private key and its public half.
type KeyPair struct {
	Private *Key
	Public  *Key
}

// GenerateKeyPair creates a new key pair from crypto/rand.
func GenerateKeyPair(alg Algorithm) (*KeyPair, error) {
	var raw interface{}
	switch alg {
	case AlgorithmEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
		}
		raw = priv
	case AlgorithmECDSAP256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ecdsa key: %w", err)
		}
		raw = priv
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %q", licenseErrors.ErrKeyFormat, alg)
	}

	private := &Key{
		jwk: jose.JSONWebKey{Key: raw, Algorithm: alg.joseAlgorithm(), Use: "sig"},
		alg: alg,
	}
	kid, err := thumbprint(private.jwk)
	if err != nil {
		return nil, err
	}
	private.jwk.KeyID = kid

	return &KeyPair{Private: private, Public: private.Public()}, nil
}

// LoadKey parses either half of a key from its JWK text form.
func LoadKey(text []byte) (*Key, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(bytes.TrimSpace(text)); err != nil {
		return nil, fmt.Errorf("%w: %v", licenseErrors.ErrKeyFormat, err)
	}
	if !jwk.Valid() {
		return nil, fmt.Errorf("%w: key parameters are invalid", licenseErrors.ErrKeyFormat)
	}

	alg, err := algorithmOf(jwk.Key)
	if err != nil {
		return nil, err
	}
	if jwk.Algorithm != "" && jwk.Algorithm != alg.joseAlgorithm() {
		return nil, fmt.Errorf("%w: alg %q does not match %s key", licenseErrors.ErrKeyFormat, jwk.Algorithm, alg)
	}
	if jwk.KeyID == "" {
		if jwk.KeyID, err = thumbprint(jwk); err != nil {
			return nil, err
		}
	}

	return &Key{jwk: jwk, alg: alg}, nil
}

// LoadPrivateKey parses a private key and rejects public-only keys.
func LoadPrivateKey(text []byte) (*Key, error) {
	key, err := LoadKey(text)
	if err != nil {
		return nil, err
	}
	if !key.IsPrivate() {
		return nil, fmt.Errorf("%w: expected a private key", licenseErrors.ErrKeyFormat)
	}
	return key, nil
}

// LoadPublicKey parses a public key. A private key is accepted and reduced
// to its public half.
func LoadPublicKey(text []byte) (*Key, error) {
	key, err := LoadKey(text)
	if err != nil {
		return nil, err
	}
	return key.Public(), nil
}

// SaveKey renders a key in its indented JWK text form.
func SaveKey(k *Key) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("%w: nil key", licenseErrors.ErrKeyFormat)
	}
	compact, err := k.jwk.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", licenseErrors.ErrKeyFormat, err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact, "", "  "); err != nil {
		return nil, fmt.Errorf("%w: %v", licenseErrors.ErrKeyFormat, err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// DerivePublicKey extracts the public half from a private key's text form.
func DerivePublicKey(privateText []byte) ([]byte, error) {
	key, err := LoadPrivateKey(privateText)
	if err != nil {
		return nil, err
	}
	return SaveKey(key.Public())
}

// Algorithm reports the signature scheme of the key.
func (k *Key) Algorithm() Algorithm { return k.alg }

// KeyID is the RFC 7638 thumbprint of the public half, unless the key text
// carried its own "kid".
func (k *Key) KeyID() string { return k.jwk.KeyID }

// IsPrivate reports whether the key can sign.
func (k *Key) IsPrivate() bool { return !k.jwk.IsPublic() }

// Public returns the public half. Calling it on a public key returns an
// equivalent copy.
func (k *Key) Public() *Key {
	return &Key{jwk: k.jwk.Public(), alg: k.alg}
}

// Equal reports whether both keys hold the same key material and half.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	if k.alg != other.alg || k.IsPrivate() != other.IsPrivate() {
		return false
	}
	switch key := k.jwk.Key.(type) {
	case ed25519.PrivateKey:
		return key.Equal(other.jwk.Key)
	case ed25519.PublicKey:
		return key.Equal(other.jwk.Key)
	case *ecdsa.PrivateKey:
		return key.Equal(other.jwk.Key)
	case *ecdsa.PublicKey:
		return key.Equal(other.jwk.Key)
	default:
		return false
	}
}

// Sign produces a signature over payload. Ed25519 signs the payload itself;
// ECDSA signs its SHA-256 digest and returns an ASN.1 signature.
func (k *Key) Sign(payload []byte) ([]byte, error) {
	if k == nil || !k.IsPrivate() {
		return nil, fmt.Errorf("%w: a private key is required", licenseErrors.ErrSigning)
	}
	switch priv := k.jwk.Key.(type) {
	case ed25519.PrivateKey:
		return ed25519.Sign(priv, payload), nil
	case *ecdsa.PrivateKey:
		digest := sha256.Sum256(payload)
		sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", licenseErrors.ErrSigning, err)
		}
		return sig, nil
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", licenseErrors.ErrSigning, k.jwk.Key)
	}
}

// Verify reports whether sig is a valid signature over payload under the
// public half of k.
func (k *Key) Verify(payload, sig []byte) bool {
	if k == nil {
		return false
	}
	switch pub := k.jwk.Public().Key.(type) {
	case ed25519.PublicKey:
		return len(sig) == ed25519.SignatureSize && ed25519.Verify(pub, payload, sig)
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(payload)
		return ecdsa.VerifyASN1(pub, digest[:], sig)
	default:
		return false
	}
}

func algorithmOf(raw interface{}) (Algorithm, error) {
	switch key := raw.(type) {
	case ed25519.PrivateKey, ed25519.PublicKey:
		return AlgorithmEd25519, nil
	case *ecdsa.PrivateKey:
		if key.Curve != elliptic.P256() {
			return "", fmt.Errorf("%w: unsupported curve %s", licenseErrors.ErrKeyFormat, key.Curve.Params().Name)
		}
		return AlgorithmECDSAP256, nil
	case *ecdsa.PublicKey:
		if key.Curve != elliptic.P256() {
			return "", fmt.Errorf("%w: unsupported curve %s", licenseErrors.ErrKeyFormat, key.Curve.Params().Name)
		}
		return AlgorithmECDSAP256, nil
	default:
		return "", fmt.Errorf("%w: unsupported key type %T", licenseErrors.ErrKeyFormat, raw)
	}
}

func thumbprint(jwk jose.JSONWebKey) (string, error) {
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("%w: %v", licenseErrors.ErrKeyFormat, err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}
