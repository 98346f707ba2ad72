package license

import (
	"fmt"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"

	licenseErrors "licensekit/internal/errors"
)

// Canonical terms encoding, version 1:
//
//	magic   "LICT"
//	version uint8
//	field   tag uint8, value uint16-length-prefixed, repeated in tag order
//
// Dates are int64 big-endian nanoseconds since the Unix epoch (UTC).
// Strings are UTF-8. Every field is required exactly once.
const (
	termsMagic   = "LICT"
	termsVersion = 1

	tagStartDate   uint8 = 1
	tagEndDate     uint8 = 2
	tagProductName uint8 = 3
	tagUserName    uint8 = 4

	maxFieldLen = 1<<16 - 1
)

var fieldOrder = []uint8{tagStartDate, tagEndDate, tagProductName, tagUserName}

// EncodeTerms returns the canonical bytes of t. The same terms always encode
// to the same bytes; these bytes are what gets signed.
func EncodeTerms(t Terms) ([]byte, error) {
	start, err := encodeTime("start date", t.StartDate)
	if err != nil {
		return nil, err
	}
	end, err := encodeTime("end date", t.EndDate)
	if err != nil {
		return nil, err
	}
	if err := checkString("product name", t.ProductName); err != nil {
		return nil, err
	}
	if err := checkString("user name", t.UserName); err != nil {
		return nil, err
	}

	var b cryptobyte.Builder
	b.AddBytes([]byte(termsMagic))
	b.AddUint8(termsVersion)
	addField(&b, tagStartDate, func(c *cryptobyte.Builder) { c.AddUint64(start) })
	addField(&b, tagEndDate, func(c *cryptobyte.Builder) { c.AddUint64(end) })
	addField(&b, tagProductName, func(c *cryptobyte.Builder) { c.AddBytes([]byte(t.ProductName)) })
	addField(&b, tagUserName, func(c *cryptobyte.Builder) { c.AddBytes([]byte(t.UserName)) })

	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", licenseErrors.ErrInvalidTerms, err)
	}
	return out, nil
}

// DecodeTerms is the exact inverse of EncodeTerms. Decoded dates are in UTC.
func DecodeTerms(data []byte) (Terms, error) {
	var t Terms
	s := cryptobyte.String(data)

	var magic []byte
	if !s.ReadBytes(&magic, len(termsMagic)) || string(magic) != termsMagic {
		return Terms{}, decodeError("not a license terms encoding")
	}
	var version uint8
	if !s.ReadUint8(&version) {
		return Terms{}, decodeError("truncated header")
	}
	if version != termsVersion {
		return Terms{}, decodeError(fmt.Sprintf("unsupported version %d", version))
	}

	for _, want := range fieldOrder {
		var tag uint8
		var value cryptobyte.String
		if !s.ReadUint8(&tag) || !s.ReadUint16LengthPrefixed(&value) {
			return Terms{}, decodeError(fmt.Sprintf("truncated field %d", want))
		}
		if tag != want {
			return Terms{}, decodeError(fmt.Sprintf("expected field %d, found %d", want, tag))
		}

		switch tag {
		case tagStartDate, tagEndDate:
			var nanos uint64
			if !value.ReadUint64(&nanos) || !value.Empty() {
				return Terms{}, decodeError(fmt.Sprintf("field %d is not an 8-byte date", tag))
			}
			date := time.Unix(0, int64(nanos)).UTC()
			if tag == tagStartDate {
				t.StartDate = date
			} else {
				t.EndDate = date
			}
		case tagProductName, tagUserName:
			if !utf8.Valid(value) {
				return Terms{}, decodeError(fmt.Sprintf("field %d is not valid UTF-8", tag))
			}
			if tag == tagProductName {
				t.ProductName = string(value)
			} else {
				t.UserName = string(value)
			}
		}
	}

	if !s.Empty() {
		return Terms{}, decodeError("trailing data after last field")
	}
	return t, nil
}

func addField(b *cryptobyte.Builder, tag uint8, value cryptobyte.BuilderContinuation) {
	b.AddUint8(tag)
	b.AddUint16LengthPrefixed(value)
}

func encodeTime(field string, t time.Time) (uint64, error) {
	nanos := t.UnixNano()
	if !time.Unix(0, nanos).Equal(t) {
		return 0, fmt.Errorf("%w: %s %s is outside the encodable range", licenseErrors.ErrInvalidTerms, field, t.Format(time.RFC3339))
	}
	return uint64(nanos), nil
}

func checkString(field, value string) error {
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: %s is not valid UTF-8", licenseErrors.ErrInvalidTerms, field)
	}
	if len(value) > maxFieldLen {
		return fmt.Errorf("%w: %s exceeds %d bytes", licenseErrors.ErrInvalidTerms, field, maxFieldLen)
	}
	return nil
}

func decodeError(msg string) error {
	return fmt.Errorf("%w: %s", licenseErrors.ErrDecode, msg)
}
