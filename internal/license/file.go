package license

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"

	licenseErrors "licensekit/internal/errors"
)

// FileExtension is the conventional extension of license files.
const FileExtension = ".lic"

// maxLicenseFileSize bounds how much of a source is read; real license files
// are well under a kilobyte.
const maxLicenseFileSize = 1 << 20

// licenseDocument is the on-disk container:
//
//	<License>
//	  <LicenseTerms>base64</LicenseTerms>
//	  <Signature>base64</Signature>
//	</License>
type licenseDocument struct {
	XMLName      xml.Name       `xml:"License"`
	Attrs        []xml.Attr     `xml:",any,attr"`
	LicenseTerms []licenseField `xml:"LicenseTerms"`
	Signature    []licenseField `xml:"Signature"`
	Unknown      []unknownField `xml:",any"`
}

// licenseField keeps what encoding/xml would otherwise drop silently so that
// edits inside a field can be rejected.
type licenseField struct {
	Value    string         `xml:",chardata"`
	Attrs    []xml.Attr     `xml:",any,attr"`
	Children []unknownField `xml:",any"`
}

type unknownField struct {
	XMLName xml.Name
}

// WriteLicense writes l to w as an XML license document.
func WriteLicense(w io.Writer, l *License) error {
	if l == nil {
		return fmt.Errorf("%w: nil license", licenseErrors.ErrPersistence)
	}
	doc := licenseDocument{
		LicenseTerms: []licenseField{{Value: l.TermsEncoded}},
		Signature:    []licenseField{{Value: l.Signature}},
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", licenseErrors.ErrPersistence, err)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(data)
	buf.WriteByte('\n')
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", licenseErrors.ErrPersistence, err)
	}
	return nil
}

// ReadLicense parses an XML license document. Field values are returned
// exactly as stored; nothing is trimmed or repaired. Attributes anywhere and
// elements nested in a field are rejected. Comments and CDATA sections inside
// a field are XML-equivalent to plain text and are accepted as such.
func ReadLicense(r io.Reader) (*License, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxLicenseFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", licenseErrors.ErrPersistence, err)
	}
	if len(data) > maxLicenseFileSize {
		return nil, fmt.Errorf("%w: license document exceeds %d bytes", licenseErrors.ErrPersistence, maxLicenseFileSize)
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	var doc licenseDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", licenseErrors.ErrPersistence, err)
	}
	if err := expectEnd(dec); err != nil {
		return nil, err
	}

	if len(doc.Attrs) > 0 {
		return nil, fmt.Errorf("%w: unexpected attribute %q on <License>", licenseErrors.ErrPersistence, doc.Attrs[0].Name.Local)
	}
	if len(doc.Unknown) > 0 {
		return nil, fmt.Errorf("%w: unexpected element <%s>", licenseErrors.ErrPersistence, doc.Unknown[0].XMLName.Local)
	}
	terms, err := singleField("LicenseTerms", doc.LicenseTerms)
	if err != nil {
		return nil, err
	}
	sig, err := singleField("Signature", doc.Signature)
	if err != nil {
		return nil, err
	}

	return &License{TermsEncoded: terms, Signature: sig}, nil
}

// SaveLicenseFile writes l to path, replacing any existing content.
func SaveLicenseFile(fs afero.Fs, path string, l *License) error {
	var buf bytes.Buffer
	if err := WriteLicense(&buf, l); err != nil {
		return err
	}
	if err := afero.WriteFile(fs, path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", licenseErrors.ErrPersistence, path, err)
	}
	return nil
}

// LoadLicenseFile reads the license stored at path.
func LoadLicenseFile(fs afero.Fs, path string) (*License, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", licenseErrors.ErrPersistence, path, err)
	}
	defer f.Close()

	l, err := ReadLicense(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return l, nil
}

func singleField(name string, values []licenseField) (string, error) {
	switch {
	case len(values) == 0:
		return "", fmt.Errorf("%w: missing <%s>", licenseErrors.ErrPersistence, name)
	case len(values) > 1:
		return "", fmt.Errorf("%w: duplicate <%s>", licenseErrors.ErrPersistence, name)
	}
	field := values[0]
	switch {
	case len(field.Attrs) > 0:
		return "", fmt.Errorf("%w: unexpected attribute %q on <%s>", licenseErrors.ErrPersistence, field.Attrs[0].Name.Local, name)
	case len(field.Children) > 0:
		return "", fmt.Errorf("%w: unexpected element <%s> in <%s>", licenseErrors.ErrPersistence, field.Children[0].XMLName.Local, name)
	case field.Value == "":
		return "", fmt.Errorf("%w: empty <%s>", licenseErrors.ErrPersistence, name)
	}
	return field.Value, nil
}

// expectEnd rejects anything but whitespace and comments after the root element.
func expectEnd(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", licenseErrors.ErrPersistence, err)
		}
		switch t := tok.(type) {
		case xml.Comment:
		case xml.CharData:
			if strings.TrimSpace(string(t)) != "" {
				return fmt.Errorf("%w: trailing content after </License>", licenseErrors.ErrPersistence)
			}
		default:
			return fmt.Errorf("%w: trailing content after </License>", licenseErrors.ErrPersistence)
		}
	}
}
