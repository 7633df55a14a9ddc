package records

import (
	"bytes"
	"encoding/csv"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	textunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	// ErrFormatDetection is returned when the upload does not look like any
	// supported record format.
	ErrFormatDetection = errors.New("records: unable to detect record format")

	// ErrUnsupportedEncoding is returned for a declared charset that is unknown.
	ErrUnsupportedEncoding = errors.New("records: unsupported character encoding")
)

const (
	// DefaultEncoding is used when the encoding cannot be inferred.
	DefaultEncoding = "UTF-8"

	encodingSniffSize = 4 * 1024
	formatSniffSize   = 16 * 1024
)

// Source is the replayable byte source detection reads from.
type Source interface {
	Peek(n int) ([]byte, error)
	NewReader() io.Reader
}

// Detection is the outcome of encoding and format detection.
type Detection struct {
	Encoding string
	Format   Format
}

// Detect determines the character encoding and record format of src.
// Declared values in mediaType win over sniffing. Detection only reads from
// src, so running it twice yields the same answer.
func Detect(src Source, mediaType string) (Detection, error) {
	prefix, err := src.Peek(encodingSniffSize)
	if err != nil {
		return Detection{}, errors.Wrap(err, "records: sample upload")
	}

	enc, err := DetectEncoding(prefix, CharsetFromMediaType(mediaType))
	if err != nil {
		return Detection{}, err
	}

	format := FormatFromMediaType(mediaType)
	if format != FormatUnknown {
		return Detection{Encoding: enc, Format: format}, nil
	}

	decoded, err := NewDecoder(src.NewReader(), enc)
	if err != nil {
		return Detection{}, err
	}
	sample := make([]byte, formatSniffSize)
	n, err := io.ReadFull(decoded, sample)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return Detection{}, errors.Wrap(err, "records: sample decoded upload")
	}

	format, err = DetectFormat(sample[:n])
	if err != nil {
		return Detection{}, err
	}
	return Detection{Encoding: enc, Format: format}, nil
}

// DetectEncoding returns the canonical name of the charset for prefix.
// A declared charset must be known; otherwise a BOM decides, then sniffing,
// and anything that is valid UTF-8 or uncertain falls back to UTF-8.
func DetectEncoding(prefix []byte, declared string) (string, error) {
	declared = strings.TrimSpace(declared)
	if declared != "" {
		enc, name := charset.Lookup(declared)
		if enc == nil {
			return "", errors.Wrapf(ErrUnsupportedEncoding, "charset %q", declared)
		}
		return canonicalName(name), nil
	}

	_, name, certain := charset.DetermineEncoding(prefix, "")
	if certain {
		return canonicalName(name), nil
	}
	if utf8.Valid(trimPartialRune(prefix)) {
		return DefaultEncoding, nil
	}
	if name == "" {
		return DefaultEncoding, nil
	}
	return canonicalName(name), nil
}

// NewDecoder wraps r so that it yields UTF-8 text. A leading BOM is honoured
// and stripped.
func NewDecoder(r io.Reader, encodingName string) (io.Reader, error) {
	enc, _ := charset.Lookup(encodingName)
	if enc == nil {
		return nil, errors.Wrapf(ErrUnsupportedEncoding, "charset %q", encodingName)
	}
	if enc == encoding.Nop {
		enc = textunicode.UTF8
	}
	return transform.NewReader(r, textunicode.BOMOverride(enc.NewDecoder())), nil
}

// DetectFormat classifies a decoded sample by its first non-whitespace
// character. An empty sample has no format and is not an error.
func DetectFormat(sample []byte) (Format, error) {
	trimmed := bytes.TrimLeftFunc(sample, unicode.IsSpace)
	if len(trimmed) == 0 {
		return FormatUnknown, nil
	}
	if bytes.IndexByte(trimmed, 0) >= 0 {
		return FormatUnknown, errors.Wrap(ErrFormatDetection, "binary content")
	}

	switch trimmed[0] {
	case '[':
		return FormatJSON, nil
	case '{':
		return FormatJSONLines, nil
	}

	header := trimmed
	if i := bytes.IndexByte(header, '\n'); i >= 0 {
		header = header[:i]
	}
	r := csv.NewReader(bytes.NewReader(header))
	r.LazyQuotes = true
	fields, err := r.Read()
	if err != nil {
		return FormatUnknown, errors.Wrap(ErrFormatDetection, "header row is not delimited text")
	}
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return FormatCSV, nil
		}
	}
	return FormatUnknown, errors.Wrap(ErrFormatDetection, "header row has no column names")
}

func canonicalName(name string) string {
	return strings.ToUpper(name)
}

// trimPartialRune drops an incomplete UTF-8 sequence cut off at the end of
// a sample.
func trimPartialRune(b []byte) []byte {
	for i := len(b) - 1; i >= 0 && i > len(b)-utf8.UTFMax; i-- {
		if b[i] < utf8.RuneSelf {
			break
		}
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i]
			}
			break
		}
	}
	return b
}
