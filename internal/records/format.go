// Package records detects, decodes and parses bulk record uploads.
package records

import (
	"mime"
	"strings"
)

// Format is the structural format of an upload.
type Format int

const (
	// FormatUnknown means the format has not been detected yet, or the
	// upload is empty.
	FormatUnknown Format = iota
	// FormatCSV is delimited text with a header row.
	FormatCSV
	// FormatJSON is a single JSON array of record objects.
	FormatJSON
	// FormatJSONLines is one JSON object per line.
	FormatJSONLines
)

// Media types understood by the detector.
const (
	MediaTypeCSV       = "text/csv"
	MediaTypeJSON      = "application/json"
	MediaTypeJSONLines = "application/x-jsonlines"
	MediaTypeText      = "text/plain"
	MediaTypeMultipart = "multipart/form-data"
)

var formatNames = map[Format]string{
	FormatUnknown:   "UNKNOWN",
	FormatCSV:       "CSV",
	FormatJSON:      "JSON",
	FormatJSONLines: "JSON_LINES",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "UNKNOWN"
}

// MediaType returns the canonical media type for the format, or "" when unknown.
func (f Format) MediaType() string {
	switch f {
	case FormatCSV:
		return MediaTypeCSV
	case FormatJSON:
		return MediaTypeJSON
	case FormatJSONLines:
		return MediaTypeJSONLines
	default:
		return ""
	}
}

// FormatFromMediaType maps a declared media type to a format. Generic types
// such as text/plain and multipart/form-data carry no format.
func FormatFromMediaType(mediaType string) Format {
	base, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		base = strings.ToLower(strings.TrimSpace(mediaType))
	}

	switch base {
	case MediaTypeCSV, "text/comma-separated-values", "application/csv":
		return FormatCSV
	case MediaTypeJSON:
		return FormatJSON
	case MediaTypeJSONLines, "application/jsonl", "application/x-ndjson", "application/jsonlines":
		return FormatJSONLines
	default:
		return FormatUnknown
	}
}

// CharsetFromMediaType returns the declared charset parameter. Multipart
// content types never supply a charset for the enclosed file.
func CharsetFromMediaType(mediaType string) string {
	base, params, err := mime.ParseMediaType(mediaType)
	if err != nil || base == MediaTypeMultipart {
		return ""
	}
	return params["charset"]
}
