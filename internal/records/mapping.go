package records

import (
	"strings"

	json "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// ErrInvalidMapping is returned for a data source mapping that cannot be parsed.
var ErrInvalidMapping = errors.New("records: invalid data source mapping")

// DataSourceMap rewrites the data source code of each record.
//
// Overrides are keyed by the upper-cased source code. The blank key ""
// applies to records whose DATA_SOURCE is present but blank, and to records
// without a DATA_SOURCE when no Default is set.
type DataSourceMap struct {
	Default   string
	Overrides map[string]string
}

// NewDataSourceMap returns an empty mapping with the given default.
func NewDataSourceMap(defaultSource string) *DataSourceMap {
	return &DataSourceMap{
		Default:   normalizeCode(defaultSource),
		Overrides: make(map[string]string),
	}
}

// Put adds an override. The source code is matched case-insensitively.
func (m *DataSourceMap) Put(from, to string) {
	if m.Overrides == nil {
		m.Overrides = make(map[string]string)
	}
	m.Overrides[normalizeCode(from)] = normalizeCode(to)
}

// Targets returns every data source code a record could be mapped to, so
// callers can validate them against the configured data sources.
func (m *DataSourceMap) Targets() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(code string) {
		if code != "" && !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	if m == nil {
		return out
	}
	add(m.Default)
	for _, to := range m.Overrides {
		add(to)
	}
	return out
}

// Resolve maps a raw source code. present reports whether the record carried
// a DATA_SOURCE field at all.
func (m *DataSourceMap) Resolve(raw string, present bool) string {
	code := normalizeCode(raw)
	if m == nil {
		return code
	}
	if !present {
		if m.Default != "" {
			return m.Default
		}
		return m.Overrides[""]
	}
	if code == "" {
		return m.Overrides[""]
	}
	if to, ok := m.Overrides[code]; ok {
		return to
	}
	return code
}

// Apply rewrites the DATA_SOURCE field of rec in place. A record that
// resolves to no data source is left untouched.
func (m *DataSourceMap) Apply(rec *Record) {
	_, present := rec.Get(FieldDataSource)
	// non-textual values count as blank
	raw, _ := rec.GetString(FieldDataSource)
	resolved := m.Resolve(raw, present)
	if resolved == "" {
		return
	}
	rec.Set(FieldDataSource, resolved)
}

// Merge copies the overrides from other into m. Later entries win.
func (m *DataSourceMap) Merge(other *DataSourceMap) {
	if other == nil {
		return
	}
	for from, to := range other.Overrides {
		m.Put(from, to)
	}
	if other.Default != "" {
		m.Default = other.Default
	}
}

// ParseMapDataSources parses a JSON object of source-code to target-code
// pairs. Every value must be a JSON string.
func ParseMapDataSources(text string) (*DataSourceMap, error) {
	m := NewDataSourceMap("")
	text = strings.TrimSpace(text)
	if text == "" {
		return m, nil
	}

	var raw map[string]interface{}
	if err := json.UnmarshalFromString(text, &raw); err != nil {
		return nil, errors.Wrapf(ErrInvalidMapping, "mapDataSources is not a JSON object: %s", text)
	}
	for key, value := range raw {
		target, ok := value.(string)
		if !ok {
			return nil, errors.Wrapf(ErrInvalidMapping, "mapDataSources value for %q must be a string", key)
		}
		target = normalizeCode(target)
		if target == "" {
			return nil, errors.Wrapf(ErrInvalidMapping, "mapDataSources value for %q is blank", key)
		}
		m.Put(key, target)
	}
	return m, nil
}

// ParseMapDataSourceList parses mappings of the form ":FROM:TO" where the
// first character is the delimiter between the two codes.
func ParseMapDataSourceList(values []string) (*DataSourceMap, error) {
	m := NewDataSourceMap("")
	for _, value := range values {
		from, to, err := parseDelimitedMapping(value)
		if err != nil {
			return nil, err
		}
		m.Put(from, to)
	}
	return m, nil
}

func parseDelimitedMapping(value string) (string, string, error) {
	if len(value) < 3 {
		return "", "", errors.Wrapf(ErrInvalidMapping, "mapDataSource %q", value)
	}
	sep := value[:1]
	index := strings.Index(value[1:], sep)
	if index < 0 {
		return "", "", errors.Wrapf(ErrInvalidMapping, "mapDataSource %q has no second delimiter", value)
	}
	index++
	if index == len(value)-1 {
		return "", "", errors.Wrapf(ErrInvalidMapping, "mapDataSource %q has no target", value)
	}

	from := strings.TrimSpace(value[1:index])
	to := normalizeCode(value[index+1:])
	if to == "" {
		return "", "", errors.Wrapf(ErrInvalidMapping, "mapDataSource %q has a blank target", value)
	}
	return from, to, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
