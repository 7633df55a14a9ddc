package records

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
)

// Well-known record fields.
const (
	FieldDataSource = "DATA_SOURCE"
	FieldRecordID   = "RECORD_ID"
	FieldSourceID   = "SOURCE_ID"
)

// Field is a single named value of a record.
type Field struct {
	Key   string
	Value interface{}
}

// Record is an ordered set of fields parsed from one row or JSON object.
// Field order is kept so that the record serializes the way it was uploaded.
type Record struct {
	fields []Field
}

// NewRecord creates a record from the given fields.
func NewRecord(fields ...Field) *Record {
	return &Record{fields: fields}
}

func (r *Record) index(key string) int {
	for i, f := range r.fields {
		if strings.EqualFold(f.Key, key) {
			return i
		}
	}
	return -1
}

// Get returns the value of the named field. Field names match case-insensitively.
func (r *Record) Get(key string) (interface{}, bool) {
	if i := r.index(key); i >= 0 {
		return r.fields[i].Value, true
	}
	return nil, false
}

// GetString returns the named field as text. Numbers and booleans are
// formatted, nested values and nulls are treated as missing.
func (r *Record) GetString(key string) (string, bool) {
	v, ok := r.Get(key)
	if !ok {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case bool, float64, int, int64:
		return fmt.Sprint(val), true
	case fmt.Stringer:
		// numbers decoded as json.Number
		return val.String(), true
	default:
		return "", false
	}
}

// Set replaces the value of the named field, or appends it when absent.
func (r *Record) Set(key string, value interface{}) {
	if i := r.index(key); i >= 0 {
		r.fields[i].Value = value
		return
	}
	r.fields = append(r.fields, Field{Key: key, Value: value})
}

// Fields returns all fields in order.
func (r *Record) Fields() []Field {
	return r.fields
}

// Len returns the number of fields.
func (r *Record) Len() int {
	return len(r.fields)
}

// DataSource returns the trimmed data source code, or "" when missing.
func (r *Record) DataSource() string {
	ds, _ := r.GetString(FieldDataSource)
	return strings.TrimSpace(ds)
}

// RecordID returns the trimmed record identifier, or "" when missing.
func (r *Record) RecordID() string {
	id, _ := r.GetString(FieldRecordID)
	return strings.TrimSpace(id)
}

// MarshalJSON implements custom JSON marshaling to preserve field order
func (r *Record) MarshalJSON() ([]byte, error) {
	if len(r.fields) == 0 {
		return []byte("{}"), nil
	}

	buf := make([]byte, 0, 64*len(r.fields))
	buf = append(buf, '{')
	for i, field := range r.fields {
		if i > 0 {
			buf = append(buf, ',')
		}

		keyJSON, err := json.Marshal(field.Key)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')

		valueJSON, err := json.Marshal(field.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, valueJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// JSON returns the record as JSON text.
func (r *Record) JSON() (string, error) {
	b, err := r.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
