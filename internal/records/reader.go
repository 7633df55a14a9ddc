package records

import (
	"bufio"
	"encoding/csv"
	"io"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// ErrMalformedRecord is returned when the upload stops being well formed.
var ErrMalformedRecord = errors.New("records: malformed record")

const jsonBufferSize = 8 * 1024

// jsonAPI decodes numbers as json.Number so that record values survive a
// round trip unchanged.
var jsonAPI = json.Config{UseNumber: true}.Froze()

// Option configures a Reader.
type Option func(*Reader)

// WithDataSourceMap rewrites the data source of every record read.
func WithDataSourceMap(m *DataSourceMap) Option {
	return func(r *Reader) {
		r.mapping = m
	}
}

// WithSourceID stamps records that lack a SOURCE_ID with id.
func WithSourceID(id string) Option {
	return func(r *Reader) {
		r.sourceID = strings.TrimSpace(id)
	}
}

// Reader produces records one at a time from decoded text.
type Reader struct {
	format   Format
	mapping  *DataSourceMap
	sourceID string
	count    int
	next     func() (*Record, error)
}

// NewReader returns a Reader over r for the given format. FormatUnknown
// yields no records, which is how an empty upload is read.
func NewReader(format Format, r io.Reader, opts ...Option) (*Reader, error) {
	rd := &Reader{format: format}
	for _, opt := range opts {
		opt(rd)
	}

	switch format {
	case FormatCSV:
		rd.next = newCSVDecoder(r)
	case FormatJSON:
		rd.next = newJSONArrayDecoder(r)
	case FormatJSONLines:
		rd.next = newJSONLinesDecoder(r)
	case FormatUnknown:
		rd.next = func() (*Record, error) { return nil, io.EOF }
	default:
		return nil, errors.Errorf("records: unsupported format %d", format)
	}
	return rd, nil
}

// Format returns the format being read.
func (r *Reader) Format() Format {
	return r.format
}

// Count returns the number of records read so far.
func (r *Reader) Count() int {
	return r.count
}

// Next returns the next record, or io.EOF when the input is exhausted.
func (r *Reader) Next() (*Record, error) {
	rec, err := r.next()
	if err != nil {
		return nil, err
	}
	r.count++

	r.mapping.Apply(rec)
	if r.sourceID != "" {
		if _, ok := rec.Get(FieldSourceID); !ok {
			rec.Set(FieldSourceID, r.sourceID)
		}
	}
	return rec, nil
}

func newCSVDecoder(r io.Reader) func() (*Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true
	reader.LazyQuotes = true

	var header []string
	line := 0
	return func() (*Record, error) {
		if header == nil {
			row, err := reader.Read()
			if err == io.EOF {
				return nil, io.EOF
			}
			if err != nil {
				return nil, errors.Wrap(ErrMalformedRecord, err.Error())
			}
			header = make([]string, len(row))
			for i, name := range row {
				header[i] = strings.TrimSpace(name)
			}
			line++
		}

		for {
			row, err := reader.Read()
			if err == io.EOF {
				return nil, io.EOF
			}
			if err != nil {
				return nil, errors.Wrap(ErrMalformedRecord, err.Error())
			}
			line++
			if len(row) > len(header) {
				return nil, errors.Wrapf(ErrMalformedRecord, "row %d has %d columns, header has %d", line, len(row), len(header))
			}

			rec := &Record{fields: make([]Field, 0, len(row))}
			for i, value := range row {
				value = strings.TrimSpace(value)
				if value == "" || header[i] == "" {
					continue
				}
				rec.fields = append(rec.fields, Field{Key: header[i], Value: value})
			}
			if len(rec.fields) == 0 {
				continue
			}
			return rec, nil
		}
	}
}

func newJSONArrayDecoder(r io.Reader) func() (*Record, error) {
	iter := json.Parse(jsonAPI, r, jsonBufferSize)
	started, finished := false, false
	index := 0

	return func() (*Record, error) {
		if finished {
			return nil, io.EOF
		}
		if !started {
			started = true
			if iter.WhatIsNext() != json.ArrayValue {
				return nil, errors.Wrap(ErrMalformedRecord, "expected a JSON array of records")
			}
		}

		if !iter.ReadArray() {
			if iter.Error != nil {
				return nil, errors.Wrapf(ErrMalformedRecord, "record array truncated after %d records", index)
			}
			finished = true
			if !atEnd(iter) {
				if iter.Error != nil {
					return nil, errors.Wrap(iter.Error, "records: read after the record array")
				}
				return nil, errors.Wrap(ErrMalformedRecord, "content after the record array")
			}
			return nil, io.EOF
		}
		index++
		if iter.WhatIsNext() != json.ObjectValue {
			return nil, errors.Wrapf(ErrMalformedRecord, "array element %d is not an object", index)
		}
		rec, err := readObject(iter)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedRecord, "array element %d: %v", index, err)
		}
		return rec, nil
	}
}

func newJSONLinesDecoder(r io.Reader) func() (*Record, error) {
	reader := bufio.NewReaderSize(r, jsonBufferSize)
	line := 0

	return func() (*Record, error) {
		for {
			text, err := reader.ReadString('\n')
			if err != nil && err != io.EOF {
				return nil, err
			}
			if text == "" && err == io.EOF {
				return nil, io.EOF
			}
			line++

			trimmed := strings.TrimSpace(text)
			if trimmed == "" {
				if err == io.EOF {
					return nil, io.EOF
				}
				continue
			}

			iter := jsonAPI.BorrowIterator([]byte(trimmed))
			if iter.WhatIsNext() != json.ObjectValue {
				jsonAPI.ReturnIterator(iter)
				return nil, errors.Wrapf(ErrMalformedRecord, "line %d is not a JSON object", line)
			}
			rec, perr := readObject(iter)
			trailing := perr == nil && !atEnd(iter)
			jsonAPI.ReturnIterator(iter)
			if perr != nil {
				return nil, errors.Wrapf(ErrMalformedRecord, "line %d: %v", line, perr)
			}
			if trailing {
				return nil, errors.Wrapf(ErrMalformedRecord, "line %d has content after the record", line)
			}
			return rec, nil
		}
	}
}

func readObject(iter *json.Iterator) (*Record, error) {
	rec := &Record{}
	ok := iter.ReadObjectCB(func(it *json.Iterator, field string) bool {
		rec.fields = append(rec.fields, Field{Key: field, Value: it.Read()})
		return it.Error == nil
	})
	if !ok || (iter.Error != nil && iter.Error != io.EOF) {
		if iter.Error != nil {
			return nil, iter.Error
		}
		return nil, errors.New("invalid object")
	}
	return rec, nil
}

// atEnd reports whether only whitespace is left in iter.
func atEnd(iter *json.Iterator) bool {
	iter.WhatIsNext()
	return iter.Error == io.EOF
}
