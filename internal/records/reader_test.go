package records

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func readAll(t *testing.T, r *Reader) []*Record {
	t.Helper()
	var out []*Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Unexpected error after %d records: %v", len(out), err)
		}
		out = append(out, rec)
	}
}

func TestReader_Formats(t *testing.T) {
	t.Run("csv", func(t *testing.T) {
		input := "DATA_SOURCE, RECORD_ID ,NAME\nA,1,Joe\n\nB,2,\"Smith, Jane\"\n,3,\n"
		r, err := NewReader(FormatCSV, strings.NewReader(input))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		recs := readAll(t, r)
		if len(recs) != 3 {
			t.Fatalf("Expected 3 records, got %d", len(recs))
		}
		if recs[1].RecordID() != "2" {
			t.Errorf("Expected record id 2, got %q", recs[1].RecordID())
		}
		name, _ := recs[1].GetString("name")
		if name != "Smith, Jane" {
			t.Errorf("Expected quoted value, got %q", name)
		}
		if _, ok := recs[2].Get(FieldDataSource); ok {
			t.Error("Expected blank CSV values to be omitted")
		}
		if r.Count() != 3 {
			t.Errorf("Expected count 3, got %d", r.Count())
		}
	})

	t.Run("json array keeps field order", func(t *testing.T) {
		input := `[{"RECORD_ID":"1","DATA_SOURCE":"A","AGE":42}, {"DATA_SOURCE":"B","ADDR":{"CITY":"X"}}]`
		r, _ := NewReader(FormatJSON, strings.NewReader(input))
		recs := readAll(t, r)
		if len(recs) != 2 {
			t.Fatalf("Expected 2 records, got %d", len(recs))
		}
		text, err := recs[0].JSON()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if text != `{"RECORD_ID":"1","DATA_SOURCE":"A","AGE":42}` {
			t.Errorf("Unexpected serialization %s", text)
		}
	})

	t.Run("json lines", func(t *testing.T) {
		input := "{\"DATA_SOURCE\":\"A\"}\r\n\n  {\"DATA_SOURCE\":\"B\"}"
		r, _ := NewReader(FormatJSONLines, strings.NewReader(input))
		recs := readAll(t, r)
		if len(recs) != 2 || recs[1].DataSource() != "B" {
			t.Fatalf("Expected 2 records ending with B, got %d", len(recs))
		}
	})

	t.Run("unknown format reads nothing", func(t *testing.T) {
		r, _ := NewReader(FormatUnknown, strings.NewReader(""))
		if _, err := r.Next(); err != io.EOF {
			t.Errorf("Expected io.EOF, got %v", err)
		}
	})
}

func TestReader_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		input  string
	}{
		{"truncated array", FormatJSON, `[{"DATA_SOURCE":"A"},{"DATA_SOURCE":`},
		{"array of scalars", FormatJSON, `[1,2]`},
		{"object instead of array", FormatJSON, `{"DATA_SOURCE":"A"}`},
		{"bad json line", FormatJSONLines, "{\"A\":1}\nnot json\n"},
		{"too many columns", FormatCSV, "A,B\n1,2,3\n"},
		{"junk after a json line", FormatJSONLines, "{\"DATA_SOURCE\":\"A\"} garbage\n"},
		{"extra braces on a json line", FormatJSONLines, "{\"DATA_SOURCE\":\"A\"}\n{\"DATA_SOURCE\":\"B\"}}}\n"},
		{"two objects on one line", FormatJSONLines, "{\"A\":1}{\"A\":2}\n"},
		{"junk after the array", FormatJSON, `[{"DATA_SOURCE":"A"}] trailing junk {`},
		{"second array", FormatJSON, `[{"A":1}][{"A":2}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := NewReader(tt.format, strings.NewReader(tt.input))
			var err error
			for err == nil {
				_, err = r.Next()
			}
			if !errors.Is(err, ErrMalformedRecord) {
				t.Errorf("Expected ErrMalformedRecord, got %v", err)
			}
		})
	}
}

func TestReader_TrailingWhitespace(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		input  string
	}{
		{"array", FormatJSON, "[{\"A\":1},{\"A\":2}] \r\n\t\n"},
		{"json lines", FormatJSONLines, "{\"A\":1}   \n\n{\"A\":2}\t\n  \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := NewReader(tt.format, strings.NewReader(tt.input))
			n := 0
			for {
				_, err := r.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				n++
			}
			if n != 2 {
				t.Errorf("Expected 2 records, got %d", n)
			}
		})
	}
}

func TestReader_Options(t *testing.T) {
	mapping := NewDataSourceMap("B")
	mapping.Put("a", "c")

	input := "{\"DATA_SOURCE\":\"a\"}\n{\"NAME\":\"x\"}\n{\"DATA_SOURCE\":\"Z\",\"SOURCE_ID\":\"mine\"}\n"
	r, _ := NewReader(FormatJSONLines, strings.NewReader(input),
		WithDataSourceMap(mapping), WithSourceID("load-1"))
	recs := readAll(t, r)

	expected := []string{"C", "B", "Z"}
	for i, rec := range recs {
		if rec.DataSource() != expected[i] {
			t.Errorf("Record %d: expected %s, got %s", i, expected[i], rec.DataSource())
		}
	}

	if id, _ := recs[0].GetString(FieldSourceID); id != "load-1" {
		t.Errorf("Expected SOURCE_ID stamp, got %q", id)
	}
	if id, _ := recs[2].GetString(FieldSourceID); id != "mine" {
		t.Errorf("Expected existing SOURCE_ID kept, got %q", id)
	}
}
