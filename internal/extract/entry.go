package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jackzampolin/formscan/internal/schema"
)

// Text is an entry's value: a string for WORD and CHAR fields, a list of
// selected entries for CHECKBOX fields.
type Text struct {
	value  string
	list   []string
	isList bool
}

// String returns a string value.
func String(s string) Text {
	return Text{value: s}
}

// List returns a list value. An empty list is still a list.
func List(entries ...string) Text {
	if entries == nil {
		entries = []string{}
	}
	return Text{list: entries, isList: true}
}

// IsList reports whether t holds a list.
func (t Text) IsList() bool { return t.isList }

// Entries returns the list value, or nil for a string value.
func (t Text) Entries() []string { return t.list }

// String returns the string value, or the entries joined by ", " for a list.
func (t Text) String() string {
	if t.isList {
		return strings.Join(t.list, ", ")
	}
	return t.value
}

// MarshalJSON writes a JSON string or array. A list is never null.
func (t Text) MarshalJSON() ([]byte, error) {
	if t.isList {
		if t.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(t.list)
	}
	return json.Marshal(t.value)
}

// MarshalYAML mirrors MarshalJSON for yaml output.
func (t Text) MarshalYAML() (any, error) {
	if t.isList {
		return List(t.list...).list, nil
	}
	return t.value, nil
}

// UnmarshalJSON accepts a string or an array of strings.
func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.HasPrefix(data, []byte("[")):
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("text list: %w", err)
		}
		*t = List(list...)
	case bytes.Equal(data, []byte("null")):
		*t = Text{}
	default:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("text: %w", err)
		}
		*t = String(s)
	}
	return nil
}

// Entry is the extracted value of one schema field.
type Entry struct {
	Name       string             `json:"name" yaml:"name"`
	FieldType  string             `json:"field_type" yaml:"field_type"`
	DataType   string             `json:"data_type" yaml:"data_type"`
	Text       Text               `json:"text" yaml:"text"`
	Correction *schema.Correction `json:"correction" yaml:"correction"`
}

// Result holds one entry per schema field, in schema order.
type Result []Entry

// Marshal encodes the result as the persisted document.
func (r Result) Marshal() ([]byte, error) {
	if r == nil {
		r = Result{}
	}
	return json.MarshalIndent(r, "", "  ")
}


// LoadResult reads a persisted result.
func LoadResult(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse result %s: %w", path, err)
	}
	return r, nil
}
