package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jackzampolin/formscan/internal/imaging"
)

// ErrNotFound is returned when no schema exists for an application.
var ErrNotFound = errors.New("schema not found")

// ParseError is returned when a schema document is not valid JSON.
type ParseError struct {
	Application string
	Err         error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("schema %s: parse: %v", e.Application, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError lists everything wrong with a well-formed schema document.
type ValidationError struct {
	Application string
	Problems    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema %s: invalid: %s", e.Application, strings.Join(e.Problems, "; "))
}

//go:embed schemas/form.schema.json
var formSchemaJSON []byte

const formSchemaURL = "form.schema.json"

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

// documentSchema returns the compiled JSON Schema for form schema documents.
func documentSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(formSchemaURL, bytes.NewReader(formSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("failed to load form schema definition: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile(formSchemaURL)
		if compileErr != nil {
			compileErr = fmt.Errorf("failed to compile form schema definition: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}

// DefinitionJSON returns the embedded JSON Schema that documents are validated against.
func DefinitionJSON() []byte {
	return append([]byte(nil), formSchemaJSON...)
}

// PageNumber is a 1-based page that accepts a JSON number or a numeric string.
type PageNumber int

// UnmarshalJSON accepts 2 and "2".
func (p *PageNumber) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = PageNumber(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("page_number must be a number or numeric string")
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("page_number %q is not a number", s)
	}
	*p = PageNumber(n)
	return nil
}

// Document is the on-disk form of a schema: an ordered array of fields.
type Document []DocumentField

// DocumentField is one field as written in a schema file.
type DocumentField struct {
	Name       string           `json:"name"`
	Type       string           `json:"type"`
	PageNumber PageNumber       `json:"page_number,omitempty"`
	DataType   string           `json:"data_type"`
	Correction *Correction      `json:"correction,omitempty"`
	Regions    []DocumentRegion `json:"regions"`
}

// DocumentRegion is one region as written in a schema file.
type DocumentRegion struct {
	Index      *int              `json:"index,omitempty"`
	Region     imaging.Rectangle `json:"region"`
	PageNumber PageNumber        `json:"page_number,omitempty"`
	Entry      string            `json:"entry,omitempty"`
	Brightness *float64          `json:"brightness,omitempty"`
}

// Parse validates a schema document and converts it to fields in document order.
func Parse(application string, data []byte) ([]Field, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Application: application, Err: err}
	}

	def, err := documentSchema()
	if err != nil {
		return nil, err
	}
	if err := def.Validate(raw); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, &ValidationError{Application: application, Problems: flattenProblems(ve)}
		}
		return nil, &ParseError{Application: application, Err: err}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Application: application, Err: err}
	}

	fields, problems := doc.fields()
	if len(problems) > 0 {
		return nil, &ValidationError{Application: application, Problems: problems}
	}
	return fields, nil
}

// fields converts the document, collecting every problem the JSON Schema cannot express.
func (d Document) fields() ([]Field, []string) {
	var problems []string
	fields := make([]Field, 0, len(d))

	for i, df := range d {
		ft, ok := ParseFieldType(df.Type)
		if !ok {
			problems = append(problems, fmt.Sprintf("/%d/type: unknown field type %q", i, df.Type))
			continue
		}

		regions := make([]Region, len(df.Regions))
		for j, dr := range df.Regions {
			page := int(df.PageNumber)
			if dr.PageNumber != 0 {
				page = int(dr.PageNumber)
			}
			if page < 1 {
				problems = append(problems, fmt.Sprintf("/%d/regions/%d: no page_number on region or field", i, j))
			}
			if !dr.Region.Valid() {
				problems = append(problems, fmt.Sprintf("/%d/regions/%d/region: %s is not a valid rectangle", i, j, dr.Region))
			}
			index := j
			if dr.Index != nil {
				index = *dr.Index
			}
			regions[j] = Region{Index: index, Rect: dr.Region, Page: page}
		}
		if len(regions) == 0 {
			problems = append(problems, fmt.Sprintf("/%d/regions: at least one region is required", i))
			continue
		}

		f := Field{
			Name:       df.Name,
			RawType:    df.Type,
			DataType:   df.DataType,
			Correction: df.Correction,
		}
		switch ft {
		case Word:
			f.Kind = WordField{Region: regions[0]}
		case Char:
			f.Kind = CharField{Regions: regions}
		case Checkbox:
			boxes := make([]CheckboxRegion, len(regions))
			for j, r := range regions {
				dr := df.Regions[j]
				if dr.Entry == "" || dr.Brightness == nil {
					problems = append(problems, fmt.Sprintf("/%d/regions/%d: checkbox regions need entry and brightness", i, j))
					continue
				}
				boxes[j] = CheckboxRegion{Region: r, Entry: dr.Entry, Brightness: *dr.Brightness}
			}
			f.Kind = CheckboxField{Boxes: boxes}
		}
		fields = append(fields, f)
	}
	return fields, problems
}

// ToDocument converts fields back to their on-disk form.
func ToDocument(fields []Field) Document {
	doc := make(Document, 0, len(fields))
	for _, f := range fields {
		df := DocumentField{
			Name:       f.Name,
			Type:       f.RawType,
			DataType:   f.DataType,
			Correction: f.Correction,
		}
		if df.Type == "" {
			df.Type = string(f.Type())
		}
		regions := f.Regions()
		if pages := f.Pages(); len(pages) == 1 {
			df.PageNumber = PageNumber(pages[0])
		}
		for j, r := range regions {
			index := r.Index
			dr := DocumentRegion{Index: &index, Region: r.Rect}
			if df.PageNumber == 0 {
				dr.PageNumber = PageNumber(r.Page)
			}
			if cb, ok := f.Kind.(CheckboxField); ok {
				b := cb.Boxes[j].Brightness
				dr.Entry = cb.Boxes[j].Entry
				dr.Brightness = &b
			}
			df.Regions = append(df.Regions, dr)
		}
		doc = append(doc, df)
	}
	return doc
}

// Marshal encodes the document with two-space indentation.
func (d Document) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

func flattenProblems(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(out)
	return dedupe(out)
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for _, s := range sorted {
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}
