package schema

import (
	"fmt"

	"github.com/jackzampolin/formscan/internal/imaging"
)

// FieldType is the recognition strategy of a field.
type FieldType string

const (
	Word     FieldType = "WORD"
	Char     FieldType = "CHAR"
	Checkbox FieldType = "CHECKBOX"
)

// ParseFieldType maps every accepted spelling to its strategy.
func ParseFieldType(s string) (FieldType, bool) {
	switch s {
	case "WORD", "OCR_WORD":
		return Word, true
	case "CHAR", "OCR_CHAR":
		return Char, true
	case "CHECKBOX", "CHECK_BOX":
		return Checkbox, true
	}
	return "", false
}

// Correction is the post-processing hint carried through to the output untouched.
type Correction struct {
	Type    string `json:"type" yaml:"type"`
	Details string `json:"details" yaml:"details"`
}

// Region is one rectangle of a field on a given page.
type Region struct {
	Index int
	Rect  imaging.Rectangle
	Page  int // 1-based
}

// CheckboxRegion is a checkbox rectangle with its label and blank-form brightness.
type CheckboxRegion struct {
	Region
	Entry      string
	Brightness float64
}

// Kind carries the strategy-specific part of a field.
// It is one of WordField, CharField or CheckboxField.
type Kind interface {
	Type() FieldType
	regions() []Region
}

// WordField is read in one pass over a single region.
type WordField struct {
	Region Region
}

// CharField is read one box at a time and concatenated.
type CharField struct {
	Regions []Region
}

// CheckboxField yields the entries whose boxes are darker than on the blank form.
type CheckboxField struct {
	Boxes []CheckboxRegion
}

func (WordField) Type() FieldType     { return Word }
func (CharField) Type() FieldType     { return Char }
func (CheckboxField) Type() FieldType { return Checkbox }

func (f WordField) regions() []Region { return []Region{f.Region} }
func (f CharField) regions() []Region { return f.Regions }
func (f CheckboxField) regions() []Region {
	out := make([]Region, len(f.Boxes))
	for i, b := range f.Boxes {
		out[i] = b.Region
	}
	return out
}

// Field is one named field of a form schema.
type Field struct {
	Name       string
	RawType    string // spelling found in the document, echoed as field_type
	DataType   string
	Correction *Correction
	Kind       Kind
}

// Type returns the field's strategy.
func (f Field) Type() FieldType {
	return f.Kind.Type()
}

// Regions returns every region of the field in document order.
func (f Field) Regions() []Region {
	return f.Kind.regions()
}

// Pages returns the distinct pages the field reads, in first-seen order.
func (f Field) Pages() []int {
	var pages []int
	seen := make(map[int]bool)
	for _, r := range f.Regions() {
		if !seen[r.Page] {
			seen[r.Page] = true
			pages = append(pages, r.Page)
		}
	}
	return pages
}

func (f Field) String() string {
	return fmt.Sprintf("%s(%s)", f.Name, f.Type())
}
