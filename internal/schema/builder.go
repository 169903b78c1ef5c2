package schema

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/jackzampolin/formscan/internal/imaging"
)

// TerminatorName marks the end of a region spec file.
const TerminatorName = "DUMMY"

// SpecField is one field parsed from a region spec.
type SpecField struct {
	Name       string
	Type       string
	Page       int
	DataType   string
	Correction *Correction
	Regions    []SpecRegion
	Line       int
}

// SpecRegion is one region line of a region spec.
type SpecRegion struct {
	Rect  imaging.Rectangle
	Entry string
	Line  int
}

var regionLine = regexp.MustCompile(`^(\d+) x (\d+) @ \((\d+), (\d+)\)(?::(.*))?$`)

// ParseRegionSpec reads the region authoring format:
//
//	name,type,page,data_type,correction_type:correction_details
//	W x H @ (X, Y)[:entry]
//	...
//	<blank line>
//
// A field line starts with a letter; a blank line closes the current field.
// A field named DUMMY ends the file.
func ParseRegionSpec(r io.Reader) ([]SpecField, error) {
	var (
		fields  []SpecField
		current *SpecField
		lineNo  int
	)
	flush := func() {
		if current != nil {
			fields = append(fields, *current)
			current = nil
		}
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")

		switch {
		case strings.TrimSpace(line) == "":
			flush()

		case unicode.IsLetter([]rune(line)[0]):
			flush()
			f, err := parseFieldLine(line, lineNo)
			if err != nil {
				return nil, err
			}
			if f.Name == TerminatorName {
				return fields, nil
			}
			current = &f

		default:
			if current == nil {
				return nil, fmt.Errorf("line %d: region outside of a field", lineNo)
			}
			region, err := parseRegionLine(strings.TrimSpace(line), lineNo)
			if err != nil {
				return nil, err
			}
			current.Regions = append(current.Regions, region)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read region spec: %w", err)
	}
	flush()
	return fields, nil
}

func parseFieldLine(line string, lineNo int) (SpecField, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 5 {
		return SpecField{}, fmt.Errorf("line %d: field line needs 5 comma separated parts, got %d", lineNo, len(parts))
	}
	f := SpecField{
		Name:     parts[0],
		Type:     parts[1],
		DataType: parts[3],
		Line:     lineNo,
	}
	if f.Name == TerminatorName {
		return f, nil
	}

	page, err := strconv.Atoi(parts[2])
	if err != nil || page < 1 {
		return SpecField{}, fmt.Errorf("line %d: page %q must be a positive number", lineNo, parts[2])
	}
	f.Page = page

	if _, ok := ParseFieldType(f.Type); !ok {
		return SpecField{}, fmt.Errorf("line %d: unknown field type %q", lineNo, f.Type)
	}

	corrType, details, _ := strings.Cut(parts[4], ":")
	if corrType != "" || details != "" {
		f.Correction = &Correction{Type: corrType, Details: details}
	}
	return f, nil
}

func parseRegionLine(line string, lineNo int) (SpecRegion, error) {
	m := regionLine.FindStringSubmatch(line)
	if m == nil {
		return SpecRegion{}, fmt.Errorf("line %d: region %q is not in 'W x H @ (X, Y)[:entry]' form", lineNo, line)
	}
	n := make([]int, 4)
	for i := range n {
		v, err := strconv.Atoi(m[i+1])
		if err != nil {
			return SpecRegion{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
		n[i] = v
	}
	return SpecRegion{
		Rect:  imaging.Rect(n[2], n[3], n[0], n[1]),
		Entry: strings.TrimSpace(m[5]),
		Line:  lineNo,
	}, nil
}

// BaselineFunc measures a checkbox on the blank form page.
type BaselineFunc func(ctx context.Context, page int, rect imaging.Rectangle) (float64, error)

// Build turns parsed spec fields into schema fields. Checkbox baselines come
// from baseline, which must use the same brightness measure as extraction.
func Build(ctx context.Context, spec []SpecField, baseline BaselineFunc) ([]Field, error) {
	fields := make([]Field, 0, len(spec))
	for _, sf := range spec {
		ft, ok := ParseFieldType(sf.Type)
		if !ok {
			return nil, fmt.Errorf("field %s (line %d): unknown field type %q", sf.Name, sf.Line, sf.Type)
		}
		if len(sf.Regions) == 0 {
			return nil, fmt.Errorf("field %s (line %d): no regions", sf.Name, sf.Line)
		}

		regions := make([]Region, len(sf.Regions))
		for i, sr := range sf.Regions {
			if !sr.Rect.Valid() {
				return nil, fmt.Errorf("field %s (line %d): invalid region %s", sf.Name, sr.Line, sr.Rect)
			}
			regions[i] = Region{Index: i, Rect: sr.Rect, Page: sf.Page}
		}

		f := Field{Name: sf.Name, RawType: sf.Type, DataType: sf.DataType, Correction: sf.Correction}
		switch ft {
		case Word:
			f.Kind = WordField{Region: regions[0]}
		case Char:
			f.Kind = CharField{Regions: regions}
		case Checkbox:
			boxes := make([]CheckboxRegion, len(regions))
			for i, r := range regions {
				entry := sf.Regions[i].Entry
				if entry == "" {
					return nil, fmt.Errorf("field %s (line %d): checkbox region needs an entry", sf.Name, sf.Regions[i].Line)
				}
				b, err := baseline(ctx, r.Page, r.Rect)
				if err != nil {
					return nil, fmt.Errorf("field %s (line %d): baseline: %w", sf.Name, sf.Regions[i].Line, err)
				}
				boxes[i] = CheckboxRegion{Region: r, Entry: entry, Brightness: b}
			}
			f.Kind = CheckboxField{Boxes: boxes}
		}
		fields = append(fields, f)
	}
	return fields, nil
}
