package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackzampolin/formscan/internal/imaging"
	"github.com/jackzampolin/formscan/internal/schema"
	"github.com/jackzampolin/formscan/internal/testutil"
)

// fakeSampler scripts text and brightness per rectangle.
type fakeSampler struct {
	texts      map[imaging.Rectangle]string
	textErrs   map[imaging.Rectangle]error
	brightness map[imaging.Rectangle]float64
	brightErr  error
	paths      []string
}

func (s *fakeSampler) RecognizeText(ctx context.Context, path string, rect imaging.Rectangle) (string, error) {
	s.paths = append(s.paths, path)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.textErrs[rect]; err != nil {
		return "", err
	}
	return s.texts[rect], nil
}

func (s *fakeSampler) AverageBrightness(ctx context.Context, path string, rect imaging.Rectangle) (float64, error) {
	s.paths = append(s.paths, path)
	if s.brightErr != nil {
		return 0, s.brightErr
	}
	return s.brightness[rect], nil
}

func pagePath(page int) string {
	return "/pages/u-" + string(rune('0'+page)) + ".png"
}

func newTestEngine(s Sampler, threshold float64) *Engine {
	return NewEngine(EngineConfig{Sampler: s, Threshold: threshold, Logger: testutil.Logger()})
}

func TestEngine_Word(t *testing.T) {
	rect := imaging.Rect(10, 10, 50, 20)
	s := &fakeSampler{texts: map[imaging.Rectangle]string{rect: "Nguyễn Văn A"}}
	f := schema.Field{
		Name:       "full_name",
		RawType:    "OCR_WORD",
		DataType:   "string",
		Correction: &schema.Correction{Type: "name"},
		Kind:       schema.WordField{Region: schema.Region{Rect: rect, Page: 2}},
	}

	entry, err := newTestEngine(s, 0).Run(context.Background(), f, pagePath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if entry.Name != "full_name" || entry.FieldType != "OCR_WORD" || entry.DataType != "string" {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.Text.IsList() || entry.Text.String() != "Nguyễn Văn A" {
		t.Errorf("unexpected text %q", entry.Text)
	}
	if entry.Correction == nil || entry.Correction.Type != "name" {
		t.Errorf("correction not carried through: %+v", entry.Correction)
	}
	if len(s.paths) != 1 || s.paths[0] != pagePath(2) {
		t.Errorf("expected page 2 to be read, got %v", s.paths)
	}
}

func TestEngine_Char(t *testing.T) {
	r := func(i int) schema.Region {
		return schema.Region{Index: i, Rect: imaging.Rect(100+30*i, 300, 30, 40), Page: 1}
	}
	s := &fakeSampler{
		texts: map[imaging.Rectangle]string{
			r(0).Rect: "1",
			r(1).Rect: "2\r",
			r(2).Rect: "3\n4",
			r(3).Rect: " \n",
		},
		textErrs: map[imaging.Rectangle]error{
			r(4).Rect: errors.New("engine hiccup"),
		},
	}
	f := schema.Field{
		Name:    "student_id",
		RawType: "CHAR",
		Kind:    schema.CharField{Regions: []schema.Region{r(0), r(1), r(2), r(3), r(4)}},
	}

	entry, err := newTestEngine(s, 0).Run(context.Background(), f, pagePath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := entry.Text.String()
	if got != "1234" {
		t.Errorf("expected %q, got %q", "1234", got)
	}
	if strings.ContainsAny(got, "\r\n") || strings.TrimRight(got, " \t") != got {
		t.Errorf("text has line breaks or trailing whitespace: %q", got)
	}
	if len(s.paths) != 5 {
		t.Errorf("expected every region to be read, got %d", len(s.paths))
	}
}

func TestEngine_Checkbox(t *testing.T) {
	box := func(i int, entry string, baseline float64) schema.CheckboxRegion {
		return schema.CheckboxRegion{
			Region:     schema.Region{Index: i, Rect: imaging.Rect(50, 50+40*i, 20, 20), Page: 1},
			Entry:      entry,
			Brightness: baseline,
		}
	}
	boxes := []schema.CheckboxRegion{
		box(0, "financial", 200),
		box(1, "health", 200),
		box(2, "family", 200),
		box(3, "other", 200),
	}
	f := schema.Field{Name: "reason", RawType: "CHECK_BOX", DataType: "list", Kind: schema.CheckboxField{Boxes: boxes}}

	tests := []struct {
		name      string
		threshold float64
		sampled   []float64
		want      []string
	}{
		{name: "darker and lighter", sampled: []float64{150, 210, 200, 255}, want: []string{"financial"}},
		{name: "none ticked", sampled: []float64{200, 201, 255, 199}, want: []string{}},
		{name: "threshold is strict", sampled: []float64{197, 196.9, 100, 0}, want: []string{"health", "family", "other"}},
		{name: "custom threshold", threshold: 60, sampled: []float64{150, 139, 0, 200}, want: []string{"health", "family"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSampler{brightness: make(map[imaging.Rectangle]float64)}
			for i, v := range tt.sampled {
				s.brightness[boxes[i].Rect] = v
			}
			entry, err := newTestEngine(s, tt.threshold).Run(context.Background(), f, pagePath)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !entry.Text.IsList() {
				t.Fatalf("expected a list, got %q", entry.Text)
			}
			got := entry.Text.Entries()
			if got == nil || strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("selected %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngine_CheckboxFailureIsFatal(t *testing.T) {
	s := &fakeSampler{brightErr: &imaging.DecodeError{Path: "x.jpg", Err: errors.New("bad data")}}
	f := schema.Field{Name: "reason", Kind: schema.CheckboxField{Boxes: []schema.CheckboxRegion{{
		Region: schema.Region{Rect: imaging.Rect(0, 0, 5, 5), Page: 1}, Entry: "a", Brightness: 200,
	}}}}

	_, err := newTestEngine(s, 0).Run(context.Background(), f, pagePath)
	if !imaging.IsDecodeError(err) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestEngine_CancelledIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &fakeSampler{}
	f := schema.Field{Name: "full_name", Kind: schema.WordField{Region: schema.Region{Rect: imaging.Rect(0, 0, 5, 5), Page: 1}}}
	if _, err := newTestEngine(s, 0).Run(ctx, f, pagePath); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEngine_WordFailureIsEmpty(t *testing.T) {
	rect := imaging.Rect(0, 0, 5, 5)
	s := &fakeSampler{textErrs: map[imaging.Rectangle]error{rect: context.DeadlineExceeded}}
	f := schema.Field{Name: "full_name", RawType: "WORD", Kind: schema.WordField{Region: schema.Region{Rect: rect, Page: 1}}}

	entry, err := newTestEngine(s, 0).Run(context.Background(), f, pagePath)
	if err != nil {
		t.Fatalf("a per-call timeout should not fail the field: %v", err)
	}
	if entry.Text.String() != "" || entry.Text.IsList() {
		t.Errorf("expected empty text, got %q", entry.Text)
	}
}
