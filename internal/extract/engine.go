package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/jackzampolin/formscan/internal/imaging"
	"github.com/jackzampolin/formscan/internal/schema"
)

// DefaultThreshold is how much darker than its blank-form baseline a
// checkbox must sample to count as ticked.
const DefaultThreshold = 3.0

// Sampler reads text and brightness from regions of page images.
type Sampler interface {
	RecognizeText(ctx context.Context, imagePath string, rect imaging.Rectangle) (string, error)
	AverageBrightness(ctx context.Context, imagePath string, rect imaging.Rectangle) (float64, error)
}

// PageResolver maps a 1-based page number to its image on disk.
type PageResolver func(page int) string

// EngineConfig configures an Engine.
type EngineConfig struct {
	Sampler   Sampler
	Threshold float64 // <= 0 uses DefaultThreshold
	Logger    *slog.Logger
}

// Engine extracts one field at a time using the field's strategy.
type Engine struct {
	sampler   Sampler
	threshold float64
	logger    *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{sampler: cfg.Sampler, threshold: cfg.Threshold, logger: cfg.Logger}
}

// Run extracts field f. Failed text recognition leaves that region's text
// empty; failed brightness sampling and cancellation of ctx are errors.
func (e *Engine) Run(ctx context.Context, f schema.Field, pages PageResolver) (Entry, error) {
	entry := Entry{
		Name:       f.Name,
		FieldType:  f.RawType,
		DataType:   f.DataType,
		Correction: f.Correction,
	}
	if entry.FieldType == "" {
		entry.FieldType = string(f.Type())
	}

	switch k := f.Kind.(type) {
	case schema.WordField:
		text, err := e.recognize(ctx, f, k.Region, pages)
		if err != nil {
			return Entry{}, err
		}
		entry.Text = String(text)

	case schema.CharField:
		var b strings.Builder
		for _, r := range k.Regions {
			text, err := e.recognize(ctx, f, r, pages)
			if err != nil {
				return Entry{}, err
			}
			b.WriteString(stripLineBreaks(text))
		}
		entry.Text = String(strings.TrimRightFunc(b.String(), unicode.IsSpace))

	case schema.CheckboxField:
		selected := []string{}
		for _, box := range k.Boxes {
			sampled, err := e.sampler.AverageBrightness(ctx, pages(box.Page), box.Rect)
			if err != nil {
				return Entry{}, fmt.Errorf("checkbox %q region %d: %w", box.Entry, box.Index, err)
			}
			ticked := box.Brightness-sampled > e.threshold
			e.logger.Debug("checkbox sampled",
				"field", f.Name,
				"entry", box.Entry,
				"baseline", box.Brightness,
				"sampled", sampled,
				"selected", ticked)
			if ticked {
				selected = append(selected, box.Entry)
			}
		}
		entry.Text = List(selected...)

	default:
		return Entry{}, fmt.Errorf("unsupported field kind %T", f.Kind)
	}
	return entry, nil
}

// recognize returns "" for a failed region unless ctx itself is done.
func (e *Engine) recognize(ctx context.Context, f schema.Field, r schema.Region, pages PageResolver) (string, error) {
	text, err := e.sampler.RecognizeText(ctx, pages(r.Page), r.Rect)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	e.logger.Warn("text recognition failed, using empty text",
		"field", f.Name,
		"region", r.Index,
		"page", r.Page,
		"error", err)
	return "", nil
}

var lineBreaks = strings.NewReplacer("\r", "", "\n", "")

func stripLineBreaks(s string) string {
	return lineBreaks.Replace(s)
}
