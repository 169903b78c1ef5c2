package schema

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackzampolin/formscan/internal/home"
	"github.com/jackzampolin/formscan/internal/imaging"
)

// CropRegions writes every region of fields to {outDir}/{TYPE}/{name}_{index}.png
// so schema coordinates can be checked by eye. pagePath maps a page number to
// the page image to crop from. It returns the number of files written.
func CropRegions(ctx context.Context, fields []Field, pagePath func(page int) string, images imaging.Decoder, outDir string) (int, error) {
	if images == nil {
		images = imaging.NewCachingDecoder(nil, 0)
	}
	written := 0
	for _, f := range fields {
		if err := home.ValidateSegment("field name", f.Name); err != nil {
			return written, err
		}
		typeDir := filepath.Join(outDir, f.RawType)
		if f.RawType == "" {
			typeDir = filepath.Join(outDir, string(f.Type()))
		}
		if err := os.MkdirAll(typeDir, 0o755); err != nil {
			return written, fmt.Errorf("create %s: %w", typeDir, err)
		}

		for _, r := range f.Regions() {
			if err := ctx.Err(); err != nil {
				return written, err
			}
			img, err := images.Load(pagePath(r.Page))
			if err != nil {
				return written, err
			}
			data, err := imaging.CropPNG(img, r.Rect)
			if err != nil {
				return written, fmt.Errorf("field %s region %d: %w", f.Name, r.Index, err)
			}
			out := filepath.Join(typeDir, fmt.Sprintf("%s_%d.png", f.Name, r.Index))
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return written, fmt.Errorf("write %s: %w", out, err)
			}
			written++
		}
	}
	return written, nil
}
