package imaging

import (
	"encoding/json"
	"errors"
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackzampolin/formscan/internal/testutil"
)

func TestRectangle_JSON(t *testing.T) {
	var r Rectangle
	if err := json.Unmarshal([]byte(`[10, 20, 30, 40]`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r != Rect(10, 20, 30, 40) {
		t.Errorf("got %+v", r)
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != "[10,20,30,40]" {
		t.Errorf("expected [10,20,30,40], got %s", data)
	}

	for _, bad := range []string{`[1,2,3]`, `{"x":1}`, `[1,2,3,4,5]`, `"abc"`} {
		if err := json.Unmarshal([]byte(bad), &r); err == nil {
			t.Errorf("expected error for %s", bad)
		}
	}
}

func TestRectangle_Valid(t *testing.T) {
	tests := []struct {
		r    Rectangle
		want bool
	}{
		{Rect(0, 0, 1, 1), true},
		{Rect(-1, 0, 1, 1), false},
		{Rect(0, 0, 0, 5), false},
		{Rect(0, 0, 5, -1), false},
	}
	for _, tt := range tests {
		if got := tt.r.Valid(); got != tt.want {
			t.Errorf("%s.Valid() = %v, want %v", tt.r, got, tt.want)
		}
	}
}

func TestCrop(t *testing.T) {
	page := testutil.Page(100, 50, testutil.Gray(255), testutil.FillBox(10, 10, 20, 10, 0))

	t.Run("inside", func(t *testing.T) {
		got, err := Crop(page, Rect(10, 10, 20, 10))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Bounds().Dx() != 20 || got.Bounds().Dy() != 10 {
			t.Errorf("unexpected size %v", got.Bounds())
		}
	})

	t.Run("clipped to bounds", func(t *testing.T) {
		got, err := Crop(page, Rect(90, 40, 50, 50))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Bounds().Dx() != 10 || got.Bounds().Dy() != 10 {
			t.Errorf("unexpected size %v", got.Bounds())
		}
	})

	t.Run("outside", func(t *testing.T) {
		_, err := Crop(page, Rect(200, 200, 10, 10))
		if !errors.Is(err, ErrEmptyRegion) {
			t.Errorf("expected ErrEmptyRegion, got %v", err)
		}
	})

	t.Run("non sub-imager", func(t *testing.T) {
		got, err := Crop(plainImage{page}, Rect(10, 10, 20, 10))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		avg, _ := AverageBrightness(got)
		if avg != 0 {
			t.Errorf("expected black crop, got %v", avg)
		}
	})
}

// plainImage hides SubImage from Crop.
type plainImage struct{ image.Image }

func TestAverageBrightness(t *testing.T) {
	page := testutil.Page(40, 40, testutil.Gray(200),
		testutil.FillBox(0, 0, 10, 10, 150),
		testutil.FillBox(20, 0, 10, 10, 0),
	)

	tests := []struct {
		name string
		rect Rectangle
		want float64
	}{
		{"uniform dark", Rect(0, 0, 10, 10), 150},
		{"background", Rect(0, 20, 10, 10), 200},
		{"black is a value", Rect(20, 0, 10, 10), 0},
		{"half and half", Rect(0, 0, 10, 20), 175},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crop, err := Crop(page, tt.rect)
			if err != nil {
				t.Fatalf("crop: %v", err)
			}
			got, err := AverageBrightness(crop)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("empty image", func(t *testing.T) {
		_, err := AverageBrightness(image.NewNRGBA(image.Rect(0, 0, 0, 0)))
		if !errors.Is(err, ErrEmptyRegion) {
			t.Errorf("expected ErrEmptyRegion, got %v", err)
		}
	})
}

func TestFileDecoder(t *testing.T) {
	dir := t.TempDir()
	page := testutil.Page(8, 8, testutil.Gray(128))

	pngPath := filepath.Join(dir, "p.png")
	testutil.WritePNG(t, pngPath, page)
	jpgPath := filepath.Join(dir, "p.jpg")
	testutil.WriteFile(t, jpgPath, testutil.JPEG(t, page))

	for _, p := range []string{pngPath, jpgPath} {
		img, err := FileDecoder{}.Load(p)
		if err != nil {
			t.Fatalf("Load(%s): %v", p, err)
		}
		if img.Bounds().Dx() != 8 {
			t.Errorf("unexpected bounds %v", img.Bounds())
		}
	}

	t.Run("missing", func(t *testing.T) {
		_, err := FileDecoder{}.Load(filepath.Join(dir, "nope.png"))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("expected DecodeError, got %v", err)
		}
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("expected wrapped ErrNotExist, got %v", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.png")
		testutil.WriteFile(t, bad, []byte("not an image"))
		_, err := FileDecoder{}.Load(bad)
		if !IsDecodeError(err) {
			t.Errorf("expected DecodeError, got %v", err)
		}
	})
}

type countingDecoder struct {
	loads map[string]int
}

func (d *countingDecoder) Load(path string) (image.Image, error) {
	d.loads[path]++
	if path == "bad" {
		return nil, &DecodeError{Path: path, Err: errors.New("boom")}
	}
	return image.NewNRGBA(image.Rect(0, 0, 1, 1)), nil
}

func TestCachingDecoder(t *testing.T) {
	next := &countingDecoder{loads: map[string]int{}}
	c := NewCachingDecoder(next, 2)

	for i := 0; i < 3; i++ {
		if _, err := c.Load("a"); err != nil {
			t.Fatalf("load a: %v", err)
		}
	}
	if next.loads["a"] != 1 {
		t.Errorf("expected a decoded once, got %d", next.loads["a"])
	}

	// a, b, a, c: a was touched, so c evicts b.
	c.Load("b")
	c.Load("a")
	c.Load("c")
	if c.cached() != 2 {
		t.Errorf("expected 2 cached, got %d", c.cached())
	}
	c.Load("a")
	if next.loads["a"] != 1 {
		t.Errorf("expected a to stay cached, got %d loads", next.loads["a"])
	}
	c.Load("b")
	if next.loads["b"] != 2 {
		t.Errorf("expected b to be evicted and reloaded, got %d loads", next.loads["b"])
	}

	t.Run("errors not cached", func(t *testing.T) {
		c.Load("bad")
		c.Load("bad")
		if next.loads["bad"] != 2 {
			t.Errorf("expected 2 loads of bad, got %d", next.loads["bad"])
		}
	})

	t.Run("forget", func(t *testing.T) {
		c.Forget("b")
		c.Load("b")
		if next.loads["b"] != 3 {
			t.Errorf("expected reload after Forget, got %d", next.loads["b"])
		}
	})
}

func TestEncodePNG(t *testing.T) {
	page := testutil.Page(20, 20, testutil.Gray(10))
	data, err := CropPNG(page, Rect(0, 0, 5, 5))
	if err != nil {
		t.Fatalf("CropPNG: %v", err)
	}
	if len(data) < 8 || string(data[1:4]) != "PNG" {
		t.Errorf("expected PNG header")
	}
}
