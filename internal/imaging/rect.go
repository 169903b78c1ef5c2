package imaging

import (
	"encoding/json"
	"fmt"
	"image"
)

// Rectangle is an axis-aligned pixel region on a page image.
// It serializes as the four-element array [x, y, width, height].
type Rectangle struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Rect is shorthand for building a Rectangle.
func Rect(x, y, w, h int) Rectangle {
	return Rectangle{X: x, Y: y, Width: w, Height: h}
}

// Bounds converts the rectangle to image coordinates.
func (r Rectangle) Bounds() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Valid reports whether the rectangle has a non-negative origin and a positive size.
func (r Rectangle) Valid() bool {
	return r.X >= 0 && r.Y >= 0 && r.Width > 0 && r.Height > 0
}

func (r Rectangle) String() string {
	return fmt.Sprintf("[%d,%d,%d,%d]", r.X, r.Y, r.Width, r.Height)
}

// MarshalJSON encodes the rectangle as [x, y, width, height].
func (r Rectangle) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{r.X, r.Y, r.Width, r.Height})
}

// UnmarshalJSON decodes [x, y, width, height].
func (r *Rectangle) UnmarshalJSON(data []byte) error {
	var parts []int
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("region must be an array of 4 integers: %w", err)
	}
	if len(parts) != 4 {
		return fmt.Errorf("region must have 4 elements, got %d", len(parts))
	}
	*r = Rectangle{X: parts[0], Y: parts[1], Width: parts[2], Height: parts[3]}
	return nil
}
