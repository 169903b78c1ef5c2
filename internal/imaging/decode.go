package imaging

import (
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	// Registered formats.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// DecodeError is returned when a page image cannot be read or decoded.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder loads page images from disk.
type Decoder interface {
	Load(path string) (image.Image, error)
}

// FileDecoder decodes jpeg, png, webp and gif files.
type FileDecoder struct{}

// Load opens and decodes the image at path.
func (FileDecoder) Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return img, nil
}

// DefaultCacheSize is the number of decoded pages a CachingDecoder keeps.
const DefaultCacheSize = 8

// CachingDecoder keeps recently decoded pages in memory so that multi-region
// fields decode each page once. Eviction is least recently used.
type CachingDecoder struct {
	next Decoder
	max  int

	mu    sync.Mutex
	items map[string]image.Image
	order []string // oldest first
}

// NewCachingDecoder wraps next. A nil next uses FileDecoder; size <= 0 uses DefaultCacheSize.
func NewCachingDecoder(next Decoder, size int) *CachingDecoder {
	if next == nil {
		next = FileDecoder{}
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &CachingDecoder{
		next:  next,
		max:   size,
		items: make(map[string]image.Image),
	}
}

// Load returns the cached image for path, decoding it on a miss.
// Failures are not cached.
func (c *CachingDecoder) Load(path string) (image.Image, error) {
	c.mu.Lock()
	if img, ok := c.items[path]; ok {
		c.touch(path)
		c.mu.Unlock()
		return img, nil
	}
	c.mu.Unlock()

	img, err := c.next.Load(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[path]; !ok {
		c.items[path] = img
		c.order = append(c.order, path)
		for len(c.order) > c.max {
			delete(c.items, c.order[0])
			c.order = c.order[1:]
		}
	}
	return img, nil
}

// Forget drops path from the cache. Call after the file on disk is replaced.
func (c *CachingDecoder) Forget(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[path]; !ok {
		return
	}
	delete(c.items, path)
	for i, p := range c.order {
		if p == path {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// cached returns the number of cached pages.
func (c *CachingDecoder) cached() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// touch moves path to the newest position. Must be called with lock held.
func (c *CachingDecoder) touch(path string) {
	for i, p := range c.order {
		if p == path {
			c.order = append(append(c.order[:i:i], c.order[i+1:]...), path)
			return
		}
	}
}

// IsDecodeError reports whether err came from loading an image.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
