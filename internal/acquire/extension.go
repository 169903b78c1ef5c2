package acquire

import (
	"net/url"
	"regexp"
	"strings"
)

// Extension is a page image file extension without the leading dot.
type Extension string

const (
	JPG  Extension = "jpg"
	JPEG Extension = "jpeg"
	PNG  Extension = "png"
	WEBP Extension = "webp"
)

// Extensions lists the supported extensions in detection order.
var Extensions = []Extension{JPG, JPEG, PNG, WEBP}

// DefaultExtension is used when the first URL carries no recognizable extension.
const DefaultExtension = JPG

var extPattern = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|webp)$`)

// ParseExtension accepts a known extension in any case, with or without a dot.
func ParseExtension(s string) (Extension, bool) {
	s = strings.ToLower(strings.TrimPrefix(s, "."))
	switch Extension(s) {
	case JPG, JPEG, PNG, WEBP:
		return Extension(s), true
	}
	return "", false
}

// ExtensionFromURL returns the extension at the end of the URL path.
// Query string and fragment are ignored.
func ExtensionFromURL(raw string) (Extension, bool) {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	} else if i := strings.IndexAny(raw, "?#"); i >= 0 {
		p = raw[:i]
	}
	m := extPattern.FindStringSubmatch(p)
	if m == nil {
		return "", false
	}
	return Extension(strings.ToLower(m[1])), true
}

// ResolveExtension picks the extension for a whole submission from its first URL.
// It returns fallback and false when the first URL has no known extension.
func ResolveExtension(urls []string, fallback Extension) (Extension, bool) {
	if fallback == "" {
		fallback = DefaultExtension
	}
	if len(urls) == 0 {
		return fallback, false
	}
	if ext, ok := ExtensionFromURL(urls[0]); ok {
		return ext, true
	}
	return fallback, false
}
