package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackzampolin/formscan/internal/acquire"
)

// Stage names the pipeline step an extraction failed in.
type Stage string

const (
	StageAcquisition Stage = "acquisition"
	StageSchema      Stage = "schema"
	StageRecognition Stage = "recognition"
	StagePersist     Stage = "persist"
)

// ErrNoImages is returned for a request without image URLs.
var ErrNoImages = errors.New("no image urls")

// Error is the single failure an extraction reports. Field and URL are set
// when the failure can be pinned to one.
type Error struct {
	Stage Stage
	Field string
	URL   string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "extraction failed during %s", e.Stage)
	if e.Field != "" {
		fmt.Fprintf(&b, " (field %s)", e.Field)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, " (url %s)", e.URL)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// StageOf returns the stage of an extraction failure.
func StageOf(err error) (Stage, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage, true
	}
	return "", false
}

// IsRetryable reports whether running the same request again may succeed
// without changing anything: a page download failed for a reason other than
// the caller cancelling.
func IsRetryable(err error) bool {
	if stage, ok := StageOf(err); !ok || stage != StageAcquisition {
		return false
	}
	var de *acquire.DownloadError
	if !errors.As(err, &de) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
