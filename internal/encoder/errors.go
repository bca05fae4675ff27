package encoder

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies pipeline errors for logs and alerts
type ErrorCategory int

const (
	// ErrCategoryDevice indicates a camera that is missing, busy or unplugged
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryCodec indicates encoder or caps negotiation failures
	ErrCategoryCodec
	// ErrCategoryResource indicates memory or buffer pool exhaustion
	ErrCategoryResource
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryResource:
		return "resource"
	default:
		return "unknown"
	}
}

// ClassifyGStreamerError categorizes a pipeline error. go-gst's GError does
// not expose its domain, so classification relies on the message text.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return Classify(gerr.Error(), gerr.DebugString())
}

// Classify categorizes an error from its message and debug text
func Classify(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)

	switch {
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, resourceKeywords):
		return ErrCategoryResource
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	default:
		return ErrCategoryUnknown
	}
}

var codecKeywords = []string{
	"codec",
	"encode",
	"not negotiated",
	"negotiation",
	"caps",
	"h264",
	"x264",
	"missing plugin",
	"no element",
}

var resourceKeywords = []string{
	"out of memory",
	"cannot allocate",
	"buffer pool",
	"no space",
}

var deviceKeywords = []string{
	"device",
	"/dev/video",
	"v4l2",
	"libcamera",
	"busy",
	"no such file",
	"permission denied",
	"could not open",
	"resource",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
