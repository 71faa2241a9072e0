package pipeline

import (
	"errors"
	"strings"

	"github.com/e7canasta/loopgrid/internal/arena"
)

var (
	// ErrDeviceDisconnect means the capture device went away and could not
	// be recovered within the retry budget.
	ErrDeviceDisconnect = errors.New("pipeline: capture device disconnected")
	// ErrAllocationFailure means the graph could not obtain GPU memory.
	ErrAllocationFailure = arena.ErrAllocationFailure
)

// ErrorCategory classifies runtime errors.
type ErrorCategory int

const (
	// ErrCategoryDevice covers capture device loss or open failures
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryAllocation covers GPU/buffer pool exhaustion
	ErrCategoryAllocation
	// ErrCategoryStream covers negotiation and data flow failures
	ErrCategoryStream
	// ErrCategoryUnknown covers everything else
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryAllocation:
		return "allocation"
	case ErrCategoryStream:
		return "stream"
	default:
		return "unknown"
	}
}

var (
	allocationKeywords = []string{
		"out of memory",
		"failed to allocate",
		"allocation",
		"could not allocate",
		"no free buffers",
		"buffer pool",
		"bufferpool",
	}
	deviceKeywords = []string{
		"no such device",
		"/dev/video",
		"v4l2",
		"device",
		"resource busy",
		"could not open",
		"disconnected",
		"permission denied",
		"cannot identify",
	}
	streamKeywords = []string{
		"not negotiated",
		"negotiation",
		"caps",
		"format",
		"internal data stream error",
		"data flow",
		"streaming stopped",
	}
)

// Classify categorizes an error from its message and debug string.
//
// Allocation is checked first because allocator messages often also name the
// device element. Device keywords come before stream keywords since a lost
// camera usually surfaces as a generic "streaming stopped" as well.
func Classify(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)
	switch {
	case containsAny(combined, allocationKeywords):
		return ErrCategoryAllocation
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	case containsAny(combined, streamKeywords):
		return ErrCategoryStream
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
