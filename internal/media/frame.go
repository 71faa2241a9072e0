// Package media defines the frame value types shared by capture, recording
// and playback.
//
// Frame payloads live in GPU memory owned by the media runtime. Host code
// only ever moves a Handle plus metadata; it never maps or copies pixels.
package media

import (
	"fmt"
	"time"
)

// Handle is an opaque, reference counted reference to a GPU-resident frame.
//
// Ref returns a new reference to the same underlying memory; each reference
// must be released exactly once.
type Handle interface {
	Ref() Handle
	Release()
}

// Format describes the pixel layout of a frame.
type Format struct {
	Width  int
	Height int
	// Layout is the raw pixel format name (e.g. "BGRA", "NV12")
	Layout string
}

// Valid reports whether the format has positive dimensions and a layout.
func (f Format) Valid() bool {
	return f.Width > 0 && f.Height > 0 && f.Layout != ""
}

// Bytes returns the approximate size of a single frame in this format.
func (f Format) Bytes() int64 {
	bpp := int64(4)
	switch f.Layout {
	case "NV12", "I420", "YV12":
		// 12 bits per pixel
		return int64(f.Width) * int64(f.Height) * 3 / 2
	case "YUY2", "UYVY", "RGB16":
		bpp = 2
	case "RGB", "BGR":
		bpp = 3
	}
	return int64(f.Width) * int64(f.Height) * bpp
}

// Caps returns the raw video caps string for the format.
func (f Format) Caps() string {
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d", f.Layout, f.Width, f.Height)
}

func (f Format) String() string {
	return fmt.Sprintf("%dx%d/%s", f.Width, f.Height, f.Layout)
}

// Frame is a single captured video frame.
type Frame struct {
	// Handle references the GPU buffer holding the pixels
	Handle Handle
	// PTS is the presentation timestamp assigned by the capture clock
	PTS time.Duration
	// Format of the pixels behind Handle
	Format Format
	// Seq is the monotonic capture sequence number
	Seq uint64
}

// Retain returns a copy of the frame holding its own handle reference.
func (f Frame) Retain() Frame {
	if f.Handle != nil {
		f.Handle = f.Handle.Ref()
	}
	return f
}

// Release drops the frame's handle reference. Safe on a zero Frame.
func (f Frame) Release() {
	if f.Handle != nil {
		f.Handle.Release()
	}
}
