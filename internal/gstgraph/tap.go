package gstgraph

import (
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/loopgrid/internal/media"
)

// bufferHandle is a media.Handle over a GStreamer buffer. The buffer's
// memory is never mapped.
type bufferHandle struct {
	buf *gst.Buffer
}

func (h *bufferHandle) Ref() media.Handle {
	return &bufferHandle{buf: h.buf.Ref()}
}

func (h *bufferHandle) Release() {
	h.buf.Unref()
}

// onNewSample runs on the tap's streaming thread. It takes a reference to the
// buffer and hands it off without copying pixels.
func (g *Graph) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstgraph: failed to pull sample from record tap, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstgraph: sample without buffer, skipping frame")
		return gst.FlowOK
	}

	frame := media.Frame{
		Handle: &bufferHandle{buf: buffer.Ref()},
		PTS:    time.Duration(buffer.PresentationTimestamp()),
		Format: g.cfg.Format,
		Seq:    g.frameSeq.Add(1),
	}
	g.tapped.Add(1)
	g.cfg.OnFrame(frame)
	return gst.FlowOK
}
