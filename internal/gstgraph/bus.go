package gstgraph

import (
	"strconv"
	"strings"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/loopgrid/internal/pipeline"
)

// Pop waits up to timeout for the next bus message the controller cares
// about. Other message types are skipped.
func (g *Graph) Pop(timeout time.Duration) *pipeline.Message {
	msg := g.pipeline.GetPipelineBus().TimedPop(timeout)
	if msg == nil {
		return nil
	}

	scope, cell, id := scopeOf(msg.Source())
	out := &pipeline.Message{Source: msg.Source(), Scope: scope, Cell: cell, ID: id}

	switch msg.Type() {
	case gst.MessageEOS:
		out.Kind = pipeline.MessageEOS

	case gst.MessageError:
		gerr := msg.ParseError()
		out.Kind = pipeline.MessageError
		out.Text = gerr.Error()
		out.Debug = gerr.DebugString()

	case gst.MessageWarning:
		gerr := msg.ParseWarning()
		out.Kind = pipeline.MessageWarning
		out.Text = gerr.Error()
		out.Debug = gerr.DebugString()

	case gst.MessageStateChanged:
		if msg.Source() != g.pipeline.GetName() {
			return nil
		}
		old, new := msg.ParseStateChanged()
		out.Kind = pipeline.MessageStateChanged
		out.Scope = pipeline.ScopeGraph
		out.Old = fromGst(old)
		out.New = fromGst(new)

	default:
		return nil
	}
	return out
}

// scopeOf maps an element name to the part of the graph it belongs to.
// Playback elements are named "playback-<cell>-<id>-<role>"; the attachment
// id is 0 when the name does not carry one.
func scopeOf(name string) (pipeline.Scope, int, uint64) {
	switch {
	case strings.HasPrefix(name, "playback-"):
		parts := strings.SplitN(name, "-", 4)
		cell, err := strconv.Atoi(parts[1])
		if err != nil {
			return pipeline.ScopeGraph, 0, 0
		}
		var id uint64
		if len(parts) >= 3 {
			id, _ = strconv.ParseUint(parts[2], 10, 64)
		}
		return pipeline.ScopeCell, cell, id
	case strings.HasPrefix(name, "capture-"):
		return pipeline.ScopeCapture, 0, 0
	default:
		return pipeline.ScopeGraph, 0, 0
	}
}
