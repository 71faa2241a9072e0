package gstgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/loopgrid/internal/grid"
	"github.com/e7canasta/loopgrid/internal/palindrome"
	"github.com/e7canasta/loopgrid/internal/pipeline"
)

var (
	// ErrNotAttached is returned when detaching an unknown branch.
	ErrNotAttached = errors.New("gstgraph: playback branch not attached")
	// ErrBranchSetup is returned when a playback branch cannot be built or
	// linked into the compositor. The graph itself is unaffected.
	ErrBranchSetup = errors.New("gstgraph: playback branch setup failed")
)

// playback is one appsrc branch feeding a compositor cell.
type playback struct {
	id       uint64
	cell     int
	src      *app.Source
	queue    *gst.Element
	convert  *gst.Element
	sinkPad  *gst.Pad
	seq      *palindrome.Sequencer
	interval time.Duration

	wanted atomic.Bool
	pushed atomic.Uint64
	stop   chan struct{}
	done   chan struct{}
}

func (p *playback) Cell() int  { return p.cell }
func (p *playback) ID() uint64 { return p.id }

func (p *playback) elements() []*gst.Element {
	return []*gst.Element{p.src.Element, p.queue, p.convert}
}

// Attach adds a playback branch for src at placement p.
func (g *Graph) Attach(ctx context.Context, p grid.Placement, src grid.PlaybackSource) (grid.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if src.Sequencer == nil {
		return nil, fmt.Errorf("gstgraph: cell %d: nil sequencer", p.Cell)
	}

	interval := src.Interval
	if interval <= 0 {
		interval = time.Second / time.Duration(g.cfg.FPS)
	}

	pb := &playback{
		id:       g.nextID.Add(1),
		cell:     p.Cell,
		seq:      src.Sequencer,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	prefix := fmt.Sprintf("playback-%d-%d", p.Cell, pb.id)

	appsrc, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("gstgraph: cell %d: failed to create appsrc: %w", p.Cell, err)
	}
	appsrc.SetProperty("name", prefix+"-src")
	appsrc.SetProperty("is-live", true)
	appsrc.SetProperty("do-timestamp", true)
	appsrc.SetProperty("format", gst.FormatTime)
	appsrc.SetCaps(gst.NewCapsFromString(fmt.Sprintf("%s,framerate=%d/1", src.Format.Caps(), g.cfg.FPS)))
	appsrc.SetCallbacks(&app.SourceCallbacks{
		NeedDataFunc:   func(_ *app.Source, _ uint) { pb.wanted.Store(true) },
		EnoughDataFunc: func(_ *app.Source) { pb.wanted.Store(false) },
	})
	pb.src = appsrc

	if pb.queue, err = newElement("queue", prefix+"-queue"); err != nil {
		return nil, err
	}
	pb.queue.SetProperty("max-size-buffers", uint(2))
	if pb.convert, err = newElement("videoconvert", prefix+"-convert"); err != nil {
		return nil, err
	}

	if err := g.pipeline.AddMany(pb.elements()...); err != nil {
		return nil, setupError(p.Cell, fmt.Errorf("add branch: %w", err))
	}
	if err := gst.ElementLinkMany(pb.elements()...); err != nil {
		g.removeBranch(pb)
		return nil, setupError(p.Cell, fmt.Errorf("link branch: %w", err))
	}

	pb.sinkPad = g.compositor.GetRequestPad("sink_%u")
	if pb.sinkPad == nil {
		g.removeBranch(pb)
		return nil, setupError(p.Cell, errors.New("compositor refused request pad"))
	}
	setPlacement(pb.sinkPad, p)
	if ret := pb.convert.GetStaticPad("src").Link(pb.sinkPad); ret != gst.PadLinkOK {
		g.compositor.ReleaseRequestPad(pb.sinkPad)
		g.removeBranch(pb)
		return nil, setupError(p.Cell, fmt.Errorf("link to compositor: %v", ret))
	}

	// Downstream first so the source never pushes into a stopped element
	for _, elem := range []*gst.Element{pb.convert, pb.queue, pb.src.Element} {
		if !elem.SyncStateWithParent() {
			from := fromGst(elem.GetState())
			g.unlink(pb)
			g.removeBranch(pb)
			return nil, branchStateError(p.Cell, from, g.CurrentState(),
				fmt.Errorf("%s failed to reach graph state", elem.GetName()))
		}
	}

	go pb.pace()

	g.mu.Lock()
	g.playbacks[p.Cell] = pb
	g.mu.Unlock()

	slog.Info("gstgraph: playback attached",
		"cell", p.Cell,
		"clip_id", src.ClipID,
		"frames", src.Sequencer.Len(),
		"interval", interval,
		"xpos", p.X,
		"ypos", p.Y,
		"zorder", p.ZOrder,
	)
	return pb, nil
}

func setupError(cell int, err error) error {
	return fmt.Errorf("%w: cell %d: %w", ErrBranchSetup, cell, err)
}

// branchStateError reports a branch that could not follow the graph to
// target. removeBranch has already dropped it to Null.
func branchStateError(cell int, from, target pipeline.State, err error) error {
	return &pipeline.StateError{
		Cell:     cell,
		From:     from,
		To:       target,
		Target:   target,
		Recovery: pipeline.RecoveryReset,
		Landed:   pipeline.StateNull,
		Err:      err,
	}
}

// pace pushes one frame per interval while the appsrc wants data.
func (pb *playback) pace() {
	defer close(pb.done)

	ticker := time.NewTicker(pb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pb.stop:
			return
		case <-ticker.C:
			if !pb.wanted.Load() {
				continue
			}
			if err := pb.pushNext(); err != nil {
				slog.Error("gstgraph: playback push failed", "cell", pb.cell, "error", err)
				pb.src.EndStream()
				return
			}
		}
	}
}

func (pb *playback) pushNext() error {
	frame, err := pb.seq.Next()
	if err != nil {
		return err
	}
	h, ok := frame.Handle.(*bufferHandle)
	if !ok {
		return fmt.Errorf("frame %d is not a GStreamer buffer", frame.Seq)
	}

	// Shallow copy: new metadata, same GPU memory
	out := h.buf.Copy()
	if ret := pb.src.PushBuffer(out); ret != gst.FlowOK {
		return fmt.Errorf("push returned %v", ret)
	}
	pb.pushed.Add(1)
	return nil
}

// Detach removes a playback branch. Data flow on the branch is blocked at
// the converter's src pad before it is unlinked from the compositor.
func (g *Graph) Detach(ctx context.Context, a grid.Attachment) error {
	pb, ok := a.(*playback)
	if !ok || pb == nil {
		return ErrNotAttached
	}

	g.mu.Lock()
	if cur, exists := g.playbacks[pb.cell]; !exists || cur != pb {
		g.mu.Unlock()
		return fmt.Errorf("%w: cell %d", ErrNotAttached, pb.cell)
	}
	delete(g.playbacks, pb.cell)
	g.mu.Unlock()

	srcPad := pb.convert.GetStaticPad("src")
	blocked := make(chan struct{})
	var once sync.Once
	probeID := srcPad.AddProbe(gst.PadProbeTypeBlockDownstream, func(_ *gst.Pad, _ *gst.PadProbeInfo) gst.PadProbeReturn {
		once.Do(func() { close(blocked) })
		return gst.PadProbeOK
	})

	timer := time.NewTimer(g.cfg.AttachTimeout)
	select {
	case <-blocked:
	case <-timer.C:
		// An idle branch never hits the probe; nothing is in flight
		slog.Debug("gstgraph: branch idle, detaching without block", "cell", pb.cell)
	case <-ctx.Done():
	}
	timer.Stop()

	close(pb.stop)
	<-pb.done

	g.unlink(pb)
	srcPad.RemoveProbe(probeID)
	g.removeBranch(pb)

	slog.Info("gstgraph: playback detached",
		"cell", pb.cell,
		"frames_pushed", pb.pushed.Load(),
	)
	return ctx.Err()
}

func (g *Graph) unlink(pb *playback) {
	if pb.sinkPad == nil {
		return
	}
	pb.convert.GetStaticPad("src").Unlink(pb.sinkPad)
	g.compositor.ReleaseRequestPad(pb.sinkPad)
	pb.sinkPad = nil
}

func (g *Graph) removeBranch(pb *playback) {
	for _, elem := range pb.elements() {
		if elem == nil {
			continue
		}
		elem.SetState(gst.StateNull)
		if err := g.pipeline.Remove(elem); err != nil {
			slog.Warn("gstgraph: failed to remove element", "element", elem.GetName(), "error", err)
		}
	}
}
