// Package gstgraph builds and drives the GStreamer media graph.
//
// Topology:
//
//	capture ! capsfilter ! tee ─┬─ queue ! videoconvert ! compositor.sink_0 (cell 0)
//	                            └─ queue ! appsink (record tap)
//	playback-N: appsrc ! queue ! videoconvert ! compositor.sink_M (cells 1..9)
//	compositor ! capsfilter ! videoconvert ! presentation sink
//
// The graph is built once and kept Playing for the life of the process.
// Playback branches are attached and detached at runtime behind blocking pad
// probes so only the targeted cell is disturbed.
package gstgraph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/loopgrid/internal/grid"
	"github.com/e7canasta/loopgrid/internal/media"
	"github.com/e7canasta/loopgrid/internal/pipeline"
)

// Config describes the graph to build.
type Config struct {
	// SourceElement is the capture element factory (v4l2src, videotestsrc, ...)
	SourceElement string
	// Device is set as the source's "device" property when non-empty
	Device string
	Format media.Format
	FPS    int

	Layout            grid.Layout
	CompositorElement string
	SinkElement       string
	AttachTimeout     time.Duration

	// OnFrame receives every live frame from the record tap. It runs on a
	// streaming thread and must not block. It owns the frame's reference.
	OnFrame func(media.Frame)
}

func (c *Config) setDefaults() {
	if c.SourceElement == "" {
		c.SourceElement = "v4l2src"
	}
	if c.CompositorElement == "" {
		c.CompositorElement = "compositor"
	}
	if c.SinkElement == "" {
		c.SinkElement = "autovideosink"
	}
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = 2 * time.Second
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
}

// Graph is the running media graph. It implements pipeline.Runtime and
// grid.Compositor.
type Graph struct {
	cfg Config

	pipeline   *gst.Pipeline
	source     *gst.Element
	tee        *gst.Element
	compositor *gst.Element
	tap        *app.Sink

	mu        sync.Mutex
	playbacks map[int]*playback
	nextID    atomic.Uint64

	frameSeq atomic.Uint64
	tapped   atomic.Uint64
}

// CheckAvailable initialises GStreamer and verifies an element can be made.
func CheckAvailable() error {
	gst.Init(nil)

	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("gstgraph: GStreamer not available or not properly installed: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}

// New builds the graph in the Null state.
func New(cfg Config) (*Graph, error) {
	cfg.setDefaults()
	if !cfg.Format.Valid() {
		return nil, fmt.Errorf("gstgraph: invalid capture format %s", cfg.Format)
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if cfg.OnFrame == nil {
		return nil, fmt.Errorf("gstgraph: OnFrame callback is required")
	}
	if err := CheckAvailable(); err != nil {
		return nil, err
	}

	g := &Graph{cfg: cfg, playbacks: make(map[int]*playback)}
	if err := g.build(); err != nil {
		return nil, err
	}

	slog.Info("gstgraph: graph built",
		"source", cfg.SourceElement,
		"device", cfg.Device,
		"format", cfg.Format.String(),
		"fps", cfg.FPS,
		"output", fmt.Sprintf("%dx%d", cfg.Layout.Width(), cfg.Layout.Height()),
	)
	return g, nil
}

func (g *Graph) captureCaps() string {
	return fmt.Sprintf("%s,framerate=%d/1", g.cfg.Format.Caps(), g.cfg.FPS)
}

func newElement(factory, name string) (*gst.Element, error) {
	elem, err := gst.NewElementWithName(factory, name)
	if err != nil {
		return nil, fmt.Errorf("gstgraph: failed to create %s (%s): %w", name, factory, err)
	}
	return elem, nil
}

func (g *Graph) build() error {
	pl, err := gst.NewPipeline("loopgrid")
	if err != nil {
		return fmt.Errorf("gstgraph: failed to create pipeline: %w", err)
	}
	g.pipeline = pl

	source, err := newElement(g.cfg.SourceElement, "capture-src")
	if err != nil {
		return err
	}
	if g.cfg.Device != "" {
		source.SetProperty("device", g.cfg.Device)
	}
	if g.cfg.SourceElement == "videotestsrc" {
		source.SetProperty("is-live", true)
	}
	g.source = source

	captureFilter, err := newElement("capsfilter", "capture-caps")
	if err != nil {
		return err
	}
	captureFilter.SetProperty("caps", gst.NewCapsFromString(g.captureCaps()))

	tee, err := newElement("tee", "capture-tee")
	if err != nil {
		return err
	}
	g.tee = tee

	liveQueue, err := newElement("queue", "live-queue")
	if err != nil {
		return err
	}
	liveQueue.SetProperty("max-size-buffers", uint(2))
	liveQueue.SetProperty("leaky", 2) // downstream

	liveConvert, err := newElement("videoconvert", "live-convert")
	if err != nil {
		return err
	}

	tapQueue, err := newElement("queue", "tap-queue")
	if err != nil {
		return err
	}
	tapQueue.SetProperty("max-size-buffers", uint(2))
	tapQueue.SetProperty("leaky", 2)

	tap, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("gstgraph: failed to create appsink: %w", err)
	}
	tap.SetProperty("name", "record-tap")
	tap.SetProperty("sync", false)
	tap.SetProperty("max-buffers", uint(1))
	tap.SetProperty("drop", true)
	tap.SetCaps(gst.NewCapsFromString(g.cfg.Format.Caps()))
	tap.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: g.onNewSample,
	})
	g.tap = tap

	compositor, err := newElement(g.cfg.CompositorElement, "grid-compositor")
	if err != nil {
		return err
	}
	compositor.SetProperty("background", 1) // black
	g.compositor = compositor

	outFilter, err := newElement("capsfilter", "output-caps")
	if err != nil {
		return err
	}
	outFilter.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,width=%d,height=%d,framerate=%d/1",
		g.cfg.Layout.Width(), g.cfg.Layout.Height(), g.cfg.FPS,
	)))

	outConvert, err := newElement("videoconvert", "output-convert")
	if err != nil {
		return err
	}
	sink, err := newElement(g.cfg.SinkElement, "output-sink")
	if err != nil {
		return err
	}

	if err := pl.AddMany(source, captureFilter, tee, liveQueue, liveConvert,
		tapQueue, tap.Element, compositor, outFilter, outConvert, sink); err != nil {
		return fmt.Errorf("gstgraph: failed to add elements: %w", err)
	}

	if err := gst.ElementLinkMany(source, captureFilter, tee); err != nil {
		return fmt.Errorf("gstgraph: failed to link capture chain: %w", err)
	}
	if err := gst.ElementLinkMany(compositor, outFilter, outConvert, sink); err != nil {
		return fmt.Errorf("gstgraph: failed to link output chain: %w", err)
	}
	if err := gst.ElementLinkMany(liveQueue, liveConvert); err != nil {
		return fmt.Errorf("gstgraph: failed to link live chain: %w", err)
	}
	if err := tapQueue.Link(tap.Element); err != nil {
		return fmt.Errorf("gstgraph: failed to link record tap: %w", err)
	}

	if err := linkTee(tee, liveQueue); err != nil {
		return err
	}
	if err := linkTee(tee, tapQueue); err != nil {
		return err
	}

	livePad := compositor.GetRequestPad("sink_%u")
	if livePad == nil {
		return fmt.Errorf("gstgraph: compositor refused live pad")
	}
	setPlacement(livePad, g.cfg.Layout.Place(grid.LiveCell))
	if ret := liveConvert.GetStaticPad("src").Link(livePad); ret != gst.PadLinkOK {
		return fmt.Errorf("gstgraph: failed to link live cell: %v", ret)
	}
	return nil
}

func linkTee(tee, queue *gst.Element) error {
	teePad := tee.GetRequestPad("src_%u")
	if teePad == nil {
		return fmt.Errorf("gstgraph: tee refused request pad")
	}
	if ret := teePad.Link(queue.GetStaticPad("sink")); ret != gst.PadLinkOK {
		return fmt.Errorf("gstgraph: failed to link tee to %s: %v", queue.GetName(), ret)
	}
	return nil
}

func setPlacement(pad *gst.Pad, p grid.Placement) {
	pad.SetProperty("xpos", p.X)
	pad.SetProperty("ypos", p.Y)
	pad.SetProperty("width", p.Width)
	pad.SetProperty("height", p.Height)
	pad.SetProperty("zorder", uint(p.ZOrder))
}

// SetState moves the whole pipeline to s.
func (g *Graph) SetState(s pipeline.State) error {
	if err := g.pipeline.SetState(toGst(s)); err != nil {
		return fmt.Errorf("gstgraph: set state %s: %w", s, err)
	}
	return nil
}

// CurrentState returns the pipeline's current state.
func (g *Graph) CurrentState() pipeline.State {
	return fromGst(g.pipeline.GetState())
}

// RestartSource cycles the capture element through Null so a replugged
// device is reopened. The rest of the graph stays as it is.
func (g *Graph) RestartSource(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.source.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstgraph: stop capture source: %w", err)
	}
	if !g.source.SyncStateWithParent() {
		return fmt.Errorf("gstgraph: capture source %q failed to resume", g.cfg.Device)
	}
	slog.Info("gstgraph: capture source restarted", "device", g.cfg.Device)
	return nil
}

// Tapped returns the number of frames delivered by the record tap.
func (g *Graph) Tapped() uint64 {
	return g.tapped.Load()
}

// Close stops the pipeline. Playback branches must already be detached.
func (g *Graph) Close() {
	g.mu.Lock()
	n := len(g.playbacks)
	g.mu.Unlock()
	if n > 0 {
		slog.Warn("gstgraph: closing with attached playback branches", "count", n)
	}
	g.pipeline.SetState(gst.StateNull)
}

func toGst(s pipeline.State) gst.State {
	switch s {
	case pipeline.StateReady:
		return gst.StateReady
	case pipeline.StatePaused:
		return gst.StatePaused
	case pipeline.StatePlaying:
		return gst.StatePlaying
	default:
		return gst.StateNull
	}
}

func fromGst(s gst.State) pipeline.State {
	switch s {
	case gst.StateReady:
		return pipeline.StateReady
	case gst.StatePaused:
		return pipeline.StatePaused
	case gst.StatePlaying:
		return pipeline.StatePlaying
	default:
		return pipeline.StateNull
	}
}
