package app

import (
	"time"

	"github.com/e7canasta/loopgrid/internal/config"
	"github.com/e7canasta/loopgrid/internal/grid"
	"github.com/e7canasta/loopgrid/internal/gstgraph"
	"github.com/e7canasta/loopgrid/internal/media"
)

// GStreamer builds the production media graph.
func GStreamer(cfg *config.Config, onFrame func(media.Frame)) (Media, error) {
	g, err := gstgraph.New(gstgraph.Config{
		SourceElement:     cfg.Capture.SourceElement,
		Device:            cfg.Capture.Device,
		Format:            formatOf(cfg),
		FPS:               cfg.Capture.FPS,
		Layout:            layoutOf(cfg),
		CompositorElement: cfg.Grid.CompositorElement,
		SinkElement:       cfg.Grid.SinkElement,
		AttachTimeout:     time.Duration(cfg.Grid.AttachTimeoutMS) * time.Millisecond,
		OnFrame:           onFrame,
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func layoutOf(cfg *config.Config) grid.Layout {
	return grid.Layout{
		Columns:    cfg.Grid.Columns,
		Rows:       cfg.Grid.Rows,
		CellWidth:  cfg.Grid.CellWidth,
		CellHeight: cfg.Grid.CellHeight,
	}
}

func formatOf(cfg *config.Config) media.Format {
	return media.Format{
		Width:  cfg.Capture.Width,
		Height: cfg.Capture.Height,
		Layout: cfg.Capture.Format,
	}
}
