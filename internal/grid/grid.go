// Package grid assigns completed clips to playback cells and manages their
// lifetime on the compositor.
//
// Cell 0 always shows the live feed. Cells 1..9 form a ring filled in
// completion order: the k-th completed clip lands in slot k mod 9 and evicts
// whatever was there. All mutating methods must be called from a single
// goroutine (the application event loop); Snapshot may be read from any
// goroutine.
package grid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/loopgrid/internal/media"
	"github.com/e7canasta/loopgrid/internal/palindrome"
	"github.com/e7canasta/loopgrid/internal/recording"
	"github.com/e7canasta/loopgrid/internal/ringbuffer"
)

// ErrAttachFailed is returned when a playback source could not be attached
// after all retries. The target cell is left empty.
var ErrAttachFailed = errors.New("grid: attach failed")

// PlaybackSource is everything the compositor needs to play one clip.
type PlaybackSource struct {
	Sequencer *palindrome.Sequencer
	Format    media.Format
	Interval  time.Duration
	ClipID    uuid.UUID
}

// Attachment identifies an attached source on the compositor. IDs are
// unique per compositor and never reused, so a fault raised by a detached
// source can be told apart from one raised by the cell's current occupant.
type Attachment interface {
	Cell() int
	ID() uint64
}

// Compositor attaches and detaches playback sources on the running graph.
// Both calls must only disturb the cell they target.
type Compositor interface {
	Attach(ctx context.Context, p Placement, src PlaybackSource) (Attachment, error)
	Detach(ctx context.Context, a Attachment) error
}

type occupant struct {
	key      int
	clipID   uuid.UUID
	buffer   *ringbuffer.Buffer
	seq      *palindrome.Sequencer
	att      Attachment
	placedAt time.Time
}

// Config configures a Grid.
type Config struct {
	Layout Layout
	// AttachRetries is the number of retries after a failed attach
	AttachRetries int
}

// Grid owns the nine playback slots.
type Grid struct {
	layout  Layout
	comp    Compositor
	retries int

	ring [Slots]*occupant
	next int

	placed   uint64
	evicted  uint64
	failed   uint64
	degraded uint64
	snapshot atomic.Pointer[Snapshot]
	now      func() time.Time
}

// New creates an empty grid.
func New(cfg Config, comp Compositor) (*Grid, error) {
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if comp == nil {
		return nil, fmt.Errorf("grid: compositor is required")
	}
	if cfg.AttachRetries < 0 {
		return nil, fmt.Errorf("grid: attach retries must be >= 0, got %d", cfg.AttachRetries)
	}

	g := &Grid{
		layout:  cfg.Layout,
		comp:    comp,
		retries: cfg.AttachRetries,
		now:     time.Now,
	}
	g.publish()
	return g, nil
}

// Layout returns the grid layout.
func (g *Grid) Layout() Layout { return g.layout }

// Next returns the slot the next completed clip will occupy (0-based).
func (g *Grid) Next() int { return g.next }

// Place puts a completed clip into the next cell, evicting the previous
// occupant. The grid takes ownership of c.Buffer in every case.
// The cursor advances even when the attach fails.
func (g *Grid) Place(ctx context.Context, c recording.Complete) (int, error) {
	slot := g.next
	cell := slot + 1
	g.next = (g.next + 1) % Slots
	defer g.publish()

	g.evict(ctx, slot, "replaced")

	seq, err := palindrome.New(c.Buffer)
	if err != nil {
		c.Buffer.Close()
		g.failed++
		return cell, fmt.Errorf("grid: cell %d: %w", cell, err)
	}

	src := PlaybackSource{
		Sequencer: seq,
		Format:    c.Buffer.Format(),
		Interval:  c.Buffer.Interval(),
		ClipID:    c.ClipID,
	}
	placement := g.layout.Place(cell)

	var att Attachment
	for attempt := 0; attempt <= g.retries; attempt++ {
		att, err = g.comp.Attach(ctx, placement, src)
		if err == nil {
			break
		}
		slog.Warn("grid: attach failed",
			"cell", cell,
			"key", c.Key,
			"attempt", attempt+1,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		c.Buffer.Close()
		g.failed++
		return cell, fmt.Errorf("%w: cell %d: %w", ErrAttachFailed, cell, err)
	}

	g.ring[slot] = &occupant{
		key:      c.Key,
		clipID:   c.ClipID,
		buffer:   c.Buffer,
		seq:      seq,
		att:      att,
		placedAt: g.now(),
	}
	g.placed++

	slog.Info("grid: clip placed",
		"cell", cell,
		"key", c.Key,
		"clip_id", c.ClipID,
		"frames", seq.Len(),
		"period", palindrome.Period(seq.Len()),
	)
	return cell, nil
}

// Degrade tears down a single faulted cell. Other cells are untouched and the
// cursor does not move. id names the attachment that raised the fault; a
// fault from an attachment that no longer owns the cell is ignored. id 0
// matches any occupant.
func (g *Grid) Degrade(ctx context.Context, cell int, id uint64) bool {
	if cell < 1 || cell > Slots {
		return false
	}
	occ := g.ring[cell-1]
	if occ == nil {
		return false
	}
	if id != 0 && occ.att.ID() != id {
		slog.Debug("grid: stale fault ignored",
			"cell", cell,
			"fault_id", id,
			"occupant_id", occ.att.ID(),
		)
		return false
	}
	g.evict(ctx, cell-1, "degraded")
	g.degraded++
	g.publish()
	return true
}

// Close detaches and frees every playback cell.
func (g *Grid) Close(ctx context.Context) {
	for slot := range g.ring {
		g.evict(ctx, slot, "shutdown")
	}
	g.publish()
}

// evict detaches the slot's source before freeing its sequencer and buffer.
func (g *Grid) evict(ctx context.Context, slot int, reason string) {
	occ := g.ring[slot]
	if occ == nil {
		return
	}
	g.ring[slot] = nil

	if err := g.comp.Detach(ctx, occ.att); err != nil {
		slog.Error("grid: detach failed",
			"cell", slot+1,
			"clip_id", occ.clipID,
			"error", err,
		)
	}
	occ.seq = nil
	occ.buffer.Close()

	if reason == "replaced" {
		g.evicted++
	}
	slog.Info("grid: cell cleared",
		"cell", slot+1,
		"key", occ.key,
		"clip_id", occ.clipID,
		"reason", reason,
		"played", g.now().Sub(occ.placedAt),
	)
}
