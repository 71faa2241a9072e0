package grid

import (
	"time"

	"github.com/e7canasta/loopgrid/internal/palindrome"
)

// Occupant kinds.
const (
	OccupantLive     = "live"
	OccupantPlayback = "playback"
	OccupantEmpty    = "empty"
)

// CellView is a read-only view of one cell.
type CellView struct {
	Cell     int       `json:"cell" msgpack:"cell"`
	Occupant string    `json:"occupant" msgpack:"occupant"`
	Key      int       `json:"key,omitempty" msgpack:"key,omitempty"`
	ClipID   string    `json:"clip_id,omitempty" msgpack:"clip_id,omitempty"`
	Frames   int       `json:"frames,omitempty" msgpack:"frames,omitempty"`
	PlacedAt time.Time `json:"placed_at,omitempty" msgpack:"placed_at,omitempty"`

	seq *palindrome.Sequencer
}

// Position returns the live playback index and direction.
func (c CellView) Position() (int, palindrome.Direction, bool) {
	if c.seq == nil {
		return 0, palindrome.Forward, false
	}
	return c.seq.Index(), c.seq.Direction(), true
}

// Snapshot is an immutable view of committed grid state.
type Snapshot struct {
	Cells    [Cells]CellView `json:"cells" msgpack:"cells"`
	Next     int             `json:"next_cell" msgpack:"next_cell"`
	Placed   uint64          `json:"placed" msgpack:"placed"`
	Evicted  uint64          `json:"evicted" msgpack:"evicted"`
	Failed   uint64          `json:"failed" msgpack:"failed"`
	Degraded uint64          `json:"degraded" msgpack:"degraded"`
}

// Occupied returns the number of playback cells with a clip.
func (s *Snapshot) Occupied() int {
	n := 0
	for _, c := range s.Cells {
		if c.Occupant == OccupantPlayback {
			n++
		}
	}
	return n
}

func (g *Grid) publish() {
	s := &Snapshot{
		Next:     g.next + 1,
		Placed:   g.placed,
		Evicted:  g.evicted,
		Failed:   g.failed,
		Degraded: g.degraded,
	}
	s.Cells[LiveCell] = CellView{Cell: LiveCell, Occupant: OccupantLive}
	for slot, occ := range g.ring {
		view := CellView{Cell: slot + 1, Occupant: OccupantEmpty}
		if occ != nil {
			view.Occupant = OccupantPlayback
			view.Key = occ.key
			view.ClipID = occ.clipID.String()
			view.Frames = occ.seq.Len()
			view.PlacedAt = occ.placedAt
			view.seq = occ.seq
		}
		s.Cells[slot+1] = view
	}
	g.snapshot.Store(s)
}

// Snapshot returns the last committed state. Safe from any goroutine.
func (g *Grid) Snapshot() *Snapshot {
	return g.snapshot.Load()
}
