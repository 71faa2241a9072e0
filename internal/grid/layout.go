package grid

import "fmt"

// Cells is the total number of grid cells, the live feed included.
const Cells = 10

// LiveCell is the cell permanently showing the live feed.
const LiveCell = 0

// Slots is the number of playback cells (1..9) assigned cyclically.
const Slots = Cells - 1

// Layout maps cell indices to output coordinates.
type Layout struct {
	Columns    int
	Rows       int
	CellWidth  int
	CellHeight int
}

// DefaultLayout is five columns by two rows of 320x180 cells.
func DefaultLayout() Layout {
	return Layout{Columns: 5, Rows: 2, CellWidth: 320, CellHeight: 180}
}

// Validate checks the layout can hold every cell.
func (l Layout) Validate() error {
	if l.Columns < 1 || l.Rows < 1 {
		return fmt.Errorf("grid: layout needs at least one row and column, got %dx%d", l.Columns, l.Rows)
	}
	if l.Columns*l.Rows < Cells {
		return fmt.Errorf("grid: layout %dx%d holds %d cells, need %d", l.Columns, l.Rows, l.Columns*l.Rows, Cells)
	}
	if l.CellWidth < 1 || l.CellHeight < 1 {
		return fmt.Errorf("grid: invalid cell size %dx%d", l.CellWidth, l.CellHeight)
	}
	return nil
}

// Width returns the composited output width.
func (l Layout) Width() int { return l.Columns * l.CellWidth }

// Height returns the composited output height.
func (l Layout) Height() int { return l.Rows * l.CellHeight }

// Placement is where a source is drawn on the composited output.
type Placement struct {
	Cell   int
	X      int
	Y      int
	Width  int
	Height int
	ZOrder int
}

// Place returns the placement for cell.
func (l Layout) Place(cell int) Placement {
	return Placement{
		Cell:   cell,
		X:      (cell % l.Columns) * l.CellWidth,
		Y:      (cell / l.Columns) * l.CellHeight,
		Width:  l.CellWidth,
		Height: l.CellHeight,
		ZOrder: cell,
	}
}
