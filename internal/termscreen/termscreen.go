// Package termscreen adapts github.com/hinshun/vt10x, a VT100/xterm
// emulator, behind the narrow interface the session state needs: feed
// bytes in, read cursor-key mode and a snapshot back out. The event
// loop and session never import vt10x directly; everything they need
// about "what the screen currently looks like" flows through this
// interface.
package termscreen

import (
	"io"

	"github.com/hinshun/vt10x"
)

// Cell is one character cell of a snapshot.
type Cell struct {
	Char rune `json:"char"`
	FG   int  `json:"fg"`
	BG   int  `json:"bg"`
}

// Cursor is the emulator's current cursor position and visibility.
type Cursor struct {
	X       int  `json:"x"`
	Y       int  `json:"y"`
	Visible bool `json:"visible"`
}

// Snapshot is a self-contained dump of the current screen, sufficient for
// a fresh client to render without replaying history.
type Snapshot struct {
	Cols   int      `json:"cols"`
	Rows   int      `json:"rows"`
	Cells  [][]Cell `json:"cells"`
	Cursor Cursor   `json:"cursor"`
}

// Emulator is the narrow contract the session state relies on.
type Emulator interface {
	// Write feeds raw child output bytes into the emulator.
	Write(p []byte) (int, error)

	// Resize changes the emulator's screen dimensions.
	Resize(cols, rows int)

	// Size returns the emulator's current dimensions.
	Size() (cols, rows int)

	// CursorKeyAppMode reports whether the terminal is currently in
	// cursor-key application mode (DECCKM), which changes which bytes
	// arrow-key input sequences should send.
	CursorKeyAppMode() bool

	// Snapshot synthesizes a full-screen dump of current state.
	Snapshot() Snapshot
}

// vt10xEmulator implements Emulator on top of vt10x.Terminal.
type vt10xEmulator struct {
	term vt10x.Terminal
}

// New creates an Emulator sized cols x rows. w receives any bytes the
// emulator itself must write back to the terminal (DSR/CPR responses);
// the caller decides how those responses reach the child.
func New(cols, rows int, w io.Writer) Emulator {
	term := vt10x.New(vt10x.WithSize(cols, rows), vt10x.WithWriter(w))
	return &vt10xEmulator{term: term}
}

func (e *vt10xEmulator) Write(p []byte) (int, error) {
	return e.term.Write(p)
}

func (e *vt10xEmulator) Resize(cols, rows int) {
	e.term.Resize(cols, rows)
}

func (e *vt10xEmulator) Size() (int, int) {
	return e.term.Size()
}

func (e *vt10xEmulator) CursorKeyAppMode() bool {
	return e.term.Mode()&vt10x.ModeAppCursor != 0
}

func (e *vt10xEmulator) Snapshot() Snapshot {
	cols, rows := e.term.Size()
	cells := make([][]Cell, rows)
	for y := 0; y < rows; y++ {
		row := make([]Cell, cols)
		for x := 0; x < cols; x++ {
			g := e.term.Cell(x, y)
			row[x] = Cell{Char: g.Char, FG: int(g.FG), BG: int(g.BG)}
		}
		cells[y] = row
	}

	cur := e.term.Cursor()
	return Snapshot{
		Cols:  cols,
		Rows:  rows,
		Cells: cells,
		Cursor: Cursor{
			X:       cur.X,
			Y:       cur.Y,
			Visible: e.term.CursorVisible(),
		},
	}
}
