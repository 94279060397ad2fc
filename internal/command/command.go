// Package command defines the control-plane command set accepted by the
// event loop and the byte-level serialization of input and mouse events.
package command

import "fmt"

// Kind discriminates the Command tagged union. Go has no native sum
// types, so Command carries a Kind plus the fields relevant to it.
type Kind int

const (
	KindInput Kind = iota
	KindMouse
	KindMouseClick
	KindSnapshot
	KindResize
)

// Command is one inbound instruction for the event loop.
type Command struct {
	Kind Kind

	// Input carries the sequences for KindInput.
	Input []InputSeq

	// Mouse carries the event for KindMouse and KindMouseClick.
	Mouse MouseEvent

	// Resize carries the target size for KindResize.
	Resize Winsize
}

// Winsize is the {cols, rows} pair reported to the PTY slave.
type Winsize struct {
	Cols uint16
	Rows uint16
}

// InputSeq is either a Standard byte sequence, sent verbatim, or a Cursor
// sequence whose bytes depend on the terminal's cursor-key application mode
// at the moment of dispatch.
type InputSeq struct {
	// Standard holds the bytes for a plain sequence. Cursor holds
	// {normal, application} bytes for a cursor-key sequence. Exactly one
	// of Standard or (Normal/Application) is meaningful, selected by IsCursor.
	IsCursor    bool
	Standard    []byte
	Normal      []byte
	Application []byte
}

// StandardSeq builds a Standard input sequence.
func StandardSeq(b []byte) InputSeq {
	return InputSeq{Standard: b}
}

// CursorSeq builds a Cursor input sequence with its two variants.
func CursorSeq(normal, application []byte) InputSeq {
	return InputSeq{IsCursor: true, Normal: normal, Application: application}
}

// SeqsToBytes concatenates the wire bytes for seqs, resolving each Cursor
// sequence against appMode (cursor-key application mode) at the instant of
// the call — callers must read appMode at dispatch time, not at enqueue
// time, since it can change between the two.
func SeqsToBytes(seqs []InputSeq, appMode bool) []byte {
	var out []byte
	for _, s := range seqs {
		if s.IsCursor {
			if appMode {
				out = append(out, s.Application...)
			} else {
				out = append(out, s.Normal...)
			}
			continue
		}
		out = append(out, s.Standard...)
	}
	return out
}

// MouseEventType is the kind of mouse action.
type MouseEventType int

const (
	MousePress MouseEventType = iota
	MouseRelease
	MouseDrag
)

// MouseButton identifies which button (or wheel direction) moved.
type MouseButton int

const (
	ButtonLeft MouseButton = iota
	ButtonMiddle
	ButtonRight
	ButtonWheelUp
	ButtonWheelDown
)

// MouseModifiers are the held modifier keys.
type MouseModifiers struct {
	Shift   bool
	Alt     bool
	Control bool
}

// MouseEvent describes a single mouse action at a 1-based (Row, Col).
type MouseEvent struct {
	Type      MouseEventType
	Button    MouseButton
	Row, Col  int
	Modifiers MouseModifiers
}

// MouseToBytes serializes a MouseEvent per the SGR mouse protocol:
// ESC [ < btn ; col ; row (M|m).
func MouseToBytes(e MouseEvent) []byte {
	btn := baseButtonCode(e.Button)

	if e.Modifiers.Shift {
		btn += 4
	}
	if e.Modifiers.Alt {
		btn += 8
	}
	if e.Modifiers.Control {
		btn += 16
	}
	if e.Type == MouseDrag {
		btn += 32
	}

	suffix := byte('M')
	if e.Type == MouseRelease {
		suffix = 'm'
	}

	return []byte(fmt.Sprintf("\x1b[<%d;%d;%d%c", btn, e.Col, e.Row, suffix))
}

func baseButtonCode(b MouseButton) int {
	switch b {
	case ButtonLeft:
		return 0
	case ButtonMiddle:
		return 1
	case ButtonRight:
		return 2
	case ButtonWheelUp:
		return 64
	case ButtonWheelDown:
		return 65
	default:
		return 0
	}
}

// MouseClickToBytes returns the two back-to-back SGR sequences — Press
// then Release, same coordinates and modifiers — for a MouseClick command.
func MouseClickToBytes(e MouseEvent) []byte {
	press := e
	press.Type = MousePress
	release := e
	release.Type = MouseRelease

	out := MouseToBytes(press)
	out = append(out, MouseToBytes(release)...)
	return out
}
