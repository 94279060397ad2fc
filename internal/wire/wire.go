// Package wire defines the JSON envelope exchanged with clients: events
// flowing out (init, output, resize, snapshot, exit) and commands
// flowing in (input, mouse, mouseclick, snapshot, resize). Both
// transports (internal/transport/stdio and internal/transport/http)
// encode and decode through these types.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/openterm/htd/internal/command"
	"github.com/openterm/htd/internal/session"
)

// EventType names one kind of outbound event.
type EventType string

const (
	EventInit     EventType = "init"
	EventOutput   EventType = "output"
	EventResize   EventType = "resize"
	EventSnapshot EventType = "snapshot"
	EventExit     EventType = "exit"
)

// Event is the outbound envelope: {"type": ..., "data": ...}.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// InitData is the payload of an "init" event.
type InitData struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
	PID  int `json:"pid"`
}

// OutputData is the payload of an "output" event: the UTF-8-lossy string
// of the raw bytes the child produced.
type OutputData struct {
	Seq string `json:"seq"`
}

// ResizeData is the payload of a "resize" event.
type ResizeData struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ExitData is the payload of an "exit" event. Signal is always present
// (possibly null) so consumers can rely on the key's existence.
type ExitData struct {
	Code   int32  `json:"code"`
	Signal *int32 `json:"signal"`
}

// EncodeEvent renders a session.Event as a wire Event with its typed
// payload marshaled into Data.
func EncodeEvent(ev session.Event) (Event, error) {
	var data any
	switch ev.Type {
	case session.EventInit:
		data = InitData{Cols: ev.Init.Cols, Rows: ev.Init.Rows, PID: ev.Init.PID}
	case session.EventOutput:
		data = OutputData{Seq: ev.Output.Seq}
	case session.EventResize:
		data = ResizeData{Cols: ev.Resize.Cols, Rows: ev.Resize.Rows}
	case session.EventSnapshot:
		data = ev.Snapshot
	case session.EventExit:
		data = ExitData{Code: ev.Exit.Code, Signal: ev.Exit.Signal}
	default:
		return Event{}, fmt.Errorf("wire: unknown event type %v", ev.Type)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: EventType(ev.Type.String()), Data: raw}, nil
}

// CommandEnvelope is the inbound JSON shape: {"type": ..., ...payload}.
// It is decoded once per line/frame and converted to a command.Command.
type CommandEnvelope struct {
	Type EventType `json:"type"`

	// Payload is used by "input": raw UTF-8 text, converted into a
	// single Standard input sequence.
	Payload string `json:"payload"`

	// Mouse is used by "mouse" and "mouseclick".
	Mouse *MousePayload `json:"mouse,omitempty"`

	// Resize is used by "resize".
	Resize *ResizeData `json:"resize,omitempty"`
}

// MousePayload is the JSON shape of a mouse command.
type MousePayload struct {
	Type      string `json:"type"` // "press", "release", "drag"
	Button    string `json:"button"`
	Row       int    `json:"row"`
	Col       int    `json:"col"`
	Shift     bool   `json:"shift"`
	Alt       bool   `json:"alt"`
	Control   bool   `json:"control"`
}

const (
	cmdTypeInput      = "input"
	cmdTypeMouse      = "mouse"
	cmdTypeMouseClick = "mouseclick"
	cmdTypeSnapshot   = "snapshot"
	cmdTypeResize     = "resize"
)

// DecodeCommand parses one CommandEnvelope into a command.Command.
// Malformed or unrecognized commands return an error; the caller is
// expected to log and drop them rather than treat them as fatal.
func DecodeCommand(env CommandEnvelope) (command.Command, error) {
	switch string(env.Type) {
	case cmdTypeInput:
		return command.Command{
			Kind:  command.KindInput,
			Input: []command.InputSeq{command.StandardSeq([]byte(env.Payload))},
		}, nil

	case cmdTypeMouse, cmdTypeMouseClick:
		if env.Mouse == nil {
			return command.Command{}, fmt.Errorf("wire: %q command missing mouse payload", env.Type)
		}
		me, err := decodeMouse(*env.Mouse)
		if err != nil {
			return command.Command{}, err
		}
		kind := command.KindMouse
		if string(env.Type) == cmdTypeMouseClick {
			kind = command.KindMouseClick
		}
		return command.Command{Kind: kind, Mouse: me}, nil

	case cmdTypeSnapshot:
		return command.Command{Kind: command.KindSnapshot}, nil

	case cmdTypeResize:
		if env.Resize == nil {
			return command.Command{}, fmt.Errorf("wire: resize command missing payload")
		}
		return command.Command{
			Kind: command.KindResize,
			Resize: command.Winsize{
				Cols: uint16(env.Resize.Cols),
				Rows: uint16(env.Resize.Rows),
			},
		}, nil

	default:
		return command.Command{}, fmt.Errorf("wire: unknown command type %q", env.Type)
	}
}

func decodeMouse(p MousePayload) (command.MouseEvent, error) {
	var typ command.MouseEventType
	switch p.Type {
	case "press", "":
		typ = command.MousePress
	case "release":
		typ = command.MouseRelease
	case "drag":
		typ = command.MouseDrag
	default:
		return command.MouseEvent{}, fmt.Errorf("wire: unknown mouse event type %q", p.Type)
	}

	var btn command.MouseButton
	switch p.Button {
	case "left", "":
		btn = command.ButtonLeft
	case "middle":
		btn = command.ButtonMiddle
	case "right":
		btn = command.ButtonRight
	case "wheelup":
		btn = command.ButtonWheelUp
	case "wheeldown":
		btn = command.ButtonWheelDown
	default:
		return command.MouseEvent{}, fmt.Errorf("wire: unknown mouse button %q", p.Button)
	}

	return command.MouseEvent{
		Type:   typ,
		Button: btn,
		Row:    p.Row,
		Col:    p.Col,
		Modifiers: command.MouseModifiers{
			Shift:   p.Shift,
			Alt:     p.Alt,
			Control: p.Control,
		},
	}, nil
}
