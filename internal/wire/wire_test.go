package wire

import (
	"encoding/json"
	"testing"

	"github.com/openterm/htd/internal/command"
	"github.com/openterm/htd/internal/session"
)

func TestEncodeEventOutput(t *testing.T) {
	ev := session.Event{Type: session.EventOutput, Output: session.OutputEvent{Seq: "hi"}}
	wireEv, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wireEv.Type != EventOutput {
		t.Fatalf("type = %v, want %v", wireEv.Type, EventOutput)
	}

	var data OutputData
	if err := json.Unmarshal(wireEv.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.Seq != "hi" {
		t.Fatalf("seq = %q, want %q", data.Seq, "hi")
	}
}

func TestEncodeEventExitWithSignal(t *testing.T) {
	sig := int32(9)
	ev := session.Event{Type: session.EventExit, Exit: session.ExitEvent{Code: 137, Signal: &sig}}
	wireEv, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var data ExitData
	if err := json.Unmarshal(wireEv.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.Code != 137 || data.Signal == nil || *data.Signal != 9 {
		t.Fatalf("got %+v, want code=137 signal=9", data)
	}
}

func TestDecodeCommandInput(t *testing.T) {
	env := CommandEnvelope{Type: "input", Payload: "hello"}
	cmd, err := DecodeCommand(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != command.KindInput {
		t.Fatalf("kind = %v, want KindInput", cmd.Kind)
	}
	got := command.SeqsToBytes(cmd.Input, false)
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestDecodeCommandMouse(t *testing.T) {
	env := CommandEnvelope{
		Type: "mouse",
		Mouse: &MousePayload{
			Type:   "press",
			Button: "left",
			Row:    3,
			Col:    4,
		},
	}
	cmd, err := DecodeCommand(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != command.KindMouse {
		t.Fatalf("kind = %v, want KindMouse", cmd.Kind)
	}
	if cmd.Mouse.Row != 3 || cmd.Mouse.Col != 4 {
		t.Fatalf("mouse = %+v, want row=3 col=4", cmd.Mouse)
	}
}

func TestDecodeCommandResize(t *testing.T) {
	env := CommandEnvelope{Type: "resize", Resize: &ResizeData{Cols: 100, Rows: 50}}
	cmd, err := DecodeCommand(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != command.KindResize || cmd.Resize.Cols != 100 || cmd.Resize.Rows != 50 {
		t.Fatalf("got %+v, want resize 100x50", cmd)
	}
}

func TestDecodeCommandUnknownType(t *testing.T) {
	env := CommandEnvelope{Type: "bogus"}
	if _, err := DecodeCommand(env); err == nil {
		t.Fatal("expected error for unknown command type")
	}
}

func TestDecodeCommandMouseMissingPayload(t *testing.T) {
	env := CommandEnvelope{Type: "mouse"}
	if _, err := DecodeCommand(env); err == nil {
		t.Fatal("expected error for mouse command with no payload")
	}
}
