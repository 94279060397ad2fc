// Package stdio implements the default htd transport: newline-delimited
// JSON events written to stdout, newline-delimited JSON commands read
// from stdin.
package stdio

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/openterm/htd/internal/eventloop"
	"github.com/openterm/htd/internal/session"
	"github.com/openterm/htd/internal/wire"
)

// Transport serves one subscriber over stdin/stdout.
type Transport struct {
	log *slog.Logger
	in  io.Reader
	out io.Writer
}

// New creates a stdio Transport reading commands from in and writing
// events to out.
func New(log *slog.Logger, in io.Reader, out io.Writer) *Transport {
	return &Transport{log: log, in: in, out: out}
}

// ServeCommands reads newline-delimited JSON commands from stdin and
// dispatches each to loop, until stdin reaches EOF (or an unrecoverable
// read error), at which point it closes stdinClosed.
func (t *Transport) ServeCommands(loop *eventloop.Loop, stdinClosed chan<- struct{}) {
	defer close(stdinClosed)

	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env wire.CommandEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			t.log.Warn("stdio: malformed command", "error", err)
			continue
		}

		cmd, err := wire.DecodeCommand(env)
		if err != nil {
			t.log.Warn("stdio: invalid command", "error", err)
			continue
		}

		loop.Dispatch(cmd)
	}

	if err := scanner.Err(); err != nil {
		t.log.Warn("stdio: read error", "error", err)
	}
}

// ServeEvents subscribes to loop with filter (the parsed --subscribe set)
// and writes every admitted event to stdout as a newline-delimited JSON
// object. filter is applied by the session itself before an event is
// ever enqueued for this subscriber, not by discarding it here on
// receipt. ServeEvents returns as soon as it writes an "exit" event,
// since that is always the last event a subscriber can be delivered;
// when exit itself is filtered out, it returns once the loop closes the
// stream at shutdown. Callers that need to know the stream has been
// fully flushed (e.g. before process exit) can block on ServeEvents
// returning.
func (t *Transport) ServeEvents(loop *eventloop.Loop, filter session.Filter) {
	stream, cancel, ok := loop.Subscribe(filter)
	if !ok {
		t.log.Warn("stdio: subscription refused, loop already shutting down")
		return
	}
	defer cancel()

	enc := json.NewEncoder(t.out)

	for ev := range stream {
		wireEv, err := wire.EncodeEvent(ev)
		if err != nil {
			t.log.Warn("stdio: failed to encode event", "error", err)
			continue
		}
		if err := enc.Encode(wireEv); err != nil {
			t.log.Warn("stdio: write error", "error", err)
			return
		}
		if ev.Type == session.EventExit {
			return
		}
	}
}
