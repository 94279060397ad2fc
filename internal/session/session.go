// Package session owns the single source of truth for one terminal run:
// the screen emulator, the child's pid and current size, and the set of
// subscribers watching it. State lives behind a mutex and events fan out
// through a bounded channel per subscriber, so a slow or dead client can
// be dropped without stalling anyone else.
package session

import (
	"fmt"
	"strings"
	"sync"

	"github.com/openterm/htd/internal/command"
	"github.com/openterm/htd/internal/termscreen"
)

// EventType discriminates the Event tagged union.
type EventType int

const (
	EventInit EventType = iota
	EventOutput
	EventResize
	EventSnapshot
	EventExit
)

// String names an EventType the way wire.EncodeEvent expects.
func (t EventType) String() string {
	switch t {
	case EventInit:
		return "init"
	case EventOutput:
		return "output"
	case EventResize:
		return "resize"
	case EventSnapshot:
		return "snapshot"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// InitEvent is emitted once, first, to every subscriber.
type InitEvent struct {
	Cols int
	Rows int
	PID  int
}

// OutputEvent carries a chunk of child output, lossily decoded to a
// valid UTF-8 string so it survives JSON encoding.
type OutputEvent struct {
	Seq string
}

// ResizeEvent announces a new PTY size.
type ResizeEvent struct {
	Cols int
	Rows int
}

// ExitEvent announces the child's final status.
type ExitEvent struct {
	Code   int32
	Signal *int32
}

// Event is one item in a subscriber's stream. Exactly one of the typed
// fields is meaningful, selected by Type.
type Event struct {
	Type     EventType
	Init     InitEvent
	Output   OutputEvent
	Resize   ResizeEvent
	Snapshot termscreen.Snapshot
	Exit     ExitEvent
}

// subscriberQueueSize bounds each subscriber's outbound buffer. A
// subscriber that falls this far behind is dropped rather than allowed
// to backpressure the whole session.
const subscriberQueueSize = 256

// ValidEventNames are the event type names a Filter may name.
var ValidEventNames = []string{"init", "output", "resize", "snapshot", "exit"}

// Filter is the set of event type names (EventType.String() values) a
// subscriber wants delivered. A nil Filter means "deliver everything" —
// used by transports (SSH attach, HTTP/WebSocket) that have no notion of
// a per-client subscription of their own. A non-nil Filter, including an
// empty one, only delivers the named types; this is how --subscribe is
// enforced for the stdio transport, and it is applied before a dropped
// event is ever enqueued so an unsubscribed client costs nothing per
// event.
type Filter map[string]bool

func (f Filter) allows(name string) bool {
	if f == nil {
		return true
	}
	return f[name]
}

// ParseFilter parses a comma-separated list of event names into a
// Filter. An empty string yields an empty, non-nil Filter — "subscribed
// to nothing" — distinct from a nil Filter's "subscribed to everything".
func ParseFilter(csv string) (Filter, error) {
	out := make(Filter)
	if csv == "" {
		return out, nil
	}

	valid := make(map[string]bool, len(ValidEventNames))
	for _, name := range ValidEventNames {
		valid[name] = true
	}

	for _, name := range strings.Split(csv, ",") {
		name = strings.TrimSpace(name)
		if !valid[name] {
			return nil, fmt.Errorf("unknown subscribe event %q", name)
		}
		out[name] = true
	}
	return out, nil
}

// Session is the single owner of screen and size state for one child run.
// All access is serialized through mu; the event loop is the only writer,
// but Snapshot/Subscribe may be called from transport goroutines.
type Session struct {
	mu sync.Mutex

	emu  termscreen.Emulator
	pid  int
	cols int
	rows int

	subs map[int]*subscriber
	next int
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// New creates a Session wrapping a freshly constructed screen emulator of
// the given size for pid.
func New(pid int, size command.Winsize, emu termscreen.Emulator) *Session {
	return &Session{
		emu:  emu,
		pid:  pid,
		cols: int(size.Cols),
		rows: int(size.Rows),
		subs: make(map[int]*subscriber),
	}
}

// Output feeds child bytes into the emulator and broadcasts an Output
// event to every subscriber.
func (s *Session) Output(data []byte) {
	s.mu.Lock()
	_, _ = s.emu.Write(data)
	s.broadcastLocked(Event{Type: EventOutput, Output: OutputEvent{Seq: toValidUTF8(data)}})
	s.mu.Unlock()
}

// Resize updates the emulator's dimensions and broadcasts a Resize event.
func (s *Session) Resize(size command.Winsize) {
	s.mu.Lock()
	s.cols = int(size.Cols)
	s.rows = int(size.Rows)
	s.emu.Resize(s.cols, s.rows)
	s.broadcastLocked(Event{Type: EventResize, Resize: ResizeEvent{Cols: s.cols, Rows: s.rows}})
	s.mu.Unlock()
}

// Exit broadcasts the child's final status. Callers should stop calling
// any other Session method afterward.
func (s *Session) Exit(code int32, signal *int32) {
	s.mu.Lock()
	s.broadcastLocked(Event{Type: EventExit, Exit: ExitEvent{Code: code, Signal: signal}})
	s.mu.Unlock()
}

// BroadcastSnapshot pushes a fresh full-screen Snapshot event to every
// subscriber, used for the explicit Snapshot command.
func (s *Session) BroadcastSnapshot() {
	s.mu.Lock()
	snap := s.emu.Snapshot()
	s.broadcastLocked(Event{Type: EventSnapshot, Snapshot: snap})
	s.mu.Unlock()
}

// Size returns the current {cols, rows}.
func (s *Session) Size() command.Winsize {
	s.mu.Lock()
	defer s.mu.Unlock()
	return command.Winsize{Cols: uint16(s.cols), Rows: uint16(s.rows)}
}

// CursorKeyAppMode reports the emulator's current DECCKM state, read at
// the moment of the call so input dispatch always sees a fresh value.
func (s *Session) CursorKeyAppMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emu.CursorKeyAppMode()
}

// Snapshot returns a one-off full-screen dump without involving the
// subscriber fan-out, used to answer a direct HTTP GET /snapshot.
func (s *Session) Snapshot() termscreen.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emu.Snapshot()
}

// Subscribe registers a new subscriber and returns its event stream,
// filtered to the event types named in filter (nil means every type).
// The stream's first item is an Init event carrying the session's
// current size and pid, immediately followed (on the same call, before
// any live broadcast can interleave) by a Snapshot event — both subject
// to filter like any other event — which is what gives every subscriber
// a prefix-consistent view: nothing broadcast after Subscribe returns
// can be observed before the bootstrap events it already queued.
//
// unsubscribe must be called exactly once, when the caller is done
// reading, to release the subscriber slot.
func (s *Session) Subscribe(filter Filter) (stream <-chan Event, unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, subscriberQueueSize)
	id := s.next
	s.next++
	s.subs[id] = &subscriber{ch: ch, filter: filter}

	if filter.allows(EventInit.String()) {
		ch <- Event{Type: EventInit, Init: InitEvent{Cols: s.cols, Rows: s.rows, PID: s.pid}}
	}
	if filter.allows(EventSnapshot.String()) {
		ch <- Event{Type: EventSnapshot, Snapshot: s.emu.Snapshot()}
	}

	return ch, func() { s.unsubscribe(id) }
}

// CloseAll closes every subscriber's channel, ending any range over its
// stream. Callers must only invoke this once the session has nothing
// left to broadcast (after Exit), so a closed stream never races a
// pending send — otherwise a subscriber could be told its stream is
// done while an event it should have seen is still in flight.
func (s *Session) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
}

func (s *Session) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		close(sub.ch)
		delete(s.subs, id)
	}
}

// broadcastLocked must be called with mu held. Subscribers whose filter
// does not include ev.Type never see it enqueued at all, so an
// unsubscribed client costs nothing per event. A subscriber whose queue
// is full is dropped immediately rather than blocking the session or
// losing ordering for everyone else.
func (s *Session) broadcastLocked(ev Event) {
	for id, sub := range s.subs {
		if !sub.filter.allows(ev.Type.String()) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			close(sub.ch)
			delete(s.subs, id)
		}
	}
}

// toValidUTF8 converts bytes to a string lossily: invalid sequences
// become U+FFFD rather than failing.
func toValidUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
