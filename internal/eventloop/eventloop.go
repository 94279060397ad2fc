// Package eventloop runs the single cooperative select loop that owns a
// terminal run end to end: pumping child output into the session,
// dispatching inbound commands, and admitting new subscribers, all from
// one goroutine, so the loop is the only writer of session state.
// Every source other than the child's exit is latched
// off when it closes rather than ending the loop; only the reaped child
// terminates a session.
package eventloop

import (
	"log/slog"

	"github.com/openterm/htd/internal/command"
	"github.com/openterm/htd/internal/ptydriver"
	"github.com/openterm/htd/internal/session"
)

// subscribeRequest is how a transport asks the loop to register a new
// client without reaching into Session directly from another goroutine
// mid-dispatch — Session.Subscribe is safe to call concurrently, but
// routing it through the loop keeps serving_new_clients enforceable as a
// single flag the loop alone consults.
type subscribeRequest struct {
	filter session.Filter
	reply  chan<- subscribeReply
}

type subscribeReply struct {
	stream <-chan session.Event
	cancel func()
	ok     bool
}

// Loop is the running state for one child's lifetime.
type Loop struct {
	log *slog.Logger

	sess   *session.Session
	driver *ptydriver.Driver

	inputTx  chan<- []byte
	outputRx <-chan []byte

	commands  chan command.Command
	subscribe chan subscribeRequest
	stopped   chan struct{}
	apiDone   <-chan struct{}

	inputOpen bool
}

// New wires a Loop around an already-spawned Driver and its Session. The
// caller retains the inputTx/outputRx pair used to talk to the driver;
// Run takes ownership of reading outputRx and writing inputTx from here
// on.
func New(log *slog.Logger, sess *session.Session, driver *ptydriver.Driver, inputTx chan<- []byte, outputRx <-chan []byte) *Loop {
	return &Loop{
		log:       log,
		sess:      sess,
		driver:    driver,
		inputTx:   inputTx,
		outputRx:  outputRx,
		commands:  make(chan command.Command, 1024),
		subscribe: make(chan subscribeRequest),
		stopped:   make(chan struct{}),
		inputOpen: true,
	}
}

// Dispatch enqueues a command for the loop to act on. Safe to call from
// any transport goroutine; has no effect once the loop has exited.
func (l *Loop) Dispatch(cmd command.Command) {
	select {
	case l.commands <- cmd:
	default:
		l.log.Warn("command queue full, dropping command")
	}
}

// Subscribe registers a new client through the loop, so admission can be
// refused once the loop is shutting down (serving_new_clients latched
// false). filter is forwarded to Session.Subscribe verbatim (nil means
// every event type). ok is false if the loop is no longer accepting
// subscribers.
func (l *Loop) Subscribe(filter session.Filter) (stream <-chan session.Event, cancel func(), ok bool) {
	reply := make(chan subscribeReply, 1)
	select {
	case l.subscribe <- subscribeRequest{filter: filter, reply: reply}:
	case <-l.stopped:
		return nil, nil, false
	}

	select {
	case r := <-reply:
		return r.stream, r.cancel, r.ok
	case <-l.stopped:
		return nil, nil, false
	}
}

// WatchAPI registers the done channel of an auxiliary transport task
// (the HTTP/WebSocket listener). The loop notes the task ending but
// keeps running: the child, not the API, decides when the session is
// over. Must be called before Run.
func (l *Loop) WatchAPI(done <-chan struct{}) {
	l.apiDone = done
}

// Run drives the loop until the child has been reaped, at which point it
// returns the child's exit status. Each admission flag is a plain local
// boolean (or a channel nilled out), latched off and never reset — once
// a source finishes, the branch it guards is permanently skipped, which
// is what lets closed stdin, a dead API task, or a drained output
// channel fall silently out of the select without ending the session or
// busy-looping on a closed channel.
func (l *Loop) Run(stdinClosed <-chan struct{}) ptydriver.ExitStatus {
	childAlive := true
	servingNewClients := true

	var finalStatus ptydriver.ExitStatus
	done := l.driver.Done()

	for childAlive {
		select {
		case status, ok := <-done:
			if ok {
				finalStatus = status
			}
			// The driver's Done() channel only resolves after its run
			// loop has returned and the child has been reaped, meaning
			// it has already stopped sending to outputRx for good. Any
			// bytes still sitting in that buffered channel are the last
			// output the child ever produced, and a subscriber must see
			// them before exit, never after — exit is always the final
			// event on a stream. So they are fed to the session now,
			// while the branch can still observe them, rather than left
			// for drainTail to discover once exit has already been
			// broadcast.
			l.drainPendingOutput()
			childAlive = false
			servingNewClients = false
			l.sess.Exit(finalStatus.Code, finalStatus.Signal)

		case out, ok := <-l.outputRx:
			if !ok {
				// Output ended before the child was reaped. Mask the
				// branch (a nil channel never becomes ready) and keep
				// looping until the exit branch fires.
				l.outputRx = nil
				continue
			}
			l.sess.Output(out)

		case cmd := <-l.commands:
			l.handleCommand(cmd)

		case <-stdinClosed:
			// The stdio command source ended. Masking the branch is all
			// that happens: other transports may still be feeding
			// commands, and a closed stdin must never tear the session
			// down. stdinClosed is a closed channel; without disarming
			// the case it would fire on every iteration, and a nil
			// channel blocks forever in a select, which is exactly
			// "permanently skip".
			stdinClosed = nil

		case req := <-l.subscribe:
			l.admit(req, servingNewClients)

		case <-l.apiDone:
			l.log.Warn("api transport ended; session continues until the child exits")
			l.apiDone = nil
		}
	}

	// Drain any subscribe requests still in flight so a client racing the
	// shutdown still gets a reply (refused, since serving_new_clients is
	// already latched false) instead of blocking on a loop that has
	// stopped reading l.subscribe. Output is deliberately not drained
	// here: anything already folded into the session before Exit above
	// was the child's last word, and nothing may be resurrected after
	// the terminal event.
	l.drainTail()

	// Every subscriber has already seen exit (or been filtered from ever
	// seeing it); closing every stream now is what lets a transport whose
	// --subscribe excludes exit still notice the session is over, instead
	// of ranging over its channel forever.
	l.sess.CloseAll()

	// The driver has already resolved, so nothing is reading inputTx
	// anymore; closing it releases the channel and stops sendInput from
	// queueing bytes no one will consume.
	if l.inputOpen {
		l.inputOpen = false
		close(l.inputTx)
	}

	close(l.stopped)

	return finalStatus
}

// drainPendingOutput feeds every chunk already buffered in l.outputRx
// into the session, without blocking, so it is observed before the exit
// event this call always precedes.
func (l *Loop) drainPendingOutput() {
	for {
		select {
		case out, ok := <-l.outputRx:
			if !ok {
				return
			}
			l.sess.Output(out)
		default:
			return
		}
	}
}

func (l *Loop) drainTail() {
	for {
		select {
		case req := <-l.subscribe:
			l.admit(req, false)
		default:
			return
		}
	}
}

func (l *Loop) admit(req subscribeRequest, servingNewClients bool) {
	if !servingNewClients {
		req.reply <- subscribeReply{ok: false}
		return
	}
	stream, cancel := l.sess.Subscribe(req.filter)
	req.reply <- subscribeReply{stream: stream, cancel: cancel, ok: true}
}

func (l *Loop) handleCommand(cmd command.Command) {
	switch cmd.Kind {
	case command.KindInput:
		appMode := l.sess.CursorKeyAppMode()
		bytes := command.SeqsToBytes(cmd.Input, appMode)
		l.sendInput(bytes)

	case command.KindMouse:
		l.warnIfMouseOutOfRange(cmd.Mouse)
		l.sendInput(command.MouseToBytes(cmd.Mouse))

	case command.KindMouseClick:
		l.warnIfMouseOutOfRange(cmd.Mouse)
		l.sendInput(command.MouseClickToBytes(cmd.Mouse))

	case command.KindSnapshot:
		l.sess.BroadcastSnapshot()

	case command.KindResize:
		l.sess.Resize(cmd.Resize)
		if err := l.driver.Resize(cmd.Resize); err != nil {
			l.log.Warn("resize failed", "error", err)
		}

	default:
		l.log.Warn("unknown command kind", "kind", cmd.Kind)
	}
}

// warnIfMouseOutOfRange logs, but never rejects, a mouse coordinate
// outside the session's current window: the terminal's own clamping
// governs, this just surfaces the oddity.
func (l *Loop) warnIfMouseOutOfRange(e command.MouseEvent) {
	size := l.sess.Size()
	if e.Row < 1 || e.Row > int(size.Rows) || e.Col < 1 || e.Col > int(size.Cols) {
		l.log.Warn("mouse coordinates out of range", "row", e.Row, "col", e.Col, "cols", size.Cols, "rows", size.Rows)
	}
}

// sendInput forwards command bytes to the PTY input channel. The send
// must not block: between the driver's pump ending and its Done firing
// there is a window where nothing reads inputTx, and a blocking send
// here would wedge the loop right as it should be delivering the exit
// event. The channel is deep enough that the full case only means the
// child has stopped consuming input altogether.
func (l *Loop) sendInput(b []byte) {
	if len(b) == 0 || !l.inputOpen {
		return
	}
	select {
	case l.inputTx <- b:
	default:
		l.log.Warn("input channel full, dropping input")
	}
}
