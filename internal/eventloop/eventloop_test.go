package eventloop

import (
	"bytes"
	"log/slog"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/openterm/htd/internal/command"
	"github.com/openterm/htd/internal/ptydriver"
	"github.com/openterm/htd/internal/session"
	"github.com/openterm/htd/internal/termscreen"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

// modeEmu is a termscreen.Emulator whose cursor-key mode the test can
// flip between dispatches.
type modeEmu struct {
	cols, rows int
	appMode    bool
}

func (m *modeEmu) Write(p []byte) (int, error) { return len(p), nil }
func (m *modeEmu) Resize(cols, rows int)       { m.cols, m.rows = cols, rows }
func (m *modeEmu) Size() (int, int)            { return m.cols, m.rows }
func (m *modeEmu) CursorKeyAppMode() bool      { return m.appMode }
func (m *modeEmu) Snapshot() termscreen.Snapshot {
	return termscreen.Snapshot{Cols: m.cols, Rows: m.rows}
}

// TestInputCursorSeqResolvedAtDispatch: a Cursor sequence picks its
// bytes from the emulator's mode at the moment the command is handled,
// not when it was built, so the same command yields different bytes
// either side of a mode flip.
func TestInputCursorSeqResolvedAtDispatch(t *testing.T) {
	inputTx := make(chan []byte, 8)
	outputRx := make(chan []byte, 8)

	emu := &modeEmu{cols: 80, rows: 24}
	sess := session.New(1, command.Winsize{Cols: 80, Rows: 24}, emu)
	loop := New(discardLogger(), sess, nil, inputTx, outputRx)

	up := command.Command{
		Kind:  command.KindInput,
		Input: []command.InputSeq{command.CursorSeq([]byte("\x1b[A"), []byte("\x1bOA"))},
	}

	loop.handleCommand(up)
	if got := <-inputTx; string(got) != "\x1b[A" {
		t.Fatalf("normal mode bytes = %q, want %q", got, "\x1b[A")
	}

	emu.appMode = true
	loop.handleCommand(up)
	if got := <-inputTx; string(got) != "\x1bOA" {
		t.Fatalf("application mode bytes = %q, want %q", got, "\x1bOA")
	}
}

func TestRunEndsWithChildExitStatus(t *testing.T) {
	inputTx := make(chan []byte, 8)
	outputRx := make(chan []byte, 64)

	size := command.Winsize{Cols: 80, Rows: 24}
	pid, driver, err := ptydriver.Spawn("exit 7", size, inputTx, outputRx)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	var sink bytes.Buffer
	emu := termscreen.New(80, 24, &sink)
	sess := session.New(pid, size, emu)

	loop := New(discardLogger(), sess, driver, inputTx, outputRx)

	stdinClosed := make(chan struct{})
	close(stdinClosed)

	resultCh := make(chan ptydriver.ExitStatus, 1)
	go func() { resultCh <- loop.Run(stdinClosed) }()

	select {
	case status := <-resultCh:
		if status.Code != 7 {
			t.Fatalf("exit code = %d, want 7", status.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for loop to exit")
	}
}

func TestSubscribeReceivesOutputAndExit(t *testing.T) {
	inputTx := make(chan []byte, 8)
	outputRx := make(chan []byte, 64)

	size := command.Winsize{Cols: 80, Rows: 24}
	pid, driver, err := ptydriver.Spawn("echo loop-test-output", size, inputTx, outputRx)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	var sink bytes.Buffer
	emu := termscreen.New(80, 24, &sink)
	sess := session.New(pid, size, emu)

	loop := New(discardLogger(), sess, driver, inputTx, outputRx)

	stdinClosed := make(chan struct{})
	go func() { loop.Run(stdinClosed) }()
	defer close(stdinClosed)

	stream, cancel, ok := loop.Subscribe(nil)
	if !ok {
		t.Fatal("subscribe refused")
	}
	defer cancel()

	var sawOutput, sawExit bool
	timeout := time.After(5 * time.Second)
	for !sawExit {
		select {
		case ev, ok := <-stream:
			if !ok {
				t.Fatal("stream closed before exit event observed")
			}
			switch ev.Type {
			case session.EventOutput:
				if strings.Contains(ev.Output.Seq, "loop-test-output") {
					sawOutput = true
				}
			case session.EventExit:
				sawExit = true
			}
		case <-timeout:
			t.Fatalf("timed out, sawOutput=%v sawExit=%v", sawOutput, sawExit)
		}
	}
	if !sawOutput {
		t.Fatal("never observed expected output")
	}
}

// TestExitEventIsAlwaysLast guards the rule that a subscriber never
// observes an event after exit. The driver's Done() channel and a
// non-empty output channel become ready in the same instant when a child
// prints output right before exiting, so a select without care can emit
// exit before the last output chunk has been folded into the session.
func TestExitEventIsAlwaysLast(t *testing.T) {
	inputTx := make(chan []byte, 8)
	outputRx := make(chan []byte, 64)

	size := command.Winsize{Cols: 80, Rows: 24}
	pid, driver, err := ptydriver.Spawn("printf trailing-output; exit 3", size, inputTx, outputRx)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	var sink bytes.Buffer
	emu := termscreen.New(80, 24, &sink)
	sess := session.New(pid, size, emu)

	loop := New(discardLogger(), sess, driver, inputTx, outputRx)

	stdinClosed := make(chan struct{})
	go func() { loop.Run(stdinClosed) }()
	defer close(stdinClosed)

	stream, cancel, ok := loop.Subscribe(nil)
	if !ok {
		t.Fatal("subscribe refused")
	}
	defer cancel()

	var events []session.Event
	timeout := time.After(5 * time.Second)
collect:
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				break collect
			}
			events = append(events, ev)
			if ev.Type == session.EventExit {
				break collect
			}
		case <-timeout:
			t.Fatalf("timed out waiting for exit event, got %d events so far", len(events))
		}
	}

	if len(events) == 0 || events[len(events)-1].Type != session.EventExit {
		t.Fatalf("expected the last observed event to be exit, got %+v", events)
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Type == session.EventExit {
			t.Fatalf("exit event observed before the end of the stream: %+v", events)
		}
	}

	// Nothing should follow the exit event.
	select {
	case ev, ok := <-stream:
		if ok {
			t.Fatalf("observed event after exit: %+v", ev)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWarnIfMouseOutOfRangeLogsButDoesNotReject(t *testing.T) {
	var logBuf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logBuf, nil))

	inputTx := make(chan []byte, 8)
	outputRx := make(chan []byte, 64)
	size := command.Winsize{Cols: 10, Rows: 10}
	pid, driver, err := ptydriver.Spawn("cat", size, inputTx, outputRx)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer func() { close(inputTx); <-driver.Done() }()

	var sink bytes.Buffer
	emu := termscreen.New(10, 10, &sink)
	sess := session.New(pid, size, emu)
	loop := New(log, sess, driver, inputTx, outputRx)

	loop.warnIfMouseOutOfRange(command.MouseEvent{Row: 50, Col: 50})
	if !strings.Contains(logBuf.String(), "mouse coordinates out of range") {
		t.Fatalf("expected a warning for out-of-range coordinates, got log: %q", logBuf.String())
	}

	logBuf.Reset()
	loop.warnIfMouseOutOfRange(command.MouseEvent{Row: 1, Col: 1})
	if strings.Contains(logBuf.String(), "mouse coordinates out of range") {
		t.Fatalf("expected no warning for in-range coordinates, got log: %q", logBuf.String())
	}
}

// TestSignaledChildExitEventCarriesSignal delivers a real SIGTERM to a
// spawned child and checks the exit event a subscriber sees: code
// 128+15 with signal 15, the signaled shape, not a normal exit that
// happens to have status 143.
func TestSignaledChildExitEventCarriesSignal(t *testing.T) {
	inputTx := make(chan []byte, 8)
	outputRx := make(chan []byte, 64)

	size := command.Winsize{Cols: 80, Rows: 24}
	pid, driver, err := ptydriver.Spawn("sleep 10", size, inputTx, outputRx)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	var sink bytes.Buffer
	emu := termscreen.New(80, 24, &sink)
	sess := session.New(pid, size, emu)

	loop := New(discardLogger(), sess, driver, inputTx, outputRx)

	stdinClosed := make(chan struct{})
	go func() { loop.Run(stdinClosed) }()
	defer close(stdinClosed)

	stream, cancel, ok := loop.Subscribe(session.Filter{"exit": true})
	if !ok {
		t.Fatal("subscribe refused")
	}
	defer cancel()

	time.Sleep(100 * time.Millisecond)
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case ev, ok := <-stream:
		if !ok {
			t.Fatal("stream closed before exit event")
		}
		if ev.Type != session.EventExit {
			t.Fatalf("event type = %v, want exit", ev.Type)
		}
		if ev.Exit.Signal == nil || *ev.Exit.Signal != 15 || ev.Exit.Code != 143 {
			t.Fatalf("exit event = %+v, want code=143 signal=15", ev.Exit)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}
}

// TestStdinCloseDoesNotTerminateChild guards the latch-only shutdown
// rule: a closed stdin masks its branch but the child keeps running and
// its own exit status is what the loop reports. A loop that reacted to
// stdin EOF by tearing the driver down would hang up the child and
// report 128+SIGHUP instead of the child's real status.
func TestStdinCloseDoesNotTerminateChild(t *testing.T) {
	inputTx := make(chan []byte, 8)
	outputRx := make(chan []byte, 64)

	size := command.Winsize{Cols: 80, Rows: 24}
	pid, driver, err := ptydriver.Spawn("sleep 0.3; exit 5", size, inputTx, outputRx)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	var sink bytes.Buffer
	emu := termscreen.New(80, 24, &sink)
	sess := session.New(pid, size, emu)

	loop := New(discardLogger(), sess, driver, inputTx, outputRx)

	stdinClosed := make(chan struct{})
	close(stdinClosed)

	resultCh := make(chan ptydriver.ExitStatus, 1)
	go func() { resultCh <- loop.Run(stdinClosed) }()

	select {
	case status := <-resultCh:
		if status.Code != 5 || status.Signal != nil {
			t.Fatalf("status = %+v, want {Code: 5, Signal: nil}", status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for loop to exit")
	}
}

// TestAPIEndingDoesNotTerminateLoop: the API task dying is observed and
// masked; the child is still authoritative for when the session ends.
func TestAPIEndingDoesNotTerminateLoop(t *testing.T) {
	inputTx := make(chan []byte, 8)
	outputRx := make(chan []byte, 64)

	size := command.Winsize{Cols: 80, Rows: 24}
	pid, driver, err := ptydriver.Spawn("sleep 0.3; exit 2", size, inputTx, outputRx)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	var sink bytes.Buffer
	emu := termscreen.New(80, 24, &sink)
	sess := session.New(pid, size, emu)

	loop := New(discardLogger(), sess, driver, inputTx, outputRx)

	apiDone := make(chan struct{})
	close(apiDone)
	loop.WatchAPI(apiDone)

	stdinClosed := make(chan struct{})
	defer close(stdinClosed)

	resultCh := make(chan ptydriver.ExitStatus, 1)
	go func() { resultCh <- loop.Run(stdinClosed) }()

	select {
	case status := <-resultCh:
		if status.Code != 2 {
			t.Fatalf("exit code = %d, want 2", status.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for loop to exit")
	}
}

func TestSubscribeRefusedAfterShutdown(t *testing.T) {
	inputTx := make(chan []byte, 8)
	outputRx := make(chan []byte, 64)

	size := command.Winsize{Cols: 80, Rows: 24}
	pid, driver, err := ptydriver.Spawn("true", size, inputTx, outputRx)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	var sink bytes.Buffer
	emu := termscreen.New(80, 24, &sink)
	sess := session.New(pid, size, emu)

	loop := New(discardLogger(), sess, driver, inputTx, outputRx)

	stdinClosed := make(chan struct{})
	close(stdinClosed)

	done := make(chan struct{})
	go func() {
		loop.Run(stdinClosed)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for loop to finish")
	}

	if _, _, ok := loop.Subscribe(nil); ok {
		t.Fatal("expected subscribe to be refused once the loop has shut down")
	}
}
