// Package ptydriver forks and execs a child process under a pseudo
// terminal and pumps bytes between the PTY master and two byte channels,
// using the tri-state non-blocking I/O model in internal/nbio. The
// driver owns the master fd exclusively, never resolves before the child
// has been reaped, and maps the wait status so a signaled child (code
// 128+n, signal n) stays distinguishable from one that exited with that
// same integer status.
package ptydriver

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"

	"github.com/openterm/htd/internal/command"
	"github.com/openterm/htd/internal/nbio"
)

// masterReadBufSize is the fixed read buffer for draining the PTY master.
const masterReadBufSize = 128 * 1024

// ExitStatus disambiguates a child that exited with an integer status from
// one that was terminated by a signal. Signal is non-nil iff the child was
// signaled, in which case Code == 128+signal.
type ExitStatus struct {
	Code   int32
	Signal *int32
}

var errPeerClosed = errors.New("ptydriver: peer closed for writing")

// Driver owns the PTY master file descriptor exclusively; nothing else in
// this program may read or write it directly.
type Driver struct {
	cmd    *exec.Cmd
	master *os.File
	fd     int
	pid    int

	done chan ExitStatus
}

// Spawn opens a PTY, forks, and execs "/bin/sh -c command" as the child,
// with TERM=xterm-256color in its environment. It returns immediately with
// the child's pid and a Driver whose Done channel resolves once the run
// loop ends and the child has been reaped — Done never fires before the
// child is reaped, so pid recycling can never observe this pid.
//
// Go's runtime resets an ignored SIGPIPE disposition to default in the
// child before calling execve, so inner programs that write to closed
// pipes terminate naturally instead of inheriting an ignored disposition.
func Spawn(cmdline string, size command.Winsize, inputRx <-chan []byte, outputTx chan<- []byte) (pid int, d *Driver, err error) {
	cmd := exec.Command("/bin/sh", "-c", cmdline)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	master, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: size.Rows,
		Cols: size.Cols,
	})
	if err != nil {
		return 0, nil, err
	}

	fd := int(master.Fd())
	if err := nbio.SetNonblock(fd); err != nil {
		_ = master.Close()
		_ = cmd.Process.Kill()
		return 0, nil, err
	}

	d = &Driver{
		cmd:    cmd,
		master: master,
		fd:     fd,
		pid:    cmd.Process.Pid,
		done:   make(chan ExitStatus, 1),
	}

	go d.run(inputRx, outputTx)

	return d.pid, d, nil
}

// Done resolves exactly once, with the child's final ExitStatus, after the
// child has been reaped.
func (d *Driver) Done() <-chan ExitStatus {
	return d.done
}

// Resize propagates a new window size to the PTY slave.
func (d *Driver) Resize(size command.Winsize) error {
	return pty.Setsize(d.master, &pty.Winsize{
		Rows: size.Rows,
		Cols: size.Cols,
	})
}

func (d *Driver) run(inputRx <-chan []byte, outputTx chan<- []byte) {
	reactor := nbio.NewReactor(d.fd)
	defer reactor.Close()

	var pending []byte
	readBuf := make([]byte, masterReadBufSize)

	runErr := d.driveLoop(inputRx, outputTx, reactor, &pending, readBuf)

	status := d.reap(runErr)
	_ = d.master.Close()

	d.done <- status
	close(d.done)
}

// driveLoop multiplexes the input channel and master readiness: drain
// readable edges fully before clearing them, and only arm
// write-readiness while the pending-write buffer is non-empty.
// A nil return means the loop ended cleanly (input closed, clean EOF, or
// the peer refusing writes); a non-nil return is a fatal I/O error.
func (d *Driver) driveLoop(inputRx <-chan []byte, outputTx chan<- []byte, r *nbio.Reactor, pending *[]byte, readBuf []byte) error {
	for {
		select {
		case data, ok := <-inputRx:
			if !ok {
				// Input channel closed: shutdown intent. The child may
				// still be running; reaping happens regardless.
				return nil
			}
			*pending = append(*pending, data...)
			r.SetWriteInterest(true)
			if err := d.drainWrites(pending, r); err != nil {
				if err == errPeerClosed {
					return nil
				}
				return err
			}

		case <-r.ReadReady():
			for {
				n, err := nbio.Read(d.fd, readBuf)
				if err == nbio.ErrWouldBlock {
					break
				}
				if err != nil {
					return err
				}
				if n == 0 {
					return nil // clean EOF
				}
				chunk := make([]byte, n)
				copy(chunk, readBuf[:n])
				outputTx <- chunk
			}

		case <-r.WriteReady():
			if err := d.drainWrites(pending, r); err != nil {
				if err == errPeerClosed {
					return nil
				}
				return err
			}
		}
	}
}

// drainWrites writes as much of *pending as the master will currently
// accept, then compacts the buffer so already-written bytes are released.
func (d *Driver) drainWrites(pending *[]byte, r *nbio.Reactor) error {
	buf := *pending
	for len(buf) > 0 {
		n, err := nbio.Write(d.fd, buf)
		if err == nbio.ErrWouldBlock {
			break
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return errPeerClosed
		}
		buf = buf[n:]
	}

	left := len(buf)
	if left == 0 {
		*pending = (*pending)[:0]
		r.SetWriteInterest(false)
		return nil
	}

	copy(*pending, buf)
	*pending = (*pending)[:left]
	return nil
}

// reap guarantees the driver never resolves before waitpid has succeeded.
// It first tries a non-blocking wait (the child may have already exited);
// if the child is still alive it sends SIGHUP and then blocks for the
// final status.
func (d *Driver) reap(runErr error) ExitStatus {
	var ws syscall.WaitStatus

	pid, err := syscall.Wait4(d.pid, &ws, syscall.WNOHANG, nil)
	if err != nil || pid != d.pid {
		_ = syscall.Kill(d.pid, syscall.SIGHUP)
		if _, err := syscall.Wait4(d.pid, &ws, 0, nil); err != nil {
			return ExitStatus{Code: 1}
		}
	}

	// An unexpected I/O error on the master fd is fatal to the driver:
	// the run is reported as failed even though the child has been
	// reaped above.
	if runErr != nil {
		return ExitStatus{Code: 1}
	}

	return mapWaitStatus(ws)
}

func mapWaitStatus(ws syscall.WaitStatus) ExitStatus {
	switch {
	case ws.Exited():
		return ExitStatus{Code: int32(ws.ExitStatus())}
	case ws.Signaled():
		sig := int32(ws.Signal())
		return ExitStatus{Code: 128 + sig, Signal: &sig}
	default:
		return ExitStatus{Code: 1}
	}
}
