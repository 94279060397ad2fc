package nbio

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// pollTimeoutMs bounds how long the reactor's poll loop waits before
// re-checking for shutdown or a change in write interest. Short enough to
// shut down promptly, long enough to avoid spinning the CPU while idle.
const pollTimeoutMs = 100

// Reactor watches a single file descriptor for read/write readiness and
// delivers edge-triggered-feeling pings over buffered channels, so a
// driver's select loop can await readiness the same way it awaits a
// channel receive.
type Reactor struct {
	fd int

	readReady  chan struct{}
	writeReady chan struct{}
	wantWrite  atomic.Bool
	quit       chan struct{}
	done       chan struct{}
}

// NewReactor starts watching fd. fd must already be in non-blocking mode
// (see SetNonblock). Call Close to stop the background poll loop.
func NewReactor(fd int) *Reactor {
	r := &Reactor{
		fd:         fd,
		readReady:  make(chan struct{}, 1),
		writeReady: make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go r.loop()
	return r
}

// ReadReady is pinged whenever fd may be readable. The caller must drain
// readably by calling Read repeatedly until it returns ErrWouldBlock, then
// resume waiting on this channel — draining fully avoids losing a
// level-triggered-over-edge-triggered wakeup.
func (r *Reactor) ReadReady() <-chan struct{} { return r.readReady }

// WriteReady is pinged whenever fd may be writable, but only while write
// interest is armed via SetWriteInterest(true).
func (r *Reactor) WriteReady() <-chan struct{} { return r.writeReady }

// SetWriteInterest enables or disables POLLOUT interest. The driver enables
// it only while it has a non-empty pending-write buffer, matching the PTY
// driver's "writable enabled only when pending buffer is non-empty" rule.
func (r *Reactor) SetWriteInterest(want bool) {
	r.wantWrite.Store(want)
}

// Close stops the reactor's poll loop. Safe to call once.
func (r *Reactor) Close() {
	close(r.quit)
	<-r.done
}

func (r *Reactor) loop() {
	defer close(r.done)

	for {
		select {
		case <-r.quit:
			return
		default:
		}

		events := int16(unix.POLLIN)
		wantWrite := r.wantWrite.Load()
		if wantWrite {
			events |= unix.POLLOUT
		}

		pfds := []unix.PollFd{{Fd: int32(r.fd), Events: events}}
		n, err := unix.Poll(pfds, pollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			// Nothing sensible to do with a broken poll(2); surface
			// readiness so the driver's next syscall reports the error.
			pingNonBlocking(r.readReady)
			if wantWrite {
				pingNonBlocking(r.writeReady)
			}
			return
		}
		if n == 0 {
			continue
		}

		revents := pfds[0].Revents
		if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			pingNonBlocking(r.readReady)
		}
		if wantWrite && revents&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			pingNonBlocking(r.writeReady)
		}
	}
}

func pingNonBlocking(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
