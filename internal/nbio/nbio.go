// Package nbio provides the non-blocking read/write primitive the PTY
// driver is built on: a uniform tri-state result (bytes transferred, EOF,
// or would-block) over a raw file descriptor, plus a small readiness
// reactor so callers can await POLLIN/POLLOUT without busy-looping.
package nbio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned when a read or write could not make progress
// without blocking. Callers must await readiness (via a Reactor) and retry.
var ErrWouldBlock = errors.New("nbio: operation would block")

// SetNonblock puts fd into non-blocking mode so Read/Write never block the
// calling goroutine inside the kernel.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// Read performs one non-blocking read from fd.
//
//   - n > 0, err == nil: n bytes were read.
//   - n == 0, err == nil: EOF.
//   - n == 0, err == ErrWouldBlock: no data currently available; await readability.
//   - err != nil (and not ErrWouldBlock): a real system error.
func Read(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if wouldBlock(err) {
			return 0, ErrWouldBlock
		}
		if errors.Is(err, unix.EIO) {
			// A PTY master reports EIO once its slave side has been
			// closed; treat that the same as a clean EOF.
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// Write performs one non-blocking write to fd.
//
//   - n > 0, err == nil: n bytes were written; caller should advance its slice.
//   - n == 0, err == nil: the peer refused further bytes (an EOF-like condition).
//   - n == 0, err == ErrWouldBlock: the descriptor is not currently writable.
//   - err != nil (and not ErrWouldBlock): a real system error.
func Write(fd int, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := unix.Write(fd, buf)
	if err != nil {
		if wouldBlock(err) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
