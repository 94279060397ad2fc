// Package sshattach serves an additional attach point for htd over SSH:
// connecting with any SSH client streams a live view of the terminal and
// forwards typed input back, for operators who would rather "ssh in"
// than speak the JSON event protocol. The host key is an ephemeral
// ed25519 key generated per process.
package sshattach

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/gliderlabs/ssh"
	"github.com/google/uuid"
	gossh "golang.org/x/crypto/ssh"

	"golang.org/x/crypto/ed25519"

	"github.com/openterm/htd/internal/command"
	"github.com/openterm/htd/internal/eventloop"
	"github.com/openterm/htd/internal/session"
)

// Server is an SSH attach point backed by an eventloop.Loop.
type Server struct {
	log  *slog.Logger
	loop *eventloop.Loop
}

// New creates a Server.
func New(log *slog.Logger, loop *eventloop.Loop) *Server {
	return &Server{log: log, loop: loop}
}

// GenerateHostKey creates an ephemeral ed25519 host key, good for the
// lifetime of one htd process; there is no persisted identity to protect
// since the attach transport has no authentication.
func GenerateHostKey() (gossh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return gossh.NewSignerFromKey(priv)
}

// Serve accepts SSH connections on l until ctx is canceled.
func (s *Server) Serve(ctx context.Context, l net.Listener, hostKey gossh.Signer) error {
	srv := &ssh.Server{
		Handler: s.handleSession,
		PtyCallback: func(ctx ssh.Context, pty ssh.Pty) bool {
			return true
		},
	}
	srv.AddHostKey(hostKey)

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	s.log.Info("ssh attach listening", "addr", l.Addr())

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				s.log.Warn("ssh accept error", "error", err)
				continue
			}
		}
		go srv.HandleConn(conn)
	}
}

func (s *Server) handleSession(sshSess ssh.Session) {
	// Each attach gets its own correlation id so concurrent SSH clients'
	// log lines can be told apart; the attach itself carries no identity
	// beyond this.
	connID := uuid.NewString()
	log := s.log.With("conn", connID, "user", sshSess.User())

	log.Info("ssh session started")
	defer log.Info("ssh session ended")

	stream, cancel, ok := s.loop.Subscribe(nil)
	if !ok {
		io.WriteString(sshSess, "session is shutting down\n")
		sshSess.Exit(1)
		return
	}
	defer cancel()

	ptyReq, winCh, isPty := sshSess.Pty()
	if isPty {
		s.dispatchResize(ptyReq.Window.Width, ptyReq.Window.Height)
		go func() {
			for win := range winCh {
				s.dispatchResize(win.Width, win.Height)
			}
		}()
	}

	// done closes as soon as either direction ends (client disconnect or
	// session teardown) so the other goroutine doesn't block forever on a
	// stream/socket the other side has already given up on; stop is safe
	// to call from both.
	done := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(done) }) }

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer stop()
		for {
			select {
			case ev, ok := <-stream:
				if !ok {
					return
				}
				if ev.Type != session.EventOutput {
					continue
				}
				if _, err := io.WriteString(sshSess, ev.Output.Seq); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		defer stop()
		buf := make([]byte, 4096)
		for {
			n, err := sshSess.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				s.loop.Dispatch(command.Command{
					Kind:  command.KindInput,
					Input: []command.InputSeq{command.StandardSeq(chunk)},
				})
			}
			if err != nil {
				return
			}
			select {
			case <-done:
				return
			default:
			}
		}
	}()

	wg.Wait()
}

func (s *Server) dispatchResize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	s.loop.Dispatch(command.Command{
		Kind:   command.KindResize,
		Resize: command.Winsize{Cols: uint16(width), Rows: uint16(height)},
	})
}
