// htd is a headless terminal host: it spawns a command under a PTY,
// drives a VT100/xterm screen emulator over its output, and exposes the
// whole session as a JSON event stream over stdio and, optionally, an
// HTTP/WebSocket and SSH attach transport. Structured logging is set up
// first, configuration is parsed by cobra, then the long-running session
// work is handed off to the rest of the program.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	stdhttp "net/http"
	"os"
	"sync"

	"github.com/openterm/htd/internal/cli"
	"github.com/openterm/htd/internal/command"
	"github.com/openterm/htd/internal/eventloop"
	"github.com/openterm/htd/internal/ptydriver"
	"github.com/openterm/htd/internal/session"
	"github.com/openterm/htd/internal/termscreen"
	httptransport "github.com/openterm/htd/internal/transport/http"
	"github.com/openterm/htd/internal/transport/sshattach"
	"github.com/openterm/htd/internal/transport/stdio"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	log := slog.New(handler)
	slog.SetDefault(log)

	exitCode := 0
	err := cli.Run(Version, os.Args[1:], func(opts cli.Options) error {
		code, err := run(log, opts)
		exitCode = code
		return err
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func run(log *slog.Logger, opts cli.Options) (int, error) {
	log.Info("starting session", "command", opts.Command, "size", opts.Size)

	// 1024-deep on both directions: deep enough that input is only ever
	// dropped if the child has stopped reading it entirely.
	inputTx := make(chan []byte, 1024)
	outputRx := make(chan []byte, 1024)

	pid, driver, err := ptydriver.Spawn(opts.Command, opts.Size, inputTx, outputRx)
	if err != nil {
		return 1, fmt.Errorf("spawn: %w", err)
	}
	log.Info("child spawned", "pid", pid)

	replies := &emulatorReplyWriter{}
	emu := termscreen.New(int(opts.Size.Cols), int(opts.Size.Rows), replies)
	sess := session.New(pid, opts.Size, emu)

	loop := eventloop.New(log, sess, driver, inputTx, outputRx)
	replies.loop = loop

	stdinClosed := make(chan struct{})
	stdioT := stdio.New(log, os.Stdin, os.Stdout)
	go stdioT.ServeCommands(loop, stdinClosed)

	var eventsFlushed sync.WaitGroup
	eventsFlushed.Add(1)
	go func() {
		defer eventsFlushed.Done()
		stdioT.ServeEvents(loop, opts.Subscribe)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if opts.HasListen {
		apiDone, err := serveExtraTransports(ctx, log, loop, sess, opts.Listen)
		if err != nil {
			return 1, err
		}
		loop.WatchAPI(apiDone)
	}

	status := loop.Run(stdinClosed)

	// loop.Run returning means exit has already been broadcast to every
	// subscriber, but ServeEvents may still be mid-write; wait for it so
	// the exit event has actually reached stdout before the caller's
	// os.Exit.
	eventsFlushed.Wait()

	var sig any
	if status.Signal != nil {
		sig = *status.Signal
	}
	log.Info("session ended", "code", status.Code, "signal", sig)
	return int(status.Code), nil
}

// emulatorReplyWriter lets the screen emulator answer device-status
// queries (DSR/CPR) by dispatching its response bytes through the same
// path ordinary keystrokes take, so a reply can never race the input
// channel closing at loop teardown. loop is assigned once, before the event
// loop starts; the emulator only writes replies while consuming output,
// which happens inside the running loop.
type emulatorReplyWriter struct {
	loop *eventloop.Loop
}

func (w *emulatorReplyWriter) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	w.loop.Dispatch(command.Command{
		Kind:  command.KindInput,
		Input: []command.InputSeq{command.StandardSeq(cp)},
	})
	return len(p), nil
}

// serveExtraTransports starts the HTTP/WebSocket listener and the SSH
// attach listener, logging the addresses a client can reach them on.
// The returned channel closes when the HTTP server stops serving, for
// the event loop to observe without treating it as a shutdown signal.
func serveExtraTransports(ctx context.Context, log *slog.Logger, loop *eventloop.Loop, sess *session.Session, addr string) (<-chan struct{}, error) {
	httpLn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen http: %w", err)
	}

	apiDone := make(chan struct{})
	httpSrv := httptransport.New(log, loop, sess)
	go func() {
		defer close(apiDone)
		server := &stdhttp.Server{Handler: httpSrv.Handler()}
		go func() {
			<-ctx.Done()
			_ = server.Close()
		}()
		if err := server.Serve(httpLn); err != nil && ctx.Err() == nil {
			log.Warn("http transport stopped", "error", err)
		}
	}()

	url := fmt.Sprintf("http://%s/ws", httpLn.Addr().String())
	log.Info("http/websocket transport listening", "url", url)

	sshLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen ssh: %w", err)
	}
	hostKey, err := sshattach.GenerateHostKey()
	if err != nil {
		return nil, fmt.Errorf("generate ssh host key: %w", err)
	}
	sshSrv := sshattach.New(log, loop)
	go func() {
		if err := sshSrv.Serve(ctx, sshLn, hostKey); err != nil && ctx.Err() == nil {
			log.Warn("ssh attach transport stopped", "error", err)
		}
	}()
	log.Info("ssh attach transport listening", "addr", sshLn.Addr().String())

	return apiDone, nil
}
