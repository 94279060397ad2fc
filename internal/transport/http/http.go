// Package http serves the optional --listen transport: a WebSocket
// endpoint mirroring the stdio event/command protocol, plus a plain
// GET /snapshot for clients that just want a one-shot screen dump.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/openterm/htd/internal/eventloop"
	"github.com/openterm/htd/internal/session"
	"github.com/openterm/htd/internal/wire"
)

// Server exposes GET /ws and GET /snapshot over an *http.Server.
type Server struct {
	log  *slog.Logger
	loop *eventloop.Loop
	sess *session.Session
}

// New creates a Server. Call Handler to obtain its http.Handler.
func New(log *slog.Logger, loop *eventloop.Loop, sess *session.Session) *Server {
	return &Server{log: log, loop: loop, sess: sess}
}

// Handler returns the Server's routes, suitable for http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	return mux
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.sess.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.log.Warn("http: snapshot encode failed", "error", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browser clients attaching from a page served elsewhere on the
		// same loopback origin during local development.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("http: websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	filter, err := session.ParseFilter(r.URL.Query().Get("subscribe"))
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	if r.URL.Query().Get("subscribe") == "" {
		// A WS client that never names a subset gets everything, unlike
		// --subscribe's own empty default, since this transport has no
		// other way to opt into the full event set.
		filter = nil
	}

	stream, cancel, ok := s.loop.Subscribe(filter)
	if !ok {
		conn.Close(websocket.StatusTryAgainLater, "session shutting down")
		return
	}
	defer cancel()

	readErr := make(chan error, 1)
	go s.readCommands(ctx, conn, readErr)

	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
			wireEv, err := wire.EncodeEvent(ev)
			if err != nil {
				s.log.Warn("http: failed to encode event", "error", err)
				continue
			}
			data, err := json.Marshal(wireEv)
			if err != nil {
				s.log.Warn("http: failed to marshal event", "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				s.log.Warn("http: write failed", "error", err)
				return
			}

		case err := <-readErr:
			if err != nil {
				s.log.Debug("http: client disconnected", "error", err)
			}
			return
		}
	}
}

func (s *Server) readCommands(ctx context.Context, conn *websocket.Conn, readErr chan<- error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			readErr <- err
			return
		}

		var env wire.CommandEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("http: malformed command", "error", err)
			continue
		}

		cmd, err := wire.DecodeCommand(env)
		if err != nil {
			s.log.Warn("http: invalid command", "error", err)
			continue
		}

		s.loop.Dispatch(cmd)
	}
}
