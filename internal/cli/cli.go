// Package cli defines the command-line surface of htd using
// github.com/spf13/cobra: one root command, flags bound directly to it
// rather than a subcommand tree, since htd launches exactly one child
// per invocation.
package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openterm/htd/internal/command"
	"github.com/openterm/htd/internal/session"
)

// Size is a COLSxROWS pair, parsed from the --size flag.
type Size struct {
	Cols uint16
	Rows uint16
}

// String renders Size back to COLSxROWS, satisfying pflag.Value.
func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Cols, s.Rows)
}

// Set parses "COLSxROWS", satisfying pflag.Value.
func (s *Size) Set(v string) error {
	cols, rows, err := ParseSize(v)
	if err != nil {
		return err
	}
	s.Cols, s.Rows = cols, rows
	return nil
}

// Type names the flag's value type for cobra's usage output.
func (s Size) Type() string { return "COLSxROWS" }

// ParseSize parses "COLSxROWS", e.g. "120x40".
func ParseSize(v string) (cols, rows uint16, err error) {
	parts := strings.SplitN(v, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid size %q, expected COLSxROWS", v)
	}
	c, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid size %q: %w", v, err)
	}
	r, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid size %q: %w", v, err)
	}
	if c == 0 || r == 0 {
		return 0, 0, fmt.Errorf("invalid size %q: dimensions must be positive", v)
	}
	return uint16(c), uint16(r), nil
}

// DefaultSize is the PTY dimensions used when --size is absent.
var DefaultSize = Size{Cols: 120, Rows: 40}

// DefaultCommand is run when no positional command/argv is given.
const DefaultCommand = "bash"

// ValidSubscribeEvents are the event names accepted by --subscribe.
var ValidSubscribeEvents = session.ValidEventNames

// ParseSubscribe validates a comma-separated --subscribe value and
// returns the parsed Filter. An empty string (the flag's default) yields
// an empty Filter, "subscribed to nothing", not "subscribe to
// everything".
func ParseSubscribe(v string) (session.Filter, error) {
	return session.ParseFilter(v)
}

// Options is the fully parsed command line, ready to drive main.
type Options struct {
	Size      command.Winsize
	Command   string
	Listen    string
	HasListen bool
	Subscribe session.Filter
}
