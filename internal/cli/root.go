package cli

import (
	"github.com/spf13/cobra"

	"github.com/openterm/htd/internal/command"
)

// Run builds the root cobra.Command and calls fn with the parsed Options
// once cobra has validated flags and args. fn's error, if any, is
// returned by Execute() for the caller (cmd/htd/main.go) to print and
// exit non-zero on.
func Run(version string, args []string, fn func(Options) error) error {
	var (
		size      = DefaultSize
		listen    string
		subscribe string
	)

	root := &cobra.Command{
		Use:     "htd [flags] [--] [command...]",
		Short:   "Headless terminal host: drive an interactive program under a PTY and observe it over a JSON event stream",
		Version: version,
		Args:    cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			hasListen := cmd.Flags().Changed("listen")

			subs, err := ParseSubscribe(subscribe)
			if err != nil {
				return err
			}

			childCmd := DefaultCommand
			if len(cmdArgs) > 0 {
				childCmd = joinArgs(cmdArgs)
			}

			return fn(Options{
				Size:      command.Winsize{Cols: size.Cols, Rows: size.Rows},
				Command:   childCmd,
				Listen:    listen,
				HasListen: hasListen,
				Subscribe: subs,
			})
		},
	}

	root.Flags().VarP(&size, "size", "s", "PTY size as COLSxROWS")
	root.Flags().StringVar(&listen, "listen", "127.0.0.1:0", "serve an HTTP/WebSocket transport on this address in addition to stdio")
	root.Flags().Lookup("listen").NoOptDefVal = "127.0.0.1:0"
	root.Flags().StringVar(&subscribe, "subscribe", "", "comma-separated subset of events to emit over stdio (default: none)")

	root.SetArgs(args)
	return root.Execute()
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + quoteIfNeeded(a)
	}
	return out
}

func quoteIfNeeded(a string) string {
	for _, r := range a {
		if r == ' ' || r == '\t' || r == '"' {
			return `"` + escapeQuotes(a) + `"`
		}
	}
	return a
}

func escapeQuotes(a string) string {
	out := make([]byte, 0, len(a))
	for i := 0; i < len(a); i++ {
		if a[i] == '"' {
			out = append(out, '\\')
		}
		out = append(out, a[i])
	}
	return string(out)
}
