package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

const (
	formatText = "text"
	formatJSON = "json"
)

type rootOptions struct {
	format  string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "quotectl",
		Short: "Inspect quote pricing artifacts without a server",
		Long: `quotectl recomputes and explains prices from stored artifacts.

Nothing is read from or written to a database: every command works on the
JSON files it is given.

Examples:
  quotectl replay --artifact estimate.json
  quotectl explain --artifact estimate.json
  quotectl preview --input request.json --rules rules.csv`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.format != formatText && opts.format != formatJSON {
				return fmt.Errorf("unknown format %q (want text or json)", opts.format)
			}
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&opts.format, "format", "f", formatText, "output format (text, json)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newReplayCmd(opts))
	root.AddCommand(newExplainCmd(opts))
	root.AddCommand(newPreviewCmd(opts))
	return root
}

// openInput opens a file argument; "-" reads stdin.
func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
