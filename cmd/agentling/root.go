package main

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	dbPath  string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "agentling",
	Short: "Drive, observe, and replay a coding-assistant CLI subprocess",
	Long: "agentling is a control plane around a child coding-assistant CLI: it starts and " +
		"supervises runs, streams their event log, tracks the working tree, and can replay " +
		"or export anything it recorded.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", resolveDBPath(), "path to the sqlite database")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(replayCmd())
}

func resolveDBPath() string {
	if v := os.Getenv("AGENTLING_DB"); v != "" {
		return v
	}
	return "agentling.db"
}

// setupLogging installs a tint-colorized slog handler on stderr, matching
// the teacher's pinned (but, in the retrieved pack, unwired) logging stack:
// tint for human-readable colorized output, go-isatty to decide whether
// color is worth emitting, go-colorable so that decision also works on
// Windows consoles that don't natively understand ANSI.
func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	w := os.Stderr
	var out = colorable.NewColorable(w)
	noColor := !isatty.IsTerminal(w.Fd()) && !isatty.IsCygwinTerminal(w.Fd())
	handler := tint.NewHandler(out, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
		NoColor:    noColor,
	})
	slog.SetDefault(slog.New(handler))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
