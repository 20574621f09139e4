package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// serveCmd is a documented stub: an HTTP/WebSocket route surface over
// internal/session, internal/wsfanout, and internal/replay would hang here,
// but routes are out of scope for this module — the control plane is meant
// to be driven as a library or through this CLI's other subcommands.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Not implemented: serve the control plane over HTTP",
		Long: "serve would expose internal/session, internal/wsfanout, and internal/replay behind " +
			"an HTTP/WebSocket route surface, the way maruel-caic's backend/internal/server does for " +
			"its own task model. That route surface is out of scope here; the control plane is meant " +
			"to be consumed as a Go library, or driven through this CLI's other subcommands.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("serve: not implemented, see --help")
		},
	}
}
