package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caic-xyz/agentling/internal/events"
	"github.com/caic-xyz/agentling/internal/session"
	"github.com/caic-xyz/agentling/internal/store"
	"github.com/caic-xyz/agentling/internal/titlegen"
)

func runCmd() *cobra.Command {
	var (
		workingDir    string
		model         string
		titleProvider string
		titleModel    string
	)
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Drive a single run end-to-end against a working directory",
		Long: "run starts (or reuses) a session rooted at --dir, sends prompt to a fresh " +
			"subprocess of the assistant CLI, blocks until it completes, and prints the final " +
			"output to stdout.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := args[0]
			ctx := cmd.Context()

			st, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			bus := events.NewBus(st.Events)
			mgr := session.New(st, bus)
			mgr.SetTitleGenerator(titlegen.New(ctx, titleProvider, titleModel))

			sess, err := mgr.GetOrCreateSession(ctx, workingDir, "")
			if err != nil {
				return fmt.Errorf("get or create session: %w", err)
			}

			run, err := mgr.StartRun(ctx, sess.ID, prompt, model, "", "")
			if err != nil {
				return fmt.Errorf("start run: %w", err)
			}

			if err := mgr.StreamEvents(ctx, run.ID); err != nil {
				return fmt.Errorf("run %s failed: %w", run.ID, err)
			}

			completed, err := st.Runs.Get(ctx, run.ID)
			if err != nil {
				return fmt.Errorf("load completed run: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), completed.FinalOutput)
			return nil
		},
	}
	cmd.Flags().StringVar(&workingDir, "dir", ".", "working directory the run operates in")
	cmd.Flags().StringVar(&model, "model", "", "model override (default: "+session.DefaultModel+")")
	cmd.Flags().StringVar(&titleProvider, "title-provider", "", "LLM provider for run titling (empty disables it)")
	cmd.Flags().StringVar(&titleModel, "title-model", "", "model for run titling (default: provider's cheap tier)")
	return cmd
}
