package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/caic-xyz/agentling/internal/replay"
	"github.com/caic-xyz/agentling/internal/store"
)

func replayCmd() *cobra.Command {
	var (
		speed        float64
		fromSequence int
		noTiming     bool
		jsonOut      bool
		compress     bool
		codec        string
		out          string
	)
	cmd := &cobra.Command{
		Use:   "replay <run-id>",
		Short: "Replay a run's recorded event log",
		Long: "replay dumps a completed run's event log, either as a timed or instant pretty-" +
			"printed playback, as newline-delimited JSON, or as a zstd- or brotli-compressed bundle for " +
			"archival or transfer.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			ctx := cmd.Context()

			st, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			bundle, err := replay.ExportRun(ctx, st, runID)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create output file: %w", err)
				}
				defer f.Close()
				w = f
			}

			switch {
			case compress:
				return replay.WriteCompressedCodec(w, bundle, replay.Codec(codec))
			case jsonOut:
				return replay.WriteNDJSON(w, bundle)
			default:
				_, err := replay.Play(ctx, w, bundle, replay.Options{
					Speed:        speed,
					FromSequence: fromSequence,
					NoTiming:     noTiming,
				}, time.Sleep)
				return err
			}
		},
	}
	cmd.Flags().Float64VarP(&speed, "speed", "s", 1.0, "playback speed multiplier")
	cmd.Flags().IntVar(&fromSequence, "from-sequence", 0, "start from sequence number")
	cmd.Flags().BoolVar(&noTiming, "no-timing", false, "disable timing simulation (instant replay)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output events as newline-delimited JSON")
	cmd.Flags().BoolVar(&compress, "compress", false, "write a compressed NDJSON bundle instead")
	cmd.Flags().StringVar(&codec, "codec", "zstd", "compression codec to use with --compress: zstd or br")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this file instead of stdout")
	return cmd
}
