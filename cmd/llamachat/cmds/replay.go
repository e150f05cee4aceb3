package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/llamachat/pkg/aggregator"
	"github.com/go-go-golems/llamachat/pkg/capture"
	"github.com/go-go-golems/llamachat/pkg/turn"
	"github.com/go-go-golems/llamachat/pkg/ui"
)

func newReplayCommand(st *rootState) *cobra.Command {
	var (
		turnID  string
		delay   time.Duration
		format  string
		list    bool
		limit   int
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a captured turn through the aggregator",
		Long:  "Replay reads the raw records captured with --capture-db and feeds them through a fresh aggregator using the current settings.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := st.settings
			if s.CaptureDB == "" {
				return errors.New("replay needs --capture-db")
			}
			dsn, err := capture.DSNForFile(s.CaptureDB)
			if err != nil {
				return err
			}
			store, err := capture.NewSQLiteStore(dsn)
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					log.Warn().Err(err).Msg("closing capture store")
				}
			}()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if list {
				turns, err := store.ListTurns(ctx, limit)
				if err != nil {
					return err
				}
				return writeTurns(out, format, turns)
			}

			opts := []aggregator.Option{
				aggregator.WithSettings(s.Aggregator()),
				aggregator.WithLogger(log.Logger),
			}
			if format == "text" {
				opts = append(opts, aggregator.WithSink(ui.NewPrinter(out, verbose)))
			}
			snap, err := capture.Replay(ctx, store, turnID, turn.NewNamer(s.DisplayNames), delay, opts...)
			if err != nil && snap.ID == "" {
				return err
			}
			if format != "text" {
				return encode(out, format, snap)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&turnID, "turn", "", "Turn id to replay (default: newest)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Pause between records")
	cmd.Flags().StringVar(&format, "format", "text", "Output format (text, yaml, json)")
	cmd.Flags().BoolVar(&list, "list", false, "List captured turns instead of replaying")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of turns to list (-1 for all)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print node output as it streams (text format)")
	return cmd
}

func writeTurns(w io.Writer, format string, turns []capture.TurnRecord) error {
	if format != "text" {
		return encode(w, format, turns)
	}
	for _, t := range turns {
		started := time.UnixMilli(t.StartedAtMs).Format(time.DateTime)
		if _, err := fmt.Fprintf(w, "%s  %s  %-9s  %3d records  %q\n", t.TurnID, started, t.Phase, t.Records, t.Prompt); err != nil {
			return errors.Wrap(err, "write turns")
		}
	}
	return nil
}

func encode(w io.Writer, format string, v interface{}) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return errors.Wrap(err, "encode yaml")
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(v), "encode json")
	default:
		return errors.Errorf("unknown format %q", format)
	}
}
