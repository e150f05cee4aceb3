package cmds

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/llamachat/pkg/snapshots"
	"github.com/go-go-golems/llamachat/pkg/ui"
)

func newWatchCommand(st *rootState) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow turn snapshots published to Redis by other llamachat sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rs := st.settings.Redis
			if err := snapshots.EnsureGroupAtTail(ctx, rs); err != nil {
				return err
			}
			sub, err := snapshots.NewRedisSubscriber(rs, log.Logger)
			if err != nil {
				return err
			}
			defer func() { _ = sub.Close() }()

			snaps, err := snapshots.SubscribeMessages(ctx, sub, rs.Stream)
			if err != nil {
				return err
			}
			log.Info().Str("stream", rs.Stream).Str("group", rs.Group).Msg("watching snapshots")

			printer := ui.NewPrinter(cmd.OutOrStdout(), verbose)
			for snap := range snaps {
				if err := printer.Publish(ctx, snap); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print node output as it streams")
	return cmd
}
