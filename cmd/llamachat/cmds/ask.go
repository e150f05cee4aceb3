package cmds

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/llamachat/pkg/chatclient"
	"github.com/go-go-golems/llamachat/pkg/turn"
	"github.com/go-go-golems/llamachat/pkg/ui"
)

func newAskCommand(st *rootState) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "ask <message...>",
		Short: "Send one message and print the answer",
		Example: `  llamachat ask "build me a landing page for a bakery"
  llamachat ask /clone https://example.com`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			text, err := chatclient.ParseInput(strings.Join(args, " "))
			if err != nil {
				return err
			}
			a, err := newApp(st.settings, nil, ui.NewPrinter(cmd.OutOrStdout(), verbose))
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			if err := a.start(gctx, g); err != nil {
				cancel()
				_ = g.Wait()
				return err
			}

			var snap turn.Snapshot
			g.Go(func() error {
				defer cancel()
				var err error
				snap, err = a.client.Submit(gctx, text)
				return err
			})
			err = g.Wait()
			if err == nil && snap.Phase != turn.PhaseComplete {
				err = errors.Errorf("turn ended %s", snap.Phase)
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print node output as it streams")
	return cmd
}
