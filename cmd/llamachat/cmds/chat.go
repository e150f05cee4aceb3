package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ThreeDotsLabs/watermill/message"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/llamachat/pkg/aggregator"
	"github.com/go-go-golems/llamachat/pkg/chatclient"
	"github.com/go-go-golems/llamachat/pkg/snapshots"
	"github.com/go-go-golems/llamachat/pkg/ui"
)

func newChatCommand(st *rootState) *cobra.Command {
	var plain, verbose bool
	cmd := &cobra.Command{
		Use:         "chat",
		Short:       "Chat with the agent backend",
		Long:        "Start an interactive chat session. A full-screen UI is used when stdout is a terminal, otherwise input is read line by line.",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationOwnsTerminal: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if plain || !isTerminal() {
				return runLineChat(ctx, st, cmd.InOrStdin(), cmd.OutOrStdout(), verbose)
			}
			return runTUIChat(ctx, st)
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "Read lines from stdin and print plain text even on a terminal")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print node output as it streams (plain mode)")
	return cmd
}

func runTUIChat(ctx context.Context, st *rootState) error {
	transcript := chatclient.NewTranscript(chatclient.DefaultGreeting)
	a, err := newApp(st.settings, transcript, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := ui.NewModel(ctx, ui.NewClientBackend(a.client))
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	router, err := message.NewRouter(message.RouterConfig{}, a.bus.Logger())
	if err != nil {
		return errors.Wrap(err, "ui router")
	}
	router.AddNoPublisherHandler("ui-forwarder", snapshots.Topic, a.bus.Subscriber(), ui.StepChatForwardFunc(p))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := router.Run(gctx); err != nil {
			return errors.Wrap(err, "ui router")
		}
		return nil
	})
	if err := a.start(gctx, g); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	g.Go(func() error {
		defer cancel()
		_, err := p.Run()
		a.client.Cancel()
		if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return errors.Wrap(err, "run ui")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runLineChat reads one message per line and prints each turn with the plain printer.
func runLineChat(ctx context.Context, st *rootState, in io.Reader, out io.Writer, verbose bool) error {
	printer := ui.NewPrinter(out, verbose)
	transcript := chatclient.NewTranscript(chatclient.DefaultGreeting)
	a, err := newApp(st.settings, transcript, printer)
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

	g.Go(func() error {
		defer cancel()
		fmt.Fprintln(out, chatclient.DefaultGreeting)
		lines := readLines(gctx, in)
		for {
			fmt.Fprint(out, "> ")
			var line string
			select {
			case <-gctx.Done():
				return nil
			case l, ok := <-lines:
				if !ok {
					fmt.Fprintln(out)
					return nil
				}
				line = l
			}
			text, err := chatclient.ParseInput(line)
			if errors.Is(err, chatclient.ErrEmptyMessage) {
				continue
			}
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if _, err := a.client.Submit(gctx, text); err != nil {
				if errors.Is(err, aggregator.ErrCancelled) {
					return nil
				}
				log.Debug().Err(err).Str("component", "chat").Msg("turn failed")
			}
		}
	})
	return g.Wait()
}

func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- strings.TrimRight(sc.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
