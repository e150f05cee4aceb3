package cmds

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/llamachat/pkg/config"
)

// annotationOwnsTerminal marks commands that draw a full-screen UI when stdout is a terminal.
const annotationOwnsTerminal = "owns-terminal"

type rootState struct {
	v         *viper.Viper
	settings  config.Settings
	logCloser io.Closer
}

// NewRootCommand builds the llamachat command tree.
func NewRootCommand() *cobra.Command {
	st := &rootState{v: config.NewViper()}

	root := &cobra.Command{
		Use:           "llamachat",
		Short:         "llamachat is a terminal client for a streaming multi-step agent backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return st.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if st.logCloser != nil {
				return st.logCloser.Close()
			}
			return nil
		},
	}
	config.AddFlags(root.PersistentFlags())

	root.AddCommand(
		newChatCommand(st),
		newAskCommand(st),
		newReplayCommand(st),
		newWatchCommand(st),
		newConfigCommand(st),
	)
	return root
}

func (st *rootState) load(cmd *cobra.Command) error {
	if err := config.BindFlags(st.v, cmd.Flags()); err != nil {
		return err
	}
	configFile, _ := cmd.Flags().GetString("config")
	s, err := config.Load(st.v, configFile)
	if err != nil {
		return err
	}
	if cmd.Annotations[annotationOwnsTerminal] == "true" && isTerminal() && s.Logging.File == "" {
		s.Logging.File = config.DefaultTUILogFile()
	}
	closer, err := config.InitLogger(s.Logging)
	if err != nil {
		return errors.Wrap(err, "init logger")
	}
	st.settings, st.logCloser = s, closer
	return nil
}

func isTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
