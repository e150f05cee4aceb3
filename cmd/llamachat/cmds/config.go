package cmds

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/llamachat/pkg/config"
)

func newConfigCommand(st *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.Dump(cmd.OutOrStdout(), st.settings)
		},
	}
}
