package commands

import (
	"github.com/corvidai/corvid-core/internal/config"
	"github.com/spf13/cobra"
)

var logLevelOverride string

// NewRootCmd builds the dev-harness CLI's root command: it exercises the
// MCP manager and turn orchestrator against a real gateway and real MCP
// servers, without a host application wrapped around them.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corvidcore",
		Short: "Dev harness for the corvid-core orchestration library",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAppConfig()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride, cmd.Name() == "chat")
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewMCPCmd(),
		NewChatCmd(),
		NewVersionCmd(),
	)

	return cmd
}
