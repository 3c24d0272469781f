package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/corvidai/corvid-core/internal/config"
	"github.com/corvidai/corvid-core/internal/mcpmanager"
	"github.com/corvidai/corvid-core/internal/store"
	"github.com/spf13/cobra"
)

const mcpConnectTimeout = 10 * time.Second

// NewMCPCmd groups the commands that exercise the MCP manager directly,
// against the registry document at the configured path.
func NewMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Inspect and control configured MCP servers",
	}

	cmd.AddCommand(
		newMCPListCmd(),
		newMCPStartCmd(),
		newMCPStopCmd(),
		newMCPLogsCmd(),
	)

	return cmd
}

func openManager() (*mcpmanager.Manager, error) {
	cfg, err := config.LoadAppConfig()
	if err != nil {
		return nil, fmt.Errorf("load app config: %w", err)
	}
	secrets := store.NewMemorySecretStore()
	return mcpmanager.New(cfg.Registry.Path, secrets)
}

func newMCPListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured MCP servers and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			servers, err := mgr.ListServers()
			if err != nil {
				return fmt.Errorf("list servers: %w", err)
			}
			if len(servers) == 0 {
				fmt.Println("No MCP servers configured.")
				return nil
			}
			for _, s := range servers {
				status, ok := mgr.GetStatus(s.ID)
				if !ok {
					fmt.Printf("  %s (%s): unknown\n", s.Name, s.Kind)
					continue
				}
				disabledTag := ""
				if s.Disabled {
					disabledTag = " [disabled]"
				}
				fmt.Printf("  %s (%s): %s, tools=%d%s\n", s.Name, s.Kind, status.Status, status.ToolCount, disabledTag)
				if status.Message != "" {
					fmt.Printf("    %s\n", status.Message)
				}
			}
			return nil
		},
	}
}

func newMCPStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <server-id>",
		Short: "Connect one configured MCP server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), mcpConnectTimeout)
			defer cancel()
			if err := mgr.StartServer(ctx, args[0]); err != nil {
				return fmt.Errorf("start %s: %w", args[0], err)
			}
			status, _ := mgr.GetStatus(args[0])
			fmt.Printf("%s: %s (tools=%d)\n", args[0], status.Status, status.ToolCount)
			return nil
		},
	}
}

func newMCPStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <server-id>",
		Short: "Disconnect one connected MCP server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			if err := mgr.StopServer(args[0]); err != nil {
				return fmt.Errorf("stop %s: %w", args[0], err)
			}
			fmt.Printf("%s: stopped\n", args[0])
			return nil
		},
	}
}

func newMCPLogsCmd() *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "logs <server-id>",
		Short: "Show the tail of one server's transport log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			for _, line := range mgr.GetLogs(args[0], tail) {
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 50, "number of log lines to show")
	return cmd
}
