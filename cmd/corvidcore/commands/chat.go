package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/corvidai/corvid-core/internal/chatstream"
	"github.com/corvidai/corvid-core/internal/config"
	"github.com/corvidai/corvid-core/internal/eventbus"
	"github.com/corvidai/corvid-core/internal/mcpmanager"
	"github.com/corvidai/corvid-core/internal/metrics"
	"github.com/corvidai/corvid-core/internal/sandbox"
	"github.com/corvidai/corvid-core/internal/store"
	"github.com/corvidai/corvid-core/internal/turn"
)

// NewChatCmd runs one real turn against the configured gateway and MCP
// servers, streaming the reply through a bubbletea view.
func NewChatCmd() *cobra.Command {
	var codeMode bool
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Run one turn and stream the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("usage: corvidcore chat [--code-mode] <message>")
			}
			return runChat(strings.Join(args, " "), codeMode)
		},
	}
	cmd.Flags().BoolVar(&codeMode, "code-mode", false, "route tool use through the sandbox instead of calling MCP tools directly")
	return cmd
}

func runChat(message string, codeMode bool) error {
	ctx := context.Background()

	cfg, err := config.LoadAppConfig()
	if err != nil {
		return fmt.Errorf("load app config: %w", err)
	}

	secrets := store.NewMemorySecretStore()
	if name := strings.TrimSpace(cfg.Gateway.AuthSecretName); name != "" {
		if key := os.Getenv("CORVIDCORE_GATEWAY_KEY"); key != "" {
			_ = secrets.Set(ctx, name, key)
		}
	}

	gateway, err := chatstream.NewClient(ctx, cfg.Gateway, secrets)
	if err != nil {
		return fmt.Errorf("construct gateway client: %w", err)
	}

	manager, err := mcpmanager.New(cfg.Registry.Path, secrets)
	if err != nil {
		return fmt.Errorf("construct mcp manager: %w", err)
	}
	manager.Connect(ctx)

	var runner turn.CodeRunner
	if codeMode {
		sbx := sandbox.New(manager, "")
		defer sbx.Cleanup()
		runner = sbx
	}

	conversations := store.NewMemoryConversationStore()
	conv, err := conversations.CreateConversation(ctx, "corvidcore chat")
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}

	bus := eventbus.New()
	orchestrator := turn.New(gateway, manager, runner, conversations, bus, metrics.NewRecorder())

	program := tea.NewProgram(newChatModel(message))
	bus.Subscribe(func(ev eventbus.TurnEvent) {
		program.Send(turnEventMsg{ev})
	})

	go func() {
		_, _, err := orchestrator.RunTurn(ctx, conv.ID, message, cfg.Gateway.DefaultModel, codeMode)
		program.Send(turnDoneMsg{err: err})
	}()

	finalModel, err := program.Run()
	if err != nil {
		return fmt.Errorf("run chat view: %w", err)
	}

	m, ok := finalModel.(chatModel)
	if !ok {
		return nil
	}
	if m.finalErr != nil {
		return m.finalErr
	}

	rendered, err := glamour.Render(m.content, "dark")
	if err != nil {
		fmt.Println(m.content)
		return nil
	}
	fmt.Print(rendered)
	return nil
}
