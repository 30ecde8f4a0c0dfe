package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/truffle-ai/saiki/internal/agent"
	"github.com/truffle-ai/saiki/internal/bus"
	"github.com/truffle-ai/saiki/internal/config"
	"github.com/truffle-ai/saiki/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var sessionID string
	var stream bool

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message through the agent and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := buildAgent(ctx)
			if err != nil {
				return err
			}
			defer a.Stop(context.Background())

			if stream {
				a.Events().Subscribe("cli", func(ev bus.Event) {
					if chunk, ok := ev.Payload.(protocol.ChunkPayload); ok && ev.Name == protocol.EventChunk {
						fmt.Print(chunk.Delta)
					}
				})
			}

			reply, err := a.Run(ctx, agent.RunInput{
				Text:      args[0],
				SessionID: sessionID,
				Stream:    stream,
			})
			if err != nil {
				return err
			}
			if stream {
				fmt.Println()
			} else {
				fmt.Println(reply)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id (default: the default session)")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream the response")
	return cmd
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the aggregated tool set",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := buildAgent(ctx)
			if err != nil {
				return err
			}
			defer a.Stop(context.Background())

			all, err := a.GetAllTools()
			if err != nil {
				return err
			}
			for name, def := range all {
				source := def.Server
				if source == "" {
					source = "custom"
				}
				fmt.Printf("%-30s %-16s %s\n", name, source, def.Description)
			}
			if failed, err := a.GetMcpFailedConnections(); err == nil && len(failed) > 0 {
				fmt.Println("\nfailed MCP servers:")
				for name, errMsg := range failed {
					fmt.Printf("  %s: %s\n", name, errMsg)
				}
			}
			return nil
		},
	}
}

func buildAgent(ctx context.Context) (*agent.Agent, error) {
	cfg := config.Default()
	path := resolveConfigPath()
	if _, statErr := os.Stat(path); statErr == nil {
		loaded, issues, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		for _, issue := range issues {
			if issue.Severity == config.SeverityWarning {
				fmt.Fprintf(os.Stderr, "warning: %s (%s)\n", issue.Message, issue.Context)
			}
		}
		cfg = loaded
	}

	a, err := agent.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		return nil, err
	}
	return a, nil
}
