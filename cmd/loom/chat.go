package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomagent/loom/internal/retry"
	"github.com/loomagent/loom/pkg/models"
)

// buildChatCmd creates the "chat" command: a one-shot turn for scripting or
// manual testing, without standing up the HTTP server.
func buildChatCmd() *cobra.Command {
	var (
		configPath     string
		conversationID string
		debug          bool
	)

	cmd := &cobra.Command{
		Use:   "chat [text]",
		Short: "Run a single turn against the agent and print the reply",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if text == "" {
				return fmt.Errorf("chat: no text given")
			}
			return runChat(cmd.Context(), configPath, conversationID, debug, text)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation id to continue (default: a fresh conversation)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func runChat(ctx context.Context, configPath, conversationID string, debug bool, text string) error {
	a, err := newApp(configPath, debug)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := retry.New(2, 500*time.Millisecond, 2.0, 5*time.Second)
	reply, result := retry.DoWithValue(ctx, cfg, func() (models.Message, error) {
		return a.loop.Chat(ctx, text, conversationID)
	})
	if result.Err != nil {
		return fmt.Errorf("chat failed after %d attempt(s): %w", result.Attempts, result.Err)
	}

	fmt.Println(reply.Content)
	return nil
}
