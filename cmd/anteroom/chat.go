package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anteroom/anteroom/internal/agent"
	"github.com/anteroom/anteroom/internal/tools"
	"github.com/anteroom/anteroom/pkg/models"
)

func newChatCmd() *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Run one assistant turn in the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), conversationID, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "existing conversation id (default: new)")
	return cmd
}

// terminalConfirmer prompts on stdin for destructive commands.
func terminalConfirmer(ctx context.Context, message string) (bool, error) {
	fmt.Fprintf(os.Stderr, "\n%s\n[y/N] ", message)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, nil
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func runChat(ctx context.Context, conversationID, message string) error {
	a, err := buildApp(ctx, tools.ConfirmerFunc(terminalConfirmer))
	if err != nil {
		return err
	}
	defer a.close()

	if conversationID == "" {
		conv, err := a.store.CreateConversation(ctx, "")
		if err != nil {
			return err
		}
		conversationID = conv.ID
		fmt.Fprintln(os.Stderr, "conversation:", conversationID)
	}

	if _, err := a.store.AppendMessage(ctx, conversationID, models.RoleUser, message); err != nil {
		return err
	}

	for ev := range a.engine.RunTurn(ctx, agent.TurnInput{ConversationID: conversationID}) {
		switch ev.Kind {
		case models.EventToken:
			if text, ok := ev.Data["text"].(string); ok {
				fmt.Print(text)
			}
		case models.EventToolCallStart:
			fmt.Fprintf(os.Stderr, "\n[tool %v]\n", ev.Data["name"])
		case models.EventAssistantMessage:
			fmt.Println()
		case models.EventError:
			return fmt.Errorf("%v", ev.Data["message"])
		}
	}
	return nil
}
