package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/memorycore/p8/internal/bootstrap"
	"github.com/memorycore/p8/internal/config"
	"github.com/memorycore/p8/internal/ids"
	"github.com/memorycore/p8/internal/types"
)

func newChatCmd() *cobra.Command {
	var userID, tenantID, model string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session persisted to a new session row",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			app, err := bootstrap.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			if userID == "" {
				userID = ids.Random()
			}
			sess := &types.Session{
				Envelope: types.Envelope{ID: ids.Random(), TenantID: tenantID, UserID: userID},
				Mode:     "chat",
			}
			if err := app.Store.CreateSession(ctx, sess); err != nil {
				return fmt.Errorf("chat: create session: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s started, ctrl-d to end\n", sess.ID)

			clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
			if cfg.OpenAIBaseURL != "" {
				clientCfg.BaseURL = cfg.OpenAIBaseURL
			}
			client := openai.NewClientWithConfig(clientCfg)

			return runChatLoop(ctx, app, client, sess, model)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user ID to attribute the session to (random if omitted)")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant ID to scope the session to")
	cmd.Flags().StringVar(&model, "model", "gpt-4.1-mini", "chat completion model")
	return cmd
}

func runChatLoop(ctx context.Context, app *bootstrap.App, client *openai.Client, sess *types.Session, model string) error {
	scanner := bufio.NewScanner(os.Stdin)
	var history []openai.ChatCompletionMessage

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		userMsg := &types.Message{
			Envelope:    types.Envelope{ID: ids.Random(), TenantID: sess.TenantID, UserID: sess.UserID},
			SessionID:   sess.ID,
			MessageType: types.MessageUser,
			Content:     line,
			TokenCount:  len(line) / 4,
		}
		if err := app.Store.PersistTurn(ctx, userMsg); err != nil {
			return fmt.Errorf("chat: persist user turn: %w", err)
		}
		history = append(history, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: line})

		resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    model,
			Messages: history,
		})
		if err != nil {
			return fmt.Errorf("chat: completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		reply := resp.Choices[0].Message.Content
		history = append(history, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply})

		assistantMsg := &types.Message{
			Envelope:    types.Envelope{ID: ids.Random(), TenantID: sess.TenantID, UserID: sess.UserID},
			SessionID:   sess.ID,
			MessageType: types.MessageAssistant,
			Content:     reply,
			TokenCount:  resp.Usage.CompletionTokens,
		}
		if err := app.Store.PersistTurn(ctx, assistantMsg); err != nil {
			return fmt.Errorf("chat: persist assistant turn: %w", err)
		}

		fmt.Println(reply)
	}
}
