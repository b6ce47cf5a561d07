package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjgxky/lulu-chat/internal/config"
	"github.com/zjgxky/lulu-chat/internal/storage"
)

var askConversationID string

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the analytics agent a question",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		convID := askConversationID
		if convID == "" {
			resp, err := client.post(ctx, "/conversations", nil)
			if err != nil {
				return err
			}
			var conv storage.Conversation
			if err := decodeJSON(resp, &conv); err != nil {
				return err
			}
			convID = conv.ID
			printStatus("conversation", "%s", convID)
		}

		resp, err := client.post(ctx, "/chat", map[string]string{
			"conversation_id": convID,
			"message":         args[0],
		})
		if err != nil {
			return err
		}
		var ans struct {
			Reply     string `json:"reply"`
			ErrorType string `json:"error_type"`
		}
		if err := decodeJSON(resp, &ans); err != nil {
			return err
		}
		if ans.ErrorType != "" {
			printWarning("upstream error (%s)", ans.ErrorType)
		}
		fmt.Println(ans.Reply)
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored conversations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/conversations")
		if err != nil {
			return err
		}
		var convs []storage.ConversationPreview
		if err := decodeJSON(resp, &convs); err != nil {
			return err
		}
		if len(convs) == 0 {
			fmt.Println("no conversations")
			return nil
		}
		for _, c := range convs {
			title := c.Title
			if title == "" {
				title = c.Preview
			}
			fmt.Printf("%s  %s  %s\n", c.ID, c.CreatedAt.Format(time.DateTime), title)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/conversations/"+args[0])
		if err != nil {
			return err
		}
		var detail struct {
			Conversation storage.Conversation `json:"conversation"`
			Turns        []storage.Turn       `json:"turns"`
		}
		if err := decodeJSON(resp, &detail); err != nil {
			return err
		}
		if detail.Conversation.Title != "" {
			fmt.Println(colorize(colorBold, detail.Conversation.Title))
		}
		for _, turn := range detail.Turns {
			label := colorize(colorCyan, turn.Role)
			fmt.Printf("%s: %s\n", label, turn.Text)
		}
		return nil
	},
}

var sessionsRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/conversations/"+args[0])
		if err != nil {
			return err
		}
		var status map[string]string
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}
		printSuccess("conversation %s deleted", args[0])
		return nil
	},
}

var sessionsPromoteCmd = &cobra.Command{
	Use:   "promote <id>",
	Short: "Promote a conversation to the FAQ",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/faq", map[string]string{
			"conversation_id": args[0],
		})
		if err != nil {
			return err
		}
		var result struct {
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.Status == "already_in_faq" {
			printWarning("conversation %s is already in the FAQ", args[0])
			return nil
		}
		printSuccess("conversation %s promoted to FAQ", args[0])
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and modify configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, info := range config.ShowAll(cfg) {
			fmt.Printf("%s = %s\n", colorize(colorBold, info.Key), info.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("%s = %s", args[0], args[1])
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&askConversationID, "conversation", "", "continue an existing conversation")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsRemoveCmd)
	sessionsCmd.AddCommand(sessionsPromoteCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
