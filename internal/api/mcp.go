package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zjgxky/lulu-chat/internal/chat"
	"github.com/zjgxky/lulu-chat/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
	Chat  *chat.Service
}

// NewMCPServer creates an MCP server exposing the chat pipeline and the
// conversation archive as tools and resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"luluchat",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("luluchat — retail-analytics chat with automatic plot generation and a curated FAQ archive."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask the analytics agent a question. Embedded plotting scripts are executed and the reply is returned with plot markup spliced in."),
			mcp.WithString("message", mcp.Description("The question to ask"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Existing conversation to continue; omit to start a new one")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("list_conversations",
			mcp.WithDescription("List stored conversations, most recent first, with a preview of the opening question."),
		),
		mcpListConversations(deps),
	)

	s.AddTool(
		mcp.NewTool("get_conversation",
			mcp.WithDescription("Fetch a conversation with its full turn history."),
			mcp.WithString("conversation_id", mcp.Description("Conversation to fetch"), mcp.Required()),
		),
		mcpGetConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("promote_faq",
			mcp.WithDescription("Promote a conversation into the FAQ archive. Promoting twice is a no-op."),
			mcp.WithString("conversation_id", mcp.Description("Conversation to promote"), mcp.Required()),
		),
		mcpPromoteFAQ(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"chat://recent",
			"Recent Conversations",
			mcp.WithResourceDescription("Last 10 conversations (titles and previews)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"chat://faq",
			"FAQ Archive",
			mcp.WithResourceDescription("Conversations promoted to the FAQ"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceFAQ(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		conversationID := req.GetString("conversation_id", "")
		if conversationID == "" {
			conv, err := deps.Store.CreateConversation()
			if err != nil {
				return mcpError(fmt.Sprintf("failed to create conversation: %v", err)), nil
			}
			conversationID = conv.ID
		}

		ans, err := deps.Chat.Ask(ctx, conversationID, message, "")
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		b, err := json.Marshal(map[string]string{
			"conversation_id": conversationID,
			"reply":           ans.Reply,
			"error_type":      ans.ErrorType,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal reply: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListConversations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		convs, err := deps.Store.ListConversations()
		if err != nil {
			return mcpError(fmt.Sprintf("listing conversations failed: %v", err)), nil
		}
		if len(convs) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(convs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal conversations: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}

		conv, err := deps.Store.GetConversation(id)
		if err != nil {
			return mcpError(fmt.Sprintf("conversation not found: %v", err)), nil
		}
		turns, err := deps.Store.ListTurns(id)
		if err != nil {
			return mcpError(fmt.Sprintf("listing turns failed: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"conversation": conv,
			"turns":        turns,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal conversation: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPromoteFAQ(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}

		ref, created, err := deps.Store.AddFAQ(id)
		if err != nil {
			return mcpError(fmt.Sprintf("promoting to FAQ failed: %v", err)), nil
		}
		if !created {
			return mcpText(fmt.Sprintf("Conversation %s is already in the FAQ (entry %s)", id, ref.ID)), nil
		}
		return mcpText(fmt.Sprintf("Promoted conversation %s to FAQ entry %s", id, ref.ID)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		convs, err := deps.Store.ListConversations()
		if err != nil {
			return nil, fmt.Errorf("listing conversations: %w", err)
		}
		if len(convs) > 10 {
			convs = convs[:10]
		}

		type summary struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Preview   string `json:"preview"`
			CreatedAt string `json:"created_at"`
		}
		summaries := make([]summary, len(convs))
		for i, c := range convs {
			preview := c.Preview
			if utf8.RuneCountInString(preview) > 200 {
				runes := []rune(preview)
				preview = string(runes[:200]) + "..."
			}
			summaries[i] = summary{
				ID:        c.ID,
				Title:     c.Title,
				Preview:   preview,
				CreatedAt: c.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("marshaling conversations: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceFAQ(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		refs, err := deps.Store.ListFAQ()
		if err != nil {
			return nil, fmt.Errorf("listing FAQ: %w", err)
		}

		b, err := json.Marshal(refs)
		if err != nil {
			return nil, fmt.Errorf("marshaling FAQ: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
