package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zjgxky/lulu-chat/internal/chat"
	"github.com/zjgxky/lulu-chat/internal/storage"
)

func newTestMCPDeps(t *testing.T, up *stubUpstream, run *stubRunner) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Store: store,
		Chat:  &chat.Service{Store: store, Upstream: up, Runner: run},
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func TestMCPTool_AskCreatesConversation(t *testing.T) {
	up := &stubUpstream{stream: agentStream("The answer is 42.")}
	deps, store := newTestMCPDeps(t, up, &stubRunner{})
	handler := mcpAsk(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
		"message": "what is the answer?",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var resp map[string]string
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if resp["conversation_id"] == "" {
		t.Fatal("no conversation_id in response")
	}
	if !strings.Contains(resp["reply"], "42") {
		t.Errorf("reply = %q", resp["reply"])
	}

	turns, err := store.ListTurns(resp["conversation_id"])
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Errorf("got %d turns, want user+bot", len(turns))
	}
}

func TestMCPTool_AskContinuesConversation(t *testing.T) {
	up := &stubUpstream{stream: agentStream("ok")}
	deps, store := newTestMCPDeps(t, up, &stubRunner{})
	handler := mcpAsk(deps)

	conv, err := store.CreateConversation()
	if err != nil {
		t.Fatal(err)
	}

	result, err := handler(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
		"message":         "follow up",
		"conversation_id": conv.ID,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp map[string]string
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["conversation_id"] != conv.ID {
		t.Errorf("conversation_id = %q, want %q", resp["conversation_id"], conv.ID)
	}
}

func TestMCPTool_AskRequiresMessage(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &stubUpstream{}, &stubRunner{})
	handler := mcpAsk(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for missing message")
	}
}

func TestMCPTool_ListConversationsEmpty(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &stubUpstream{}, &stubRunner{})
	handler := mcpListConversations(deps)

	result, err := handler(context.Background(), makeCallToolRequest("list_conversations", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if toolText(t, result) != "[]" {
		t.Errorf("empty list = %q, want []", toolText(t, result))
	}
}

func TestMCPTool_GetConversation(t *testing.T) {
	deps, store := newTestMCPDeps(t, &stubUpstream{}, &stubRunner{})
	handler := mcpGetConversation(deps)

	conv, err := store.CreateConversation()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendTurn(conv.ID, storage.RoleUser, "hello"); err != nil {
		t.Fatal(err)
	}

	result, err := handler(context.Background(), makeCallToolRequest("get_conversation", map[string]interface{}{
		"conversation_id": conv.ID,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var resp struct {
		Turns []storage.Turn `json:"turns"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Turns) != 1 || resp.Turns[0].Text != "hello" {
		t.Errorf("turns = %+v", resp.Turns)
	}
}

func TestMCPTool_GetConversationNotFound(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &stubUpstream{}, &stubRunner{})
	handler := mcpGetConversation(deps)

	result, err := handler(context.Background(), makeCallToolRequest("get_conversation", map[string]interface{}{
		"conversation_id": "missing",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for unknown conversation")
	}
}

func TestMCPTool_PromoteFAQIdempotent(t *testing.T) {
	deps, store := newTestMCPDeps(t, &stubUpstream{}, &stubRunner{})
	handler := mcpPromoteFAQ(deps)

	conv, err := store.CreateConversation()
	if err != nil {
		t.Fatal(err)
	}
	req := makeCallToolRequest("promote_faq", map[string]interface{}{
		"conversation_id": conv.ID,
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(toolText(t, result), "Promoted") {
		t.Errorf("first promotion = %q", toolText(t, result))
	}

	result, err = handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(toolText(t, result), "already in the FAQ") {
		t.Errorf("second promotion = %q", toolText(t, result))
	}

	refs, err := store.ListFAQ()
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 {
		t.Errorf("FAQ entries = %d, want 1", len(refs))
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, store := newTestMCPDeps(t, &stubUpstream{}, &stubRunner{})
	handler := mcpResourceRecent(deps)

	conv, err := store.CreateConversation()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.RenameConversation(conv.ID, "revenue questions"); err != nil {
		t.Fatal(err)
	}

	contents, err := handler(context.Background(), makeReadResourceRequest("chat://recent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("got %d contents, want 1", len(contents))
	}
	text := contents[0].(mcp.TextResourceContents).Text
	if !strings.Contains(text, "revenue questions") {
		t.Errorf("resource text = %q", text)
	}
}

func TestMCPResource_FAQ(t *testing.T) {
	deps, store := newTestMCPDeps(t, &stubUpstream{}, &stubRunner{})
	handler := mcpResourceFAQ(deps)

	conv, err := store.CreateConversation()
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.AddFAQ(conv.ID); err != nil {
		t.Fatal(err)
	}

	contents, err := handler(context.Background(), makeReadResourceRequest("chat://faq"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	var refs []storage.FAQRef
	if err := json.Unmarshal([]byte(text), &refs); err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].ConversationID != conv.ID {
		t.Errorf("refs = %+v", refs)
	}
}
