package chat

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zjgxky/lulu-chat/internal/sandbox"
	"github.com/zjgxky/lulu-chat/internal/storage"
	"github.com/zjgxky/lulu-chat/internal/upstream"
)

type fakeUpstream struct {
	stream  string
	err     error
	payload upstream.Payload
	calls   int
}

func (f *fakeUpstream) Chat(ctx context.Context, p upstream.Payload) (io.ReadCloser, error) {
	f.calls++
	f.payload = p
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.stream)), nil
}

func (f *fakeUpstream) Timeout() time.Duration { return 600 * time.Second }

type fakeRunner struct {
	result sandbox.Result
	bodies []string
}

func (f *fakeRunner) Run(ctx context.Context, body, conversationID string) sandbox.Result {
	f.bodies = append(f.bodies, body)
	return f.result
}

func newTestService(t *testing.T, up *fakeUpstream, run *fakeRunner) (*Service, storage.Conversation) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	conv, err := store.CreateConversation()
	if err != nil {
		t.Fatalf("creating conversation: %v", err)
	}
	return &Service{Store: store, Upstream: up, Runner: run}, conv
}

func sse(events ...string) string {
	var b strings.Builder
	for _, e := range events {
		b.WriteString("data: " + e + "\n\n")
	}
	return b.String()
}

func TestAskFullPipeline(t *testing.T) {
	up := &fakeUpstream{stream: sse(
		`{"event": "agent_message", "answer": "Here:\n`+"```"+`python\nplt.plot([1])\n`+"```"+`"}`,
		`{"event": "message_end", "conversation_id": "corr-1"}`,
	)}
	run := &fakeRunner{result: sandbox.Result{Success: true, PlotURL: "/p/x.png", PlotFilename: "x.png"}}
	svc, conv := newTestService(t, up, run)

	ans, err := svc.Ask(context.Background(), conv.ID, "plot sales", "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.ErrorType != "" {
		t.Fatalf("ErrorType = %q, want success", ans.ErrorType)
	}
	if !strings.Contains(ans.Reply, "auto-plot-display") {
		t.Errorf("reply missing plot markup: %q", ans.Reply)
	}
	if len(run.bodies) != 1 {
		t.Fatalf("runner called %d times, want 1", len(run.bodies))
	}

	// The outbound query carries the instruction suffix; the stored user turn
	// does not.
	if !strings.HasSuffix(up.payload.Query, "DO IT FOR ME.") {
		t.Errorf("query = %q, want instruction suffix", up.payload.Query)
	}
	turns, err := svc.Store.ListTurns(conv.ID)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want user+bot", len(turns))
	}
	if turns[0].Text != "plot sales" {
		t.Errorf("user turn = %q, want original message", turns[0].Text)
	}
	if turns[1].Role != storage.RoleBot || !strings.Contains(turns[1].Text, "auto-plot-display") {
		t.Errorf("bot turn not enhanced: %q", turns[1].Text)
	}

	got, err := svc.Store.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q, want corr-1", got.CorrelationID)
	}
	if got.Title != "plot sales" {
		t.Errorf("Title = %q, want first message", got.Title)
	}
}

func TestAskReusesCorrelationID(t *testing.T) {
	up := &fakeUpstream{stream: sse(`{"event": "agent_message", "answer": "ok"}`)}
	svc, conv := newTestService(t, up, &fakeRunner{})

	if _, err := svc.Store.SetCorrelationID(conv.ID, "existing"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Ask(context.Background(), conv.ID, "again", ""); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if up.payload.ConversationID != "existing" {
		t.Errorf("payload.ConversationID = %q, want existing correlation id", up.payload.ConversationID)
	}
}

func TestAskFileAttachment(t *testing.T) {
	up := &fakeUpstream{stream: sse(`{"event": "agent_message", "answer": "ok"}`)}
	svc, conv := newTestService(t, up, &fakeRunner{})

	if _, err := svc.Ask(context.Background(), conv.ID, "summarize", "file-9"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(up.payload.Files) != 1 || up.payload.Files[0].ID != "file-9" || up.payload.Files[0].Type != "file" {
		t.Errorf("Files = %+v, want single file reference", up.payload.Files)
	}
}

func TestAskForwardsAttachmentText(t *testing.T) {
	up := &fakeUpstream{stream: sse(`{"event": "agent_message", "answer": "ok"}`)}
	svc, conv := newTestService(t, up, &fakeRunner{})

	att, err := svc.Store.SaveAttachment("report.pdf", "Q3 revenue grew 12%")
	if err != nil {
		t.Fatalf("SaveAttachment: %v", err)
	}

	if _, err := svc.Ask(context.Background(), conv.ID, "summarize the report", att.ID); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got := up.payload.Inputs["attachment_text"]; got != "Q3 revenue grew 12%" {
		t.Errorf("Inputs[attachment_text] = %v, want stored text", got)
	}
	if len(up.payload.Files) != 1 || up.payload.Files[0].ID != att.ID {
		t.Errorf("Files = %+v, want attachment reference", up.payload.Files)
	}
}

func TestAskUpstreamTimeoutPersistedAsBotTurn(t *testing.T) {
	up := &fakeUpstream{err: upstream.ErrTimeout}
	svc, conv := newTestService(t, up, &fakeRunner{})

	ans, err := svc.Ask(context.Background(), conv.ID, "slow question", "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.ErrorType != "timeout" {
		t.Errorf("ErrorType = %q, want timeout", ans.ErrorType)
	}
	if !strings.HasPrefix(ans.Reply, "Request timeout:") {
		t.Errorf("Reply = %q, want user-facing timeout message", ans.Reply)
	}

	turn, err := svc.Store.LatestBotTurn(conv.ID)
	if err != nil {
		t.Fatalf("LatestBotTurn: %v", err)
	}
	if turn.Text != ans.Reply {
		t.Errorf("bot turn %q != answer %q", turn.Text, ans.Reply)
	}
}

// TestAskMidStreamTimeoutClass drives a real upstream client against a
// server that streams one fragment and then stalls past the exchange
// deadline. A timeout during the body read must land in the timeout class,
// same as one before the response arrived.
func TestAskMidStreamTimeoutClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: {\"event\": \"agent_message\", \"answer\": \"partial\"}\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	svc, conv := newTestService(t, &fakeUpstream{}, &fakeRunner{})
	svc.Upstream = upstream.NewClient(srv.URL, "k", 150*time.Millisecond)

	ans, err := svc.Ask(context.Background(), conv.ID, "heavy question", "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.ErrorType != "timeout" {
		t.Errorf("ErrorType = %q, want timeout", ans.ErrorType)
	}
	if !strings.HasPrefix(ans.Reply, "Request timeout:") {
		t.Errorf("Reply = %q, want user-facing timeout message", ans.Reply)
	}

	turn, err := svc.Store.LatestBotTurn(conv.ID)
	if err != nil {
		t.Fatalf("LatestBotTurn: %v", err)
	}
	if turn.Text != ans.Reply {
		t.Errorf("bot turn %q != answer %q", turn.Text, ans.Reply)
	}
}

func TestAskEmptyReplyFallback(t *testing.T) {
	up := &fakeUpstream{stream: sse(`{"event": "message_end", "conversation_id": "c"}`)}
	svc, conv := newTestService(t, up, &fakeRunner{})

	ans, err := svc.Ask(context.Background(), conv.ID, "anything", "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Reply != noReplyFallback {
		t.Errorf("Reply = %q, want fallback", ans.Reply)
	}
}

func TestAskUnknownConversation(t *testing.T) {
	svc, _ := newTestService(t, &fakeUpstream{}, &fakeRunner{})
	if _, err := svc.Ask(context.Background(), "nope", "hi", ""); err == nil {
		t.Fatal("expected error for unknown conversation")
	}
}

func TestAskTitleTruncation(t *testing.T) {
	up := &fakeUpstream{stream: sse(`{"event": "agent_message", "answer": "ok"}`)}
	svc, conv := newTestService(t, up, &fakeRunner{})

	long := strings.Repeat("x", 300)
	if _, err := svc.Ask(context.Background(), conv.ID, long, ""); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	got, err := svc.Store.GetConversation(conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want := strings.Repeat("x", 250) + "..."; got.Title != want {
		t.Errorf("Title length = %d, want 250 runes plus ellipsis", len(got.Title))
	}
}

func TestAskStreamEmitsChunksThenComplete(t *testing.T) {
	up := &fakeUpstream{stream: sse(
		`{"event": "agent_message", "answer": "Hello"}`,
		`{"event": "agent_message", "answer": " world"}`,
		`{"event": "message_end", "conversation_id": "corr-2"}`,
	)}
	svc, conv := newTestService(t, up, &fakeRunner{})

	var events []Event
	err := svc.AskStream(context.Background(), conv.ID, "hi", "", func(e Event) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("AskStream: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want 2 chunks + complete: %+v", len(events), events)
	}
	if events[0].Type != EventChunk || events[0].Content != "Hello" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Type != EventChunk || events[1].Content != " world" {
		t.Errorf("event 1 = %+v", events[1])
	}
	if events[2].Type != EventStreamingComplete || events[2].FullReply != "Hello world" {
		t.Errorf("event 2 = %+v", events[2])
	}

	// Streaming itself persists only the user turn; the bot turn is written
	// by ProcessReply.
	turns, _ := svc.Store.ListTurns(conv.ID)
	if len(turns) != 1 || turns[0].Role != storage.RoleUser {
		t.Errorf("turns after stream = %+v, want single user turn", turns)
	}

	got, _ := svc.Store.GetConversation(conv.ID)
	if got.CorrelationID != "corr-2" {
		t.Errorf("CorrelationID = %q, want corr-2", got.CorrelationID)
	}
}

func TestAskStreamUpstreamErrorEvent(t *testing.T) {
	up := &fakeUpstream{err: upstream.ErrConnection}
	svc, conv := newTestService(t, up, &fakeRunner{})

	var events []Event
	err := svc.AskStream(context.Background(), conv.ID, "hi", "", func(e Event) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("AskStream: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %+v, want single error event", events)
	}
	if !strings.Contains(events[0].Error, "Connection error") {
		t.Errorf("Error = %q, want connection message", events[0].Error)
	}
}

func TestProcessReplyProse(t *testing.T) {
	run := &fakeRunner{result: sandbox.Result{Success: true, PlotURL: "/p/a.png", PlotFilename: "a.png"}}
	svc, conv := newTestService(t, &fakeUpstream{}, run)

	reply := "Look:\n```python\nplt.plot([1])\nplt.show()\n```"
	enhanced, structured, err := svc.ProcessReply(context.Background(), conv.ID, reply)
	if err != nil {
		t.Fatalf("ProcessReply: %v", err)
	}
	if structured {
		t.Error("prose reply detected as structured")
	}
	if !strings.Contains(enhanced, "auto-plot-display") {
		t.Errorf("enhanced reply missing markup: %q", enhanced)
	}
	// The runner receives the normalized body, not the raw block.
	if len(run.bodies) != 1 || strings.Contains(run.bodies[0], "plt.show()") {
		t.Errorf("runner bodies = %q, want normalized script", run.bodies)
	}

	turn, err := svc.Store.LatestBotTurn(conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if turn.Text != enhanced {
		t.Error("enhanced reply not persisted as bot turn")
	}
}

func TestProcessReplyStructured(t *testing.T) {
	run := &fakeRunner{result: sandbox.Result{Success: true, PlotURL: "/p/a.png", PlotFilename: "a.png"}}
	svc, conv := newTestService(t, &fakeUpstream{}, run)

	reply := `{"summary": "All good.", "python_code": "plt.plot([1])"}`
	enhanced, structured, err := svc.ProcessReply(context.Background(), conv.ID, reply)
	if err != nil {
		t.Fatalf("ProcessReply: %v", err)
	}
	if !structured {
		t.Fatal("structured reply not detected")
	}
	if !strings.Contains(enhanced, "json-response-container") || !strings.Contains(enhanced, "All good.") {
		t.Errorf("structured rendering missing: %q", enhanced)
	}
	if len(run.bodies) != 1 {
		t.Errorf("script executed %d times, want once", len(run.bodies))
	}
}

func TestProcessReplyEmpty(t *testing.T) {
	svc, conv := newTestService(t, &fakeUpstream{}, &fakeRunner{})

	enhanced, _, err := svc.ProcessReply(context.Background(), conv.ID, "")
	if err != nil {
		t.Fatalf("ProcessReply: %v", err)
	}
	if enhanced != noReplyFallback {
		t.Errorf("enhanced = %q, want fallback", enhanced)
	}
}
