package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestChatSendsPayload(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Write([]byte("data: {\"event\":\"message_end\"}\n\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "app-key", 0)
	rc, err := c.Chat(context.Background(), Payload{
		Query: "what is my growth rate?",
		User:  "conv-1",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	defer rc.Close()

	if gotAuth != "Bearer app-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	for _, want := range []string{`"query":"what is my growth rate?"`, `"response_mode":"streaming"`, `"inputs":{}`, `"files":[]`, `"conversation_id":""`} {
		if !strings.Contains(gotBody, want) {
			t.Errorf("request body missing %s: %s", want, gotBody)
		}
	}
}

func TestChatBodyIsSinglePassStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: {\"event\":\"agent_message\",\"answer\":\"hi\"}\n\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 0)
	rc, err := c.Chat(context.Background(), Payload{Query: "q", User: "u"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(string(body), "agent_message") {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestChatRetriesTransientStatuses(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("data: {}\n\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 0)
	rc, err := c.Chat(context.Background(), Payload{Query: "q", User: "u"})
	if err != nil {
		t.Fatalf("Chat after transient failures: %v", err)
	}
	rc.Close()

	if calls.Load() != 3 {
		t.Errorf("got %d upstream calls, want 3", calls.Load())
	}
}

func TestChatDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bad-key", 0)
	if _, err := c.Chat(context.Background(), Payload{Query: "q", User: "u"}); err == nil {
		t.Fatal("expected error for 401")
	}
	if calls.Load() != 1 {
		t.Errorf("got %d upstream calls, want 1 (no retry on 4xx)", calls.Load())
	}
}

func TestChatTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 50*time.Millisecond)
	_, err := c.Chat(context.Background(), Payload{Query: "q", User: "u"})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

// TestChatMidStreamTimeoutClassified covers the deadline firing after the
// response started: the read error must carry the timeout class, not surface
// as a generic request failure.
func TestChatMidStreamTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: {\"event\":\"agent_message\",\"answer\":\"partial\"}\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 100*time.Millisecond)
	rc, err := c.Chat(context.Background(), Payload{Query: "q", User: "u"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if !strings.Contains(string(body), "partial") {
		t.Errorf("body before stall = %q, want the flushed fragment", body)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("mid-stream read err = %v, want ErrTimeout", err)
	}
}

func TestChatConnectionFailureClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	c := NewClient(srv.URL, "k", time.Second)
	_, err := c.Chat(context.Background(), Payload{Query: "q", User: "u"})
	if !errors.Is(err, ErrConnection) {
		t.Errorf("err = %v, want ErrConnection", err)
	}
}

func TestUserMessagePerClass(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", ErrTimeout, "Request timeout"},
		{"connection", ErrConnection, "Connection error"},
		{"generic", errors.New("boom"), "Request error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := UserMessage(tc.err, 600*time.Second)
			if !strings.HasPrefix(msg, tc.want) {
				t.Errorf("UserMessage(%v) = %q, want prefix %q", tc.err, msg, tc.want)
			}
		})
	}

	msg := UserMessage(ErrTimeout, 600*time.Second)
	if !strings.Contains(msg, "600s") {
		t.Errorf("timeout message should include configured timeout: %q", msg)
	}
}
