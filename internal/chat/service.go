// Package chat orchestrates the full question/answer pipeline: persisting
// turns, calling the upstream agent, running embedded plotting scripts and
// composing the enhanced reply.
package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/zjgxky/lulu-chat/internal/compose"
	"github.com/zjgxky/lulu-chat/internal/sandbox"
	"github.com/zjgxky/lulu-chat/internal/script"
	"github.com/zjgxky/lulu-chat/internal/storage"
	"github.com/zjgxky/lulu-chat/internal/stream"
	"github.com/zjgxky/lulu-chat/internal/upstream"
)

// DefaultPromptSuffix is appended to the outbound query only; the persisted
// user turn keeps the original text.
const DefaultPromptSuffix = " Don't simply provide me the steps or sample data or sample code. DO IT FOR ME."

// DefaultTitleLimit caps auto-assigned conversation titles, in runes.
const DefaultTitleLimit = 250

const noReplyFallback = "Sorry, no response received."

// Upstream is the slice of the upstream client the service needs.
type Upstream interface {
	Chat(ctx context.Context, p upstream.Payload) (io.ReadCloser, error)
	Timeout() time.Duration
}

// Runner executes a plotting script and reports the outcome.
type Runner interface {
	Run(ctx context.Context, body, conversationID string) sandbox.Result
}

type Service struct {
	Store        *storage.Store
	Upstream     Upstream
	Runner       Runner
	PromptSuffix string // defaults to DefaultPromptSuffix
	TitleLimit   int    // defaults to DefaultTitleLimit
	Logger       *slog.Logger
}

// Answer is the outcome of a blocking ask. ErrorType is empty on success;
// otherwise one of "timeout", "connection", "request" and Reply carries the
// user-displayable message, which has also been persisted as the bot turn.
type Answer struct {
	Reply     string `json:"reply"`
	ErrorType string `json:"error_type,omitempty"`
}

// Stream event types emitted by AskStream.
const (
	EventChunk             = "chunk"
	EventStreamingComplete = "streaming_complete"
	EventError             = "error"
)

type Event struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	FullReply string `json:"full_reply,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) promptSuffix() string {
	if s.PromptSuffix != "" {
		return s.PromptSuffix
	}
	return DefaultPromptSuffix
}

// Ask runs the blocking pipeline: persist the user turn, stream the agent's
// reply to completion, execute any embedded scripts and persist the enhanced
// reply as the bot turn. Upstream failures do not surface as errors; they are
// persisted as user-visible bot turns and reported through Answer.ErrorType.
// Errors are returned only for unknown conversations and storage faults.
func (s *Service) Ask(ctx context.Context, conversationID, message, fileID string) (Answer, error) {
	conv, err := s.prepare(conversationID, message)
	if err != nil {
		return Answer{}, err
	}

	body, err := s.Upstream.Chat(ctx, s.payload(conv, message, fileID))
	if err != nil {
		return s.upstreamFailure(conversationID, err)
	}
	defer body.Close()

	parser := stream.Parser{Logger: s.logger()}
	result, err := parser.Consume(body)
	if err != nil {
		return s.upstreamFailure(conversationID, err)
	}

	s.saveCorrelationID(conv, result.ConversationID)

	if result.Answer == "" {
		if _, err := s.Store.AppendTurn(conversationID, storage.RoleBot, noReplyFallback); err != nil {
			return Answer{}, err
		}
		return Answer{Reply: noReplyFallback}, nil
	}

	enhanced := s.splice(ctx, conversationID, result.Answer)
	if _, err := s.Store.AppendTurn(conversationID, storage.RoleBot, enhanced); err != nil {
		return Answer{}, err
	}
	return Answer{Reply: enhanced}, nil
}

// AskStream runs the incremental pipeline: each answer fragment is emitted as
// a chunk event as it arrives, followed by a streaming_complete event carrying
// the assembled reply. No bot turn is persisted here; the client follows up
// with ProcessReply once it has rendered the raw stream. Failures emit a
// single error event.
func (s *Service) AskStream(ctx context.Context, conversationID, message, fileID string, emit func(Event)) error {
	conv, err := s.prepare(conversationID, message)
	if err != nil {
		return err
	}

	body, err := s.Upstream.Chat(ctx, s.payload(conv, message, fileID))
	if err != nil {
		emit(Event{Type: EventError, Error: "Error: " + upstream.UserMessage(err, s.Upstream.Timeout())})
		return nil
	}
	defer body.Close()

	parser := stream.Parser{
		Logger:     s.logger(),
		OnFragment: func(fragment string) { emit(Event{Type: EventChunk, Content: fragment}) },
	}
	result, err := parser.Consume(body)
	if err != nil {
		emit(Event{Type: EventError, Error: "Error: " + upstream.UserMessage(err, s.Upstream.Timeout())})
		return nil
	}

	s.saveCorrelationID(conv, result.ConversationID)

	emit(Event{Type: EventStreamingComplete, FullReply: result.Answer})
	return nil
}

// ProcessReply post-processes a fully streamed reply: structured JSON replies
// are rendered section by section, prose replies get their script blocks
// executed and spliced. The enhanced reply is persisted as the bot turn.
// The boolean reports whether the reply was structured.
func (s *Service) ProcessReply(ctx context.Context, conversationID, fullReply string) (string, bool, error) {
	if _, err := s.Store.GetConversation(conversationID); err != nil {
		return "", false, err
	}

	var enhanced string
	structured := false
	if st, ok := compose.DetectStructured(fullReply); ok {
		structured = true
		enhanced = compose.RenderStructured(st, func(body string) sandbox.Result {
			return s.Runner.Run(ctx, script.Normalize(body), conversationID)
		})
	} else {
		enhanced = s.splice(ctx, conversationID, fullReply)
	}

	if enhanced == "" {
		enhanced = noReplyFallback
	}
	if _, err := s.Store.AppendTurn(conversationID, storage.RoleBot, enhanced); err != nil {
		return "", false, err
	}
	return enhanced, structured, nil
}

// prepare persists the user turn and assigns a title to a fresh conversation.
func (s *Service) prepare(conversationID, message string) (storage.Conversation, error) {
	conv, err := s.Store.GetConversation(conversationID)
	if err != nil {
		return storage.Conversation{}, err
	}
	if _, err := s.Store.AppendTurn(conversationID, storage.RoleUser, message); err != nil {
		return storage.Conversation{}, err
	}
	if _, err := s.Store.SetTitleIfEmpty(conversationID, s.title(message)); err != nil {
		return storage.Conversation{}, err
	}
	return conv, nil
}

// payload builds the outbound request. A referenced attachment contributes
// both a file reference and its extracted text as agent input context.
func (s *Service) payload(conv storage.Conversation, message, fileID string) upstream.Payload {
	p := upstream.Payload{
		Query:          message + s.promptSuffix(),
		ConversationID: conv.CorrelationID,
		User:           conv.ID,
	}
	if fileID != "" {
		p.Files = []upstream.FileRef{{Type: "file", ID: fileID}}
		att, err := s.Store.GetAttachment(fileID)
		switch {
		case err == nil && att.Text != "":
			p.Inputs = map[string]any{"attachment_text": att.Text}
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			s.logger().Warn("loading attachment failed", "file_id", fileID, "error", err)
		}
	}
	return p
}

func (s *Service) saveCorrelationID(conv storage.Conversation, extracted string) {
	if extracted == "" || conv.CorrelationID != "" {
		return
	}
	set, err := s.Store.SetCorrelationID(conv.ID, extracted)
	if err != nil {
		s.logger().Error("saving correlation id failed", "conversation_id", conv.ID, "error", err)
		return
	}
	if !set {
		s.logger().Debug("correlation id already set, keeping existing",
			"conversation_id", conv.ID)
	}
}

// upstreamFailure converts an upstream error into a persisted, user-visible
// bot turn plus an Answer carrying the failure class.
func (s *Service) upstreamFailure(conversationID string, err error) (Answer, error) {
	msg := upstream.UserMessage(err, s.Upstream.Timeout())
	class := "request"
	switch {
	case errors.Is(err, upstream.ErrTimeout):
		class = "timeout"
	case errors.Is(err, upstream.ErrConnection):
		class = "connection"
	}
	s.logger().Warn("upstream request failed",
		"conversation_id", conversationID, "class", class, "error", err)

	if _, dbErr := s.Store.AppendTurn(conversationID, storage.RoleBot, msg); dbErr != nil {
		return Answer{}, dbErr
	}
	return Answer{Reply: msg, ErrorType: class}, nil
}

// splice executes every fenced script block in the reply and inserts each
// outcome's markup after its block.
func (s *Service) splice(ctx context.Context, conversationID, reply string) string {
	blocks := script.Extract(reply)
	if len(blocks) == 0 {
		return reply
	}

	execs := make([]compose.Execution, 0, len(blocks))
	for _, body := range blocks {
		res := s.Runner.Run(ctx, script.Normalize(body), conversationID)
		if !res.Success {
			s.logger().Warn("script execution failed",
				"conversation_id", conversationID, "reason", res.Reason)
		}
		execs = append(execs, compose.Execution{Script: body, Result: res})
	}
	return compose.Compose(reply, execs)
}

func (s *Service) title(message string) string {
	limit := s.TitleLimit
	if limit <= 0 {
		limit = DefaultTitleLimit
	}
	runes := []rune(message)
	if len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return message
}
