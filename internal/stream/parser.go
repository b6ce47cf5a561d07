// Package stream consumes the newline-delimited event stream produced by the
// upstream chat-messages API and reassembles the full answer.
package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"
)

const dataPrefix = "data: "

// Events the parser acts on; everything else is passed over.
const (
	eventAgentMessage = "agent_message"
	eventMessageEnd   = "message_end"
)

// maxLineSize bounds a single event record. Answers arrive as many small
// fragments, so this is generous; a record over the bound is discarded like
// any other malformed record, never fatal to the stream.
const maxLineSize = 1 << 20

// Result is the outcome of consuming one stream to exhaustion.
type Result struct {
	// Answer is the concatenation of all agent_message fragments in
	// arrival order.
	Answer string
	// ConversationID is the correlation id from the first message_end
	// event that carried one, or empty.
	ConversationID string
}

// event mirrors the fields of an upstream record this parser cares about.
type event struct {
	Event          string  `json:"event"`
	Answer         *string `json:"answer"`
	ConversationID string  `json:"conversation_id"`
}

// Parser accumulates answer text from a single upstream stream. The zero
// value is usable; set OnFragment to additionally receive each answer
// fragment as it arrives (incremental mode).
type Parser struct {
	OnFragment func(fragment string)
	Logger     *slog.Logger
}

// Consume reads r until EOF and returns the accumulated result. The reader
// delivers arbitrary chunk boundaries; line reassembly happens here, so the
// result is invariant to how the bytes were split. A record that fails to
// decode is logged and skipped, never fatal.
func (p *Parser) Consume(r io.Reader) (Result, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var res Result
	var answer strings.Builder

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, tooLong, err := readLine(br)
		if tooLong {
			logger.Debug("skipping oversized stream record", "limit_bytes", maxLineSize)
		} else if line != "" {
			p.record(logger, line, &res, &answer)
		}
		if err != nil {
			res.Answer = answer.String()
			if err == io.EOF {
				return res, nil
			}
			return res, err
		}
	}
}

// record processes a single reassembled line.
func (p *Parser) record(logger *slog.Logger, line string, res *Result, answer *strings.Builder) {
	if !strings.HasPrefix(line, dataPrefix) {
		return
	}
	payload := line[len(dataPrefix):]
	if !utf8.ValidString(payload) {
		logger.Debug("skipping non-UTF8 stream record")
		return
	}

	var ev event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		logger.Debug("skipping malformed stream record", "error", err)
		return
	}

	switch ev.Event {
	case eventAgentMessage:
		if ev.Answer == nil {
			return
		}
		answer.WriteString(*ev.Answer)
		if p.OnFragment != nil {
			p.OnFragment(*ev.Answer)
		}
	case eventMessageEnd:
		// First write wins; a later message_end never overwrites.
		if ev.ConversationID != "" && res.ConversationID == "" {
			res.ConversationID = ev.ConversationID
		}
	}
}

// readLine returns the next newline-terminated record without its
// terminator. A record longer than maxLineSize is discarded in place and
// reported through tooLong; the stream keeps going.
func readLine(br *bufio.Reader) (line string, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLineSize {
			if err == bufio.ErrBufferFull {
				err = discardLine(br)
			}
			return "", true, err
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		line := strings.TrimSuffix(string(buf), "\n")
		line = strings.TrimSuffix(line, "\r")
		return line, false, err
	}
}

// discardLine consumes the remainder of the current record.
func discardLine(br *bufio.Reader) error {
	for {
		_, err := br.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return err
		}
	}
}
