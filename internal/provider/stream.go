package provider

import (
	"errors"
	"io"

	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/missionlink/internal/backend"
)

// Stream turns Eino message chunks into backend units. One chunk may carry
// text, tool-call fragments and response metadata at once; they are emitted
// in that order. A Done unit is emitted when the reader is exhausted.
type Stream struct {
	reader  *schema.StreamReader[*schema.Message]
	pending []backend.Unit
	callIDs map[int]string // tool-call index -> id, for chunks that omit the id
	lastID  string
	finish  string
	done    bool
}

// NewStream wraps an Eino stream reader.
func NewStream(reader *schema.StreamReader[*schema.Message]) *Stream {
	return &Stream{
		reader:  reader,
		callIDs: make(map[int]string),
	}
}

// Recv returns the next unit, or io.EOF after Done has been returned.
func (s *Stream) Recv() (backend.Unit, error) {
	for len(s.pending) == 0 {
		if s.done {
			return nil, io.EOF
		}

		msg, err := s.reader.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			reason := s.finish
			if reason == "" {
				reason = "stop"
			}
			s.pending = append(s.pending, backend.Done{Reason: reason})
			break
		}
		if err != nil {
			return nil, err
		}
		s.translate(msg)
	}

	u := s.pending[0]
	s.pending = s.pending[1:]
	return u, nil
}

// Close releases the underlying reader.
func (s *Stream) Close() {
	s.reader.Close()
}

func (s *Stream) translate(msg *schema.Message) {
	if msg == nil {
		return
	}

	if msg.Content != "" {
		s.pending = append(s.pending, backend.ContentDelta{Text: msg.Content})
	}

	for _, tc := range msg.ToolCalls {
		index := 0
		if tc.Index != nil {
			index = *tc.Index
		}
		id := tc.ID
		switch {
		case id != "":
			s.callIDs[index] = id
		case s.callIDs[index] != "":
			id = s.callIDs[index]
		default:
			id = s.lastID
		}
		if id == "" {
			continue
		}
		s.lastID = id
		s.pending = append(s.pending, backend.ToolCallFragment{
			ID:        id,
			Index:     index,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	if meta := msg.ResponseMeta; meta != nil {
		if meta.Usage != nil {
			s.pending = append(s.pending, backend.Usage{
				Input:  meta.Usage.PromptTokens,
				Output: meta.Usage.CompletionTokens,
			})
		}
		if meta.FinishReason != "" {
			s.finish = meta.FinishReason
		}
	}
}

var _ backend.Stream = (*Stream)(nil)
