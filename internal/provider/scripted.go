package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Response is what a scripted model streams for one request. Err, when set,
// is delivered after the chunks as a mid-stream failure.
type Response struct {
	Chunks []*schema.Message
	Err    error
}

// Script computes the response to a conversation.
type Script func(input []*schema.Message) Response

// ScriptedModel is an Eino chat model that streams scripted chunks through
// an in-process pipe, pausing delay before each chunk.
type ScriptedModel struct {
	script Script
	delay  time.Duration
}

// NewScriptedModel creates a scripted chat model.
func NewScriptedModel(script Script, delay time.Duration) *ScriptedModel {
	return &ScriptedModel{script: script, delay: delay}
}

// Generate returns the whole scripted response as one message.
func (m *ScriptedModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	resp := m.script(input)
	if resp.Err != nil {
		return nil, resp.Err
	}
	return schema.ConcatMessages(resp.Chunks)
}

// Stream streams the scripted response. Cancelling ctx ends the stream with ctx's error.
func (m *ScriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := m.script(input)

	sr, sw := schema.Pipe[*schema.Message](1)
	go func() {
		defer sw.Close()

		for _, chunk := range resp.Chunks {
			if !m.wait(ctx) {
				sw.Send(nil, ctx.Err())
				return
			}
			if closed := sw.Send(chunk, nil); closed {
				return
			}
		}
		if resp.Err != nil {
			sw.Send(nil, resp.Err)
		}
	}()
	return sr, nil
}

func (m *ScriptedModel) wait(ctx context.Context) bool {
	if m.delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(m.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// NewLocalBackend returns the "local" backend serving the "echo" model.
func NewLocalBackend(delay time.Duration) *ChatBackend {
	return NewChatBackend("local", NewScriptedModel(EchoScript, delay), "echo", 0)
}

// EchoScript answers the last user message word by word. A message of the
// form "/write <path> <content>" is answered with a write_file tool call.
func EchoScript(input []*schema.Message) Response {
	var prompt string
	for i := len(input) - 1; i >= 0; i-- {
		if input[i].Role == schema.User {
			prompt = input[i].Content
			break
		}
	}
	promptTokens := 0
	for _, msg := range input {
		promptTokens += len(strings.Fields(msg.Content))
	}

	if rest, ok := strings.CutPrefix(prompt, "/write "); ok {
		path, content, _ := strings.Cut(rest, " ")
		return Response{Chunks: writeFileChunks(path, content, promptTokens)}
	}

	reply := "echo: " + prompt
	words := strings.SplitAfter(reply, " ")
	chunks := make([]*schema.Message, 0, len(words)+1)
	for _, w := range words {
		if w == "" {
			continue
		}
		chunks = append(chunks, schema.AssistantMessage(w, nil))
	}
	chunks = append(chunks, finalChunk("stop", promptTokens, len(words)))
	return Response{Chunks: chunks}
}

func writeFileChunks(path, content string, promptTokens int) []*schema.Message {
	args, _ := json.Marshal(map[string]string{"path": path, "content": content})
	half := len(args) / 2
	index := 0
	return []*schema.Message{
		schema.AssistantMessage("Proposing a change to "+path+".", nil),
		schema.AssistantMessage("", []schema.ToolCall{{
			Index:    &index,
			ID:       "call_" + strings.NewReplacer("/", "_", ".", "_").Replace(path),
			Type:     "function",
			Function: schema.FunctionCall{Name: "write_file", Arguments: string(args[:half])},
		}}),
		schema.AssistantMessage("", []schema.ToolCall{{
			Index:    &index,
			Function: schema.FunctionCall{Arguments: string(args[half:])},
		}}),
		finalChunk("tool_calls", promptTokens, len(strings.Fields(content))+1),
	}
}

func finalChunk(reason string, promptTokens, completionTokens int) *schema.Message {
	return &schema.Message{
		Role: schema.Assistant,
		ResponseMeta: &schema.ResponseMeta{
			FinishReason: reason,
			Usage: &schema.TokenUsage{
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				TotalTokens:      promptTokens + completionTokens,
			},
		},
	}
}

var _ model.BaseChatModel = (*ScriptedModel)(nil)
