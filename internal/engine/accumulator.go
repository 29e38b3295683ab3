package engine

import (
	"strings"

	"github.com/opencode-ai/missionlink/internal/backend"
)

// Fragment is a flushed piece of text and its position in the execution.
type Fragment struct {
	Content string
	Index   int
}

// ToolCall is a tool call reassembled from its fragments.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type toolBuffer struct {
	name string
	args strings.Builder
}

// Accumulator buffers the text and tool-call fragments of one execution.
// Text is withheld until at least minFlush bytes are pending. It is not safe
// for concurrent use.
type Accumulator struct {
	minFlush int
	pending  strings.Builder
	text     strings.Builder
	next     int

	calls map[string]*toolBuffer
	order []string
}

// NewAccumulator creates an accumulator. Thresholds below one are raised to one.
func NewAccumulator(minFlush int) *Accumulator {
	if minFlush < 1 {
		minFlush = 1
	}
	return &Accumulator{
		minFlush: minFlush,
		calls:    make(map[string]*toolBuffer),
	}
}

// AddText appends generated text and returns a fragment once the pending
// window reaches the threshold.
func (a *Accumulator) AddText(s string) (Fragment, bool) {
	if s == "" {
		return Fragment{}, false
	}
	a.text.WriteString(s)
	a.pending.WriteString(s)
	if a.pending.Len() < a.minFlush {
		return Fragment{}, false
	}
	return a.Flush()
}

// Flush returns whatever text is pending, regardless of size.
func (a *Accumulator) Flush() (Fragment, bool) {
	if a.pending.Len() == 0 {
		return Fragment{}, false
	}
	f := Fragment{Content: a.pending.String(), Index: a.next}
	a.pending.Reset()
	a.next++
	return f, true
}

// AddToolFragment appends a fragment to the call it belongs to, opening a new
// call for an unseen id. It returns the call's name as known so far.
func (a *Accumulator) AddToolFragment(f backend.ToolCallFragment) string {
	buf, ok := a.calls[f.ID]
	if !ok {
		buf = &toolBuffer{}
		a.calls[f.ID] = buf
		a.order = append(a.order, f.ID)
	}
	if buf.name == "" {
		buf.name = f.Name
	}
	buf.args.WriteString(f.Arguments)
	return buf.name
}

// Text returns all text seen so far, flushed or not.
func (a *Accumulator) Text() string {
	return a.text.String()
}

// ToolCalls returns the reassembled calls in order of first appearance.
func (a *Accumulator) ToolCalls() []ToolCall {
	calls := make([]ToolCall, 0, len(a.order))
	for _, id := range a.order {
		buf := a.calls[id]
		calls = append(calls, ToolCall{ID: id, Name: buf.name, Arguments: buf.args.String()})
	}
	return calls
}
