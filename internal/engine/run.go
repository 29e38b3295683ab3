package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opencode-ai/missionlink/internal/backend"
	"github.com/opencode-ai/missionlink/internal/event"
	"github.com/opencode-ai/missionlink/internal/protocol"
	"github.com/opencode-ai/missionlink/internal/registry"
	"github.com/opencode-ai/missionlink/pkg/types"
)

var errCancelled = errors.New("execution cancelled")

// runState is the per-run bookkeeping owned by the run goroutine.
type runState struct {
	h          *handle
	acc        *Accumulator
	usage      types.TokenUsage
	finish     string
	reachable  bool
	terminated bool
	// sent is set once a terminal event has been handed to the owner.
	sent bool
}

type received struct {
	unit backend.Unit
	err  error
}

func (e *Engine) run(h *handle) {
	defer e.wg.Done()

	st := &runState{
		h:         h,
		acc:       NewAccumulator(e.cfg.MinFlushBytes),
		reachable: true,
	}
	log := e.log.With().
		Str("execution_id", h.id).
		Str("session_id", h.sessionID).
		Str("resource_id", h.resource.ID).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("execution panicked")
			e.terminate(st, fmt.Errorf("panic: %v", r))
		}
	}()

	err := e.stream(st)
	if err != nil && !errors.Is(err, errCancelled) {
		log.Warn().Err(err).Msg("execution failed")
	}
	e.terminate(st, err)
}

// stream opens the backend and pumps units until a terminal signal.
func (e *Engine) stream(st *runState) error {
	h := st.h
	req, err := e.buildRequest(h)
	if err != nil {
		return err
	}

	s, err := e.open(h, req)
	if err != nil {
		if h.ctx.Err() != nil {
			return errCancelled
		}
		return err
	}

	units := make(chan received)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().
					Str("execution_id", h.id).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("backend stream panicked")
				select {
				case units <- received{err: fmt.Errorf("backend panic: %v", r)}:
				case <-h.ctx.Done():
				}
			}
		}()
		defer s.Close()
		for {
			u, err := s.Recv()
			select {
			case units <- received{unit: u, err: err}:
			case <-h.ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-h.cancelCh:
			return errCancelled
		case r := <-units:
			// A cancel that arrived together with the unit wins.
			select {
			case <-h.cancelCh:
				return errCancelled
			default:
			}
			done, err := e.apply(st, r)
			if err != nil || done {
				return err
			}
		}
	}
}

// apply folds one received unit into the run and reports whether the stream is done.
func (e *Engine) apply(st *runState, r received) (bool, error) {
	if r.err != nil {
		if errors.Is(r.err, io.EOF) {
			st.finish = "stop"
			e.flush(st)
			return true, nil
		}
		return false, r.err
	}

	switch u := r.unit.(type) {
	case backend.Token:
		e.text(st, u.Text)
	case backend.ContentDelta:
		e.text(st, u.Text)
	case backend.Usage:
		st.usage = types.TokenUsage{Input: u.Input, Output: u.Output, Reasoning: u.Reasoning}
	case backend.ToolCallFragment:
		e.flush(st)
		name := st.acc.AddToolFragment(u)
		if u.Arguments != "" || u.Name != "" {
			e.push(st, protocol.ExecutionDelta{
				ExecutionID: st.h.id,
				ToolCallID:  u.ID,
				ToolName:    name,
				Delta:       u.Arguments,
			})
		}
	case backend.Done:
		st.finish = u.Reason
		if st.finish == "" {
			st.finish = "stop"
		}
		e.flush(st)
		return true, nil
	case backend.Failure:
		return false, u
	}
	return false, nil
}

func (e *Engine) text(st *runState, s string) {
	if f, ok := st.acc.AddText(s); ok {
		e.pushFragment(st, f)
	}
}

func (e *Engine) flush(st *runState) {
	if f, ok := st.acc.Flush(); ok {
		e.pushFragment(st, f)
	}
}

func (e *Engine) pushFragment(st *runState, f Fragment) {
	e.push(st, protocol.ExecutionToken{
		ExecutionID: st.h.id,
		Content:     f.Content,
		Index:       f.Index,
	})
}

func (e *Engine) push(st *runState, ev protocol.Event) {
	if !st.reachable {
		return
	}
	st.reachable = e.send(st.h, protocol.Push(ev))
}

// open starts the backend stream, retrying with exponential backoff.
func (e *Engine) open(h *handle, req *backend.Request) (backend.Stream, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.cfg.OpenBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(e.cfg.MaxOpenRetries)), h.ctx)

	attempt := 0
	return backoff.RetryWithData(func() (backend.Stream, error) {
		attempt++
		s, err := h.backend.OpenStream(h.ctx, req)
		if err == nil {
			return s, nil
		}
		if h.ctx.Err() != nil || errors.Is(err, backend.ErrNoBackend) {
			return nil, backoff.Permanent(err)
		}
		e.log.Debug().
			Err(err).
			Str("execution_id", h.id).
			Int("attempt", attempt).
			Msg("open stream failed")
		return nil, err
	}, policy)
}

// buildRequest assembles the conversation from the resource and its history.
func (e *Engine) buildRequest(h *handle) (*backend.Request, error) {
	history, err := e.store.ListMessages(h.ctx, h.resource.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	hasUser := false
	for _, m := range history {
		if m.Role == types.RoleUser {
			hasUser = true
			break
		}
	}
	if !hasUser {
		prompt := h.resource.Title
		if h.resource.Description != "" {
			prompt += "\n\n" + h.resource.Description
		}
		history = append(history, &types.Message{Role: types.RoleUser, Content: prompt})
	}

	system := h.options.SystemPrompt
	if system == "" {
		system = e.cfg.SystemPrompt
	}
	maxTokens := h.options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.cfg.MaxTokens
	}

	return &backend.Request{
		ExecutionID:  h.id,
		ResourceID:   h.resource.ID,
		Model:        h.modelID,
		SystemPrompt: system,
		Messages:     history,
		MaxTokens:    maxTokens,
		Temperature:  h.options.Temperature,
		TopP:         h.options.TopP,
	}, nil
}

// terminate emits exactly one terminal event and removes the handle. A second
// call only happens after a panic; it reports failure if nothing was sent yet.
func (e *Engine) terminate(st *runState, err error) {
	h := st.h
	if st.terminated {
		e.remove(h)
		if !st.sent {
			e.end(st, protocol.ExecutionFailed{ExecutionID: h.id, Error: "execution aborted"}, event.OutcomeFailed)
		}
		return
	}
	st.terminated = true

	if errors.Is(err, errCancelled) || !e.settle(h) {
		e.remove(h)
		e.end(st, protocol.ExecutionCancelled{ExecutionID: h.id}, event.OutcomeCancelled)
		return
	}

	if err != nil {
		e.remove(h)
		e.end(st, protocol.ExecutionFailed{ExecutionID: h.id, Error: failureMessage(err)}, event.OutcomeFailed)
		return
	}

	completed, err := e.complete(st)
	e.remove(h)
	if err != nil {
		e.log.Error().
			Err(err).
			Str("execution_id", h.id).
			Str("session_id", h.sessionID).
			Msg("failed to persist execution result")
		e.end(st, protocol.ExecutionFailed{ExecutionID: h.id, Error: "failed to save execution result"}, event.OutcomeFailed)
		return
	}
	e.end(st, completed, event.OutcomeCompleted)
}

// end pushes the terminal event and publishes the outcome.
func (e *Engine) end(st *runState, ev protocol.Event, outcome string) {
	st.sent = true
	e.push(st, ev)
	e.finished(st.h, outcome)
}

// complete persists the message and proposals and notifies subscribers.
func (e *Engine) complete(st *runState) (protocol.ExecutionCompleted, error) {
	h := st.h
	ctx := context.WithoutCancel(h.ctx)
	now := time.Now().UnixMilli()
	usage := st.usage

	msg := &types.Message{
		ID:          newID(),
		ResourceID:  h.resource.ID,
		Role:        types.RoleAssistant,
		Content:     st.acc.Text(),
		ExecutionID: h.id,
		SessionID:   h.sessionID,
		Finish:      st.finish,
		Tokens:      &usage,
		Time:        types.MessageTime{Created: h.startedAt.UnixMilli(), Completed: &now},
	}
	if err := e.store.CreateMessage(ctx, msg); err != nil {
		return protocol.ExecutionCompleted{}, err
	}

	summaries := []types.FileChangeSummary{}
	for _, call := range st.acc.ToolCalls() {
		p, ok := Proposal(call)
		if !ok {
			continue
		}
		p.ResourceID = h.resource.ID
		p.MessageID = msg.ID
		p.ExecutionID = h.id
		if err := e.store.CreateFileChangeProposal(ctx, p); err != nil {
			e.log.Error().
				Err(err).
				Str("execution_id", h.id).
				Str("path", p.Path).
				Msg("failed to store file change proposal")
			continue
		}
		summaries = append(summaries, p.Summary())
	}

	if e.registry != nil {
		topics := registry.ResourceTopics(h.resource.Kind, h.resource.ID)
		e.registry.BroadcastToTopics(topics, protocol.Push(protocol.ResourceChanged{
			ResourceID:  h.resource.ID,
			Change:      protocol.ChangeMessageCreated,
			MessageID:   msg.ID,
			ExecutionID: h.id,
			Message:     msg,
		}))
		if len(summaries) > 0 {
			e.registry.BroadcastToTopics(topics, protocol.Push(protocol.ResourceChanged{
				ResourceID:  h.resource.ID,
				Change:      protocol.ChangeFileChangesCreated,
				MessageID:   msg.ID,
				ExecutionID: h.id,
				FileChanges: summaries,
			}))
		}
	}

	return protocol.ExecutionCompleted{
		ExecutionID:   h.id,
		MessageID:     msg.ID,
		Content:       msg.Content,
		Finish:        st.finish,
		Usage:         usage,
		FileChanges:   summaries,
		DurationMs:    time.Since(h.startedAt).Milliseconds(),
		DroppedEvents: int(h.dropped.Load()),
	}, nil
}

func (e *Engine) finished(h *handle, outcome string) {
	duration := time.Since(h.startedAt).Milliseconds()
	e.log.Info().
		Str("execution_id", h.id).
		Str("session_id", h.sessionID).
		Str("resource_id", h.resource.ID).
		Str("outcome", outcome).
		Int64("duration_ms", duration).
		Msg("execution finished")
	e.publish(event.ExecutionFinished, event.ExecutionData{
		ExecutionID: h.id,
		SessionID:   h.sessionID,
		ResourceID:  h.resource.ID,
		Outcome:     outcome,
		DurationMs:  duration,
	})
}

// failureMessage keeps backend details out of client-facing errors.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, backend.ErrNoBackend):
		return "no backend available"
	case errors.Is(err, context.DeadlineExceeded):
		return "backend timed out"
	default:
		return "backend stream failed"
	}
}
