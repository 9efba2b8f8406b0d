package llm

import (
	"strconv"

	"github.com/haasonsaas/turnengine/internal/turn"
	"github.com/haasonsaas/turnengine/internal/usage"
)

// pump adapts an SDK iterator to turn.Stream. pull converts one SDK event
// into zero or more stream events and returns io.EOF once the SDK stream is
// exhausted.
type pump struct {
	pending []turn.StreamEvent
	err     error
	pull    func() ([]turn.StreamEvent, error)
	close   func() error
}

func (p *pump) Recv() (turn.StreamEvent, error) {
	for len(p.pending) == 0 {
		if p.err != nil {
			return turn.StreamEvent{}, p.err
		}
		events, err := p.pull()
		p.pending = append(p.pending, events...)
		if err != nil {
			p.err = err
		}
	}
	evt := p.pending[0]
	p.pending = p.pending[1:]
	return evt, nil
}

func (p *pump) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}

// emitter tracks which text and reasoning blocks are open so adapters for
// APIs without explicit block boundaries can still produce start/end pairs.
type emitter struct {
	out       []turn.StreamEvent
	started   bool
	textOpen  bool
	reasoning string
	seq       int
}

// begin emits the start and start-step events once.
func (e *emitter) begin() {
	if e.started {
		return
	}
	e.started = true
	e.out = append(e.out, turn.StreamEvent{Type: turn.EventStart}, turn.StreamEvent{Type: turn.EventStartStep})
}

func (e *emitter) text(delta string) {
	if delta == "" {
		return
	}
	e.begin()
	e.closeReasoning()
	if !e.textOpen {
		e.textOpen = true
		e.out = append(e.out, turn.StreamEvent{Type: turn.EventTextStart})
	}
	e.out = append(e.out, turn.StreamEvent{Type: turn.EventTextDelta, Text: delta})
}

func (e *emitter) thinking(delta string) {
	if delta == "" {
		return
	}
	e.begin()
	e.closeText()
	if e.reasoning == "" {
		e.seq++
		e.reasoning = reasoningID(e.seq)
		e.out = append(e.out, turn.StreamEvent{Type: turn.EventReasoningStart, ID: e.reasoning})
	}
	e.out = append(e.out, turn.StreamEvent{Type: turn.EventReasoningDelta, ID: e.reasoning, Text: delta})
}

func (e *emitter) closeText() {
	if e.textOpen {
		e.textOpen = false
		e.out = append(e.out, turn.StreamEvent{Type: turn.EventTextEnd})
	}
}

func (e *emitter) closeReasoning() {
	if e.reasoning != "" {
		e.out = append(e.out, turn.StreamEvent{Type: turn.EventReasoningEnd, ID: e.reasoning})
		e.reasoning = ""
	}
}

func (e *emitter) toolCall(call toolCall) {
	e.begin()
	e.closeText()
	e.closeReasoning()
	e.out = append(e.out,
		turn.StreamEvent{Type: turn.EventToolInputStart, CallID: call.ID, ToolName: call.Name},
		turn.StreamEvent{Type: turn.EventToolCall, CallID: call.ID, ToolName: call.Name, Input: call.Input},
	)
}

// finish closes open blocks and emits finish-step and finish.
func (e *emitter) finish(reason string, raw usage.Raw) {
	e.begin()
	e.closeText()
	e.closeReasoning()
	e.out = append(e.out,
		turn.StreamEvent{Type: turn.EventFinishStep, FinishReason: reason, Usage: raw},
		turn.StreamEvent{Type: turn.EventFinish, FinishReason: reason, Usage: raw},
	)
}

func (e *emitter) flush() []turn.StreamEvent {
	out := e.out
	e.out = nil
	return out
}

func reasoningID(n int) string {
	return "reasoning-" + strconv.Itoa(n)
}
