package turn

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/turnengine/internal/health"
	"github.com/haasonsaas/turnengine/internal/usage"
	"github.com/haasonsaas/turnengine/pkg/models"
)

// memStore records every write so tests can inspect intermediate states.
type memStore struct {
	mu sync.Mutex

	order    []string
	parts    map[string]*models.Part
	history  map[string][]models.ToolStatus
	messages []*models.Message
	usage    []models.TokenUsage
	deltas   []string
	writes   int

	maxOpenText      int
	maxOpenReasoning map[string]int
	completedStamps  map[string]time.Time
	completedChanges int

	failUpdatePart error
}

func newMemStore() *memStore {
	return &memStore{
		parts:            map[string]*models.Part{},
		history:          map[string][]models.ToolStatus{},
		maxOpenReasoning: map[string]int{},
		completedStamps:  map[string]time.Time{},
	}
}

func (s *memStore) UpdateMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *msg
	s.messages = append(s.messages, &copied)
	if msg.CompletedAt != nil {
		prev, ok := s.completedStamps[msg.ID]
		if !ok || !prev.Equal(*msg.CompletedAt) {
			s.completedChanges++
			s.completedStamps[msg.ID] = *msg.CompletedAt
		}
	}
	return nil
}

func (s *memStore) UpdatePart(_ context.Context, part *models.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdatePart != nil {
		return s.failUpdatePart
	}
	s.putLocked(part)
	return nil
}

func (s *memStore) UpdatePartDelta(_ context.Context, part *models.Part, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, delta)
	s.putLocked(part)
	return nil
}

func (s *memStore) putLocked(part *models.Part) {
	s.writes++
	if _, ok := s.parts[part.ID]; !ok {
		s.order = append(s.order, part.ID)
	}
	s.parts[part.ID] = part.Clone()
	if part.Tool != nil {
		h := s.history[part.Tool.CallID]
		if len(h) == 0 || h[len(h)-1] != part.Tool.State.Status {
			s.history[part.Tool.CallID] = append(h, part.Tool.State.Status)
		}
	}

	openText := 0
	openReasoning := 0
	for _, p := range s.parts {
		if p.Text == nil || p.Text.Finalized() {
			continue
		}
		switch p.Type {
		case models.PartText:
			openText++
		case models.PartReasoning:
			openReasoning++
		}
	}
	s.maxOpenText = max(s.maxOpenText, openText)
	s.maxOpenReasoning[part.MessageID] = max(s.maxOpenReasoning[part.MessageID], openReasoning)
}

func (s *memStore) ListParts(_ context.Context, messageID string) ([]*models.Part, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Part
	for _, id := range s.order {
		if p := s.parts[id]; p.MessageID == messageID {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *memStore) AddUsage(_ context.Context, _ string, _ float64, tokens models.TokenUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, tokens)
	return nil
}

func (s *memStore) partsOfType(kind models.PartType) []*models.Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Part
	for _, id := range s.order {
		if p := s.parts[id]; p.Type == kind {
			out = append(out, p.Clone())
		}
	}
	return out
}

func (s *memStore) toolPart(callID string) *models.Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.parts {
		if p.Tool != nil && p.Tool.CallID == callID {
			return p.Clone()
		}
	}
	return nil
}

// script is one provider stream attempt.
type script struct {
	openErr error
	events  []StreamEvent
	// err ends the stream after events; nil ends it with io.EOF.
	err error
	// hang blocks after events until the stream is closed or cancelled.
	hang bool
	// drained runs once every event has been delivered.
	drained func()
}

type scriptedProvider struct {
	mu       sync.Mutex
	scripts  []script
	calls    int
	received []int
}

func newProvider(scripts ...script) *scriptedProvider {
	return &scriptedProvider{scripts: scripts}
}

func (p *scriptedProvider) Stream(ctx context.Context, _ *Request) (Stream, error) {
	p.mu.Lock()
	attempt := p.calls
	idx := attempt
	p.calls++
	p.received = append(p.received, 0)
	p.mu.Unlock()

	if idx >= len(p.scripts) {
		idx = len(p.scripts) - 1
	}
	s := p.scripts[idx]
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &scriptedStream{
		ctx:      ctx,
		script:   s,
		provider: p,
		attempt:  attempt,
		closed:   make(chan struct{}),
	}, nil
}

func (p *scriptedProvider) attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) delivered(attempt int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received[attempt]
}

type scriptedStream struct {
	ctx       context.Context
	script    script
	provider  *scriptedProvider
	attempt   int
	next      int
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *scriptedStream) Recv() (StreamEvent, error) {
	if s.next < len(s.script.events) {
		evt := s.script.events[s.next]
		s.next++
		s.provider.mu.Lock()
		s.provider.received[s.attempt]++
		s.provider.mu.Unlock()
		return evt, nil
	}
	if s.next == len(s.script.events) {
		s.next++
		if s.script.drained != nil {
			s.script.drained()
		}
	}
	if s.script.hang {
		select {
		case <-s.ctx.Done():
			return StreamEvent{}, s.ctx.Err()
		case <-s.closed:
			return StreamEvent{}, io.ErrClosedPipe
		}
	}
	if s.script.err != nil {
		return StreamEvent{}, s.script.err
	}
	return StreamEvent{}, io.EOF
}

func (s *scriptedStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type askFunc func(ctx context.Context, req models.PermissionRequest) error

type recordingAsker struct {
	mu       sync.Mutex
	requests []models.PermissionRequest
	answer   askFunc
}

func (a *recordingAsker) Ask(ctx context.Context, req models.PermissionRequest) error {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	answer := a.answer
	a.mu.Unlock()
	if answer == nil {
		return nil
	}
	return answer(ctx, req)
}

type fakeSnapshots struct {
	mu      sync.Mutex
	tracked int
	files   []string
}

func (f *fakeSnapshots) Track(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked++
	return "snap", nil
}

func (f *fakeSnapshots) Patch(_ context.Context, hash string) (models.PatchPart, error) {
	return models.PatchPart{Hash: hash, Files: f.files}, nil
}

type countingSummarizer struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSummarizer) Summarize(context.Context, string, string) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return nil
}

// testHarness bundles an engine with its fakes.
type testHarness struct {
	engine   *Engine
	store    *memStore
	provider *scriptedProvider
	sleeps   []time.Duration
}

func newHarness(t *testing.T, provider *scriptedProvider, mutate func(*Options)) *testHarness {
	t.Helper()
	h := &testHarness{store: newMemStore(), provider: provider}

	cfg := DefaultConfig()
	cfg.StreamStartTimeout = 5 * time.Second
	cfg.Health = health.Config{StallTimeout: 5 * time.Second, CheckInterval: 10 * time.Millisecond}
	opts := Options{
		Provider: provider,
		Store:    h.store,
		Config:   cfg,
	}
	if mutate != nil {
		mutate(&opts)
	}

	engine, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	engine.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	h.engine = engine
	return h
}

func newInput() Input {
	msg := &models.Message{
		ID:        models.NewMessageID(),
		SessionID: "ses_test",
		Role:      models.RoleAssistant,
		CreatedAt: time.Now(),
	}
	return Input{
		Message: msg,
		Model:   testModel(),
		Request: &Request{SessionID: msg.SessionID, MessageID: msg.ID},
	}
}

func testModel() usage.Model {
	return usage.Model{ID: "test-model", Provider: "test", ContextLimit: 10_000, OutputLimit: 1_000}
}

func (h *testHarness) process(t *testing.T, ctx context.Context, in Input) Outcome {
	t.Helper()
	outcome, err := h.engine.Process(ctx, in)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	return outcome
}
