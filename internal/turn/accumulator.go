package turn

import (
	"context"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/turnengine/pkg/models"
)

// PostProcessFunc rewrites the final text of a text or reasoning part.
type PostProcessFunc func(kind models.PartType, text string) string

// Accumulator owns the open text and reasoning buffers of one message.
// Text parts share a single slot; reasoning parts are keyed by the provider's
// reasoning stream id. It is not safe for concurrent use.
type Accumulator struct {
	store       Store
	message     *models.Message
	postProcess PostProcessFunc
	now         func() time.Time

	text      *models.Part
	reasoning map[string]*models.Part
}

// NewAccumulator creates an accumulator writing parts of msg through store.
func NewAccumulator(store Store, msg *models.Message, postProcess PostProcessFunc, now func() time.Time) *Accumulator {
	if now == nil {
		now = time.Now
	}
	return &Accumulator{
		store:       store,
		message:     msg,
		postProcess: postProcess,
		now:         now,
		reasoning:   map[string]*models.Part{},
	}
}

// StartText opens the text buffer, finalizing any buffer still open.
func (a *Accumulator) StartText(ctx context.Context, metadata map[string]any) error {
	if a.text != nil {
		if err := a.FinalizeText(ctx); err != nil {
			return err
		}
	}
	part, err := a.open(ctx, models.PartText, metadata)
	if err != nil {
		return err
	}
	a.text = part
	return nil
}

// AppendText adds a delta to the open text buffer, opening one if needed.
func (a *Accumulator) AppendText(ctx context.Context, delta string, metadata map[string]any) error {
	if a.text == nil {
		if err := a.StartText(ctx, metadata); err != nil {
			return err
		}
	}
	return a.append(ctx, a.text, delta, metadata)
}

// FinalizeText closes the open text buffer. It is a no-op when none is open.
func (a *Accumulator) FinalizeText(ctx context.Context) error {
	part := a.text
	a.text = nil
	return a.finalize(ctx, part)
}

// StartReasoning opens the buffer for reasoning stream id, finalizing a
// previous buffer with the same id.
func (a *Accumulator) StartReasoning(ctx context.Context, id string, metadata map[string]any) error {
	if _, ok := a.reasoning[id]; ok {
		if err := a.FinalizeReasoning(ctx, id); err != nil {
			return err
		}
	}
	part, err := a.open(ctx, models.PartReasoning, metadata)
	if err != nil {
		return err
	}
	a.reasoning[id] = part
	return nil
}

// AppendReasoning adds a delta to reasoning stream id, opening it if needed.
func (a *Accumulator) AppendReasoning(ctx context.Context, id, delta string, metadata map[string]any) error {
	part, ok := a.reasoning[id]
	if !ok {
		if err := a.StartReasoning(ctx, id, metadata); err != nil {
			return err
		}
		part = a.reasoning[id]
	}
	return a.append(ctx, part, delta, metadata)
}

// FinalizeReasoning closes reasoning stream id. Unknown ids are ignored.
func (a *Accumulator) FinalizeReasoning(ctx context.Context, id string) error {
	part, ok := a.reasoning[id]
	if !ok {
		return nil
	}
	delete(a.reasoning, id)
	return a.finalize(ctx, part)
}

// FinalizeAll closes every open buffer, reasoning streams in id order first.
func (a *Accumulator) FinalizeAll(ctx context.Context) error {
	ids := make([]string, 0, len(a.reasoning))
	for id := range a.reasoning {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var firstErr error
	for _, id := range ids {
		if err := a.FinalizeReasoning(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.FinalizeText(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// OpenCount returns the number of open buffers.
func (a *Accumulator) OpenCount() (text int, reasoning int) {
	if a.text != nil {
		text = 1
	}
	return text, len(a.reasoning)
}

func (a *Accumulator) open(ctx context.Context, kind models.PartType, metadata map[string]any) (*models.Part, error) {
	part := &models.Part{
		ID:        models.NewPartID(),
		SessionID: a.message.SessionID,
		MessageID: a.message.ID,
		Type:      kind,
		Text: &models.TextPart{
			StartedAt: a.now(),
			Metadata:  maps.Clone(metadata),
		},
	}
	if err := a.store.UpdatePart(ctx, part); err != nil {
		return nil, err
	}
	return part, nil
}

// append adds delta to part. Metadata is merged key by key; a delta that
// carries only metadata, such as a reasoning signature, rewrites the part.
func (a *Accumulator) append(ctx context.Context, part *models.Part, delta string, metadata map[string]any) error {
	merged := mergeMetadata(part.Text, metadata)
	if delta == "" {
		if !merged {
			return nil
		}
		return a.store.UpdatePart(ctx, part)
	}
	part.Text.Text += delta
	return a.store.UpdatePartDelta(ctx, part, delta)
}

func mergeMetadata(text *models.TextPart, metadata map[string]any) bool {
	if len(metadata) == 0 {
		return false
	}
	if text.Metadata == nil {
		text.Metadata = make(map[string]any, len(metadata))
	}
	maps.Copy(text.Metadata, metadata)
	return true
}

func (a *Accumulator) finalize(ctx context.Context, part *models.Part) error {
	if part == nil || part.Text.Finalized() {
		return nil
	}
	text := strings.TrimRight(part.Text.Text, " \t\r\n")
	if a.postProcess != nil {
		text = a.postProcess(part.Type, text)
	}
	part.Text.Text = text
	ended := a.now()
	part.Text.EndedAt = &ended
	return a.store.UpdatePart(ctx, part)
}
