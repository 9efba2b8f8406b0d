package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/turnengine/internal/bus"
	"github.com/haasonsaas/turnengine/pkg/models"
)

// Asker is the subset of Gate used by the turn engine and tools.
type Asker interface {
	Ask(ctx context.Context, req models.PermissionRequest) error
}

// Gate evaluates permission requests against configured rules and session
// approvals, and parks undecided requests until Reply is called.
type Gate struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	rules    Ruleset
	approved map[string]Ruleset
	pending  map[string]*pendingRequest
}

type pendingRequest struct {
	req   models.PermissionRequest
	reply chan models.PermissionReply
}

// NewGate creates a gate. A nil bus disables event publishing.
func NewGate(rules Ruleset, b *bus.Bus, logger *slog.Logger) *Gate {
	if rules == nil {
		rules = DefaultRuleset()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		bus:      b,
		logger:   logger,
		rules:    rules,
		approved: map[string]Ruleset{},
		pending:  map[string]*pendingRequest{},
	}
}

// SetRules swaps the configured rules. Pending requests are not re-evaluated.
func (g *Gate) SetRules(rules Ruleset) {
	g.mu.Lock()
	g.rules = rules
	g.mu.Unlock()
}

// evaluateLocked returns the strictest action over all patterns.
func (g *Gate) evaluateLocked(req models.PermissionRequest) Action {
	rules := Merge(g.rules, g.approved[req.SessionID])
	patterns := req.Patterns
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	result := ActionAllow
	for _, pattern := range patterns {
		switch rules.Evaluate(req.Permission, pattern) {
		case ActionDeny:
			return ActionDeny
		case ActionAsk:
			result = ActionAsk
		}
	}
	return result
}

// Ask blocks until the request is allowed, rejected or ctx is done.
// It returns nil when allowed and a *RejectedError when denied.
func (g *Gate) Ask(ctx context.Context, req models.PermissionRequest) error {
	if req.SessionID == "" {
		return fmt.Errorf("permission: session id is required")
	}

	g.mu.Lock()
	switch g.evaluateLocked(req) {
	case ActionAllow:
		g.mu.Unlock()
		return nil
	case ActionDeny:
		g.mu.Unlock()
		return &RejectedError{SessionID: req.SessionID, Permission: req.Permission, Patterns: req.Patterns, ByRule: true}
	}

	if req.ID == "" {
		req.ID = "per_" + uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if len(req.Always) == 0 {
		req.Always = req.Patterns
	}
	pending := &pendingRequest{req: req, reply: make(chan models.PermissionReply, 1)}
	g.pending[req.ID] = pending
	g.mu.Unlock()

	g.logger.Info("permission requested",
		"session_id", req.SessionID,
		"permission", req.Permission,
		"patterns", req.Patterns,
	)
	askCopy := req
	g.bus.Publish(models.Event{Type: models.EventPermissionAsked, SessionID: req.SessionID, Permission: &askCopy})

	select {
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.pending, req.ID)
		g.mu.Unlock()
		return context.Cause(ctx)
	case reply := <-pending.reply:
		if reply == models.PermissionReject {
			return &RejectedError{SessionID: req.SessionID, Permission: req.Permission, Patterns: req.Patterns}
		}
		return nil
	}
}

// Reply answers a pending request. Rejecting one request rejects every other
// pending request of the same session; "always" approves the request's
// patterns for the rest of the session and releases requests they now cover.
func (g *Gate) Reply(requestID string, reply models.PermissionReply) error {
	if !reply.Valid() {
		return fmt.Errorf("permission: invalid reply %q", reply)
	}

	g.mu.Lock()
	target, ok := g.pending[requestID]
	if !ok {
		g.mu.Unlock()
		return ErrRequestNotFound
	}
	delete(g.pending, requestID)

	resolved := []resolution{{pending: target, reply: reply}}
	sessionID := target.req.SessionID

	switch reply {
	case models.PermissionReject:
		for id, other := range g.pending {
			if other.req.SessionID == sessionID {
				delete(g.pending, id)
				resolved = append(resolved, resolution{pending: other, reply: models.PermissionReject})
			}
		}
	case models.PermissionAlways:
		for _, pattern := range target.req.Always {
			g.approved[sessionID] = append(g.approved[sessionID], Rule{
				Permission: target.req.Permission,
				Pattern:    pattern,
				Action:     ActionAllow,
			})
		}
		for id, other := range g.pending {
			if other.req.SessionID == sessionID && g.evaluateLocked(other.req) == ActionAllow {
				delete(g.pending, id)
				resolved = append(resolved, resolution{pending: other, reply: models.PermissionAlways})
			}
		}
	}
	g.mu.Unlock()

	for _, r := range resolved {
		r.pending.reply <- r.reply
		g.bus.Publish(models.Event{
			Type:      models.EventPermissionReplied,
			SessionID: sessionID,
			Reply: &models.PermissionReplied{
				SessionID: sessionID,
				RequestID: r.pending.req.ID,
				Reply:     r.reply,
			},
		})
	}
	return nil
}

type resolution struct {
	pending *pendingRequest
	reply   models.PermissionReply
}

// Pending lists undecided requests for the session (all sessions when empty),
// oldest first.
func (g *Gate) Pending(sessionID string) []models.PermissionRequest {
	g.mu.Lock()
	out := make([]models.PermissionRequest, 0, len(g.pending))
	for _, p := range g.pending {
		if sessionID == "" || p.req.SessionID == sessionID {
			out = append(out, p.req)
		}
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ForgetSession drops the session's "always" approvals.
func (g *Gate) ForgetSession(sessionID string) {
	g.mu.Lock()
	delete(g.approved, sessionID)
	g.mu.Unlock()
}
