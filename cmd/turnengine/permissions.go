package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/haasonsaas/turnengine/internal/config"
	"github.com/haasonsaas/turnengine/internal/permission"
	"github.com/haasonsaas/turnengine/pkg/models"
)

// replier answers pending permission requests.
type replier interface {
	Reply(requestID string, reply models.PermissionReply) error
}

// promptFunc asks the user to answer a request.
type promptFunc func(req models.PermissionRequest) (models.PermissionReply, error)

// permissionResponder answers the "ask" decisions of the gate, either on the
// terminal or with the configured fallback.
type permissionResponder struct {
	gate     replier
	fallback models.PermissionReply
	prompt   promptFunc
	notice   io.Writer
	logger   *slog.Logger
}

func newPermissionResponder(gate replier, cfg config.PermissionConfig, notice io.Writer, logger *slog.Logger) *permissionResponder {
	fallback := models.PermissionReject
	if cfg.Fallback == permission.ActionAllow {
		fallback = models.PermissionAllow
	}
	return &permissionResponder{gate: gate, fallback: fallback, notice: notice, logger: logger}
}

// run answers every asked event until the channel closes.
func (p *permissionResponder) run(events <-chan models.Event) {
	for evt := range events {
		if evt.Type != models.EventPermissionAsked || evt.Permission == nil {
			continue
		}
		req := *evt.Permission
		reply := p.decide(req)
		if err := p.gate.Reply(req.ID, reply); err != nil {
			// The request may already be settled by a cascaded reject.
			p.logger.Debug("permission reply dropped", "request_id", req.ID, "error", err)
		}
	}
}

func (p *permissionResponder) decide(req models.PermissionRequest) models.PermissionReply {
	if p.prompt != nil {
		reply, err := p.prompt(req)
		if err == nil {
			return reply
		}
		p.logger.Warn("permission prompt failed, using fallback", "error", err)
	}
	if p.notice != nil {
		verb := "denied"
		if p.fallback == models.PermissionAllow {
			verb = "allowed"
		}
		fmt.Fprintf(p.notice, "permission %s: %s\n", verb, describeRequest(req))
	}
	return p.fallback
}

// newTerminalPrompt reads y/a/n answers from in.
func newTerminalPrompt(in io.Reader, out io.Writer) promptFunc {
	reader := bufio.NewReader(in)
	return func(req models.PermissionRequest) (models.PermissionReply, error) {
		for {
			fmt.Fprintf(out, "\nAllow %s? [y]es, [a]lways, [n]o: ", describeRequest(req))
			line, err := reader.ReadString('\n')
			if err != nil && line == "" {
				return "", err
			}
			if reply, ok := parseReply(line); ok {
				return reply, nil
			}
		}
	}
}

func parseReply(line string) (models.PermissionReply, bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return models.PermissionAllow, true
	case "a", "always":
		return models.PermissionAlways, true
	case "n", "no":
		return models.PermissionReject, true
	}
	return "", false
}

func describeRequest(req models.PermissionRequest) string {
	if req.Permission == permission.DoomLoop {
		tool := strings.Join(req.Patterns, ", ")
		return fmt.Sprintf("%s to repeat an identical call", tool)
	}
	patterns := strings.Join(req.Patterns, ", ")
	if patterns == "" || patterns == "*" {
		return req.Permission
	}
	return req.Permission + " " + patterns
}
