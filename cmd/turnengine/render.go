package main

import (
	"fmt"
	"io"
	"time"

	"github.com/haasonsaas/turnengine/internal/tools"
	"github.com/haasonsaas/turnengine/pkg/models"
)

// renderer prints bus events of one session: text deltas to out, tool
// transitions and retries to status.
type renderer struct {
	out    io.Writer
	status io.Writer
	// tools holds the last printed status per tool part.
	tools map[string]models.ToolStatus
	// midLine is true when out does not end with a newline.
	midLine bool
}

func newRenderer(out, status io.Writer) *renderer {
	return &renderer{out: out, status: status, tools: map[string]models.ToolStatus{}}
}

func (r *renderer) handle(evt models.Event) {
	switch evt.Type {
	case models.EventPartUpdated:
		r.part(evt.Part, evt.Delta)
	case models.EventSessionStatus:
		if evt.Status != nil && evt.Status.Type == models.StatusRetry {
			wait := time.Until(evt.Status.Next).Round(time.Second)
			if wait < 0 {
				wait = 0
			}
			r.statusLine(fmt.Sprintf("retrying in %s (attempt %d): %s", wait, evt.Status.Attempt, evt.Status.Message))
		}
	case models.EventSessionError:
		if evt.Error != nil {
			r.statusLine(fmt.Sprintf("error: %s: %s", evt.Error.Name, evt.Error.Message))
		}
	}
}

func (r *renderer) part(part *models.Part, delta string) {
	if part == nil {
		return
	}
	switch part.Type {
	case models.PartText:
		if delta == "" {
			return
		}
		fmt.Fprint(r.out, delta)
		r.midLine = delta[len(delta)-1] != '\n'
	case models.PartTool:
		if part.Tool == nil {
			return
		}
		status := part.Tool.State.Status
		if status == models.ToolPending || r.tools[part.ID] == status {
			return
		}
		r.tools[part.ID] = status
		r.statusLine(tools.DescribePart(part))
	}
}

// statusLine writes a line to status, first ending any partial text line.
func (r *renderer) statusLine(line string) {
	r.breakLine()
	fmt.Fprintln(r.status, line)
}

func (r *renderer) breakLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

// finish terminates the last text line.
func (r *renderer) finish() {
	r.breakLine()
}
