package turn

import (
	"bytes"
	"encoding/json"

	"github.com/haasonsaas/turnengine/pkg/models"
)

// DefaultDoomLoopThreshold is the number of identical preceding calls that
// triggers a doom_loop permission request.
const DefaultDoomLoopThreshold = 3

// DetectDoomLoop reports whether the last threshold tool parts of a message,
// ignoring the call identified by callID, all invoked tool with input. Parts
// must be in creation order. Pending parts break the run since their input
// is not resolved yet.
func DetectDoomLoop(parts []*models.Part, callID, tool string, input json.RawMessage, threshold int) bool {
	if threshold <= 0 {
		return false
	}
	want := canonicalJSON(input)

	seen := 0
	for i := len(parts) - 1; i >= 0 && seen < threshold; i-- {
		part := parts[i]
		if part == nil || part.Type != models.PartTool || part.Tool == nil {
			continue
		}
		if part.Tool.CallID == callID {
			continue
		}
		if part.Tool.State.Status == models.ToolPending || part.Tool.Tool != tool {
			return false
		}
		if !bytes.Equal(canonicalJSON(part.Tool.State.Input), want) {
			return false
		}
		seen++
	}
	return seen == threshold
}

// canonicalJSON strips insignificant whitespace so inputs that differ only
// in formatting compare equal.
func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
