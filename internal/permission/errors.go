package permission

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRequestNotFound is returned when replying to an unknown request.
var ErrRequestNotFound = errors.New("permission request not found")

// RejectedError is returned when a permission is denied, either by a rule or
// by the user.
type RejectedError struct {
	SessionID  string
	Permission string
	Patterns   []string
	// ByRule is true when configuration denied the request without asking.
	ByRule bool
}

func (e *RejectedError) Error() string {
	who := "user"
	if e.ByRule {
		who = "configuration"
	}
	return fmt.Sprintf("permission %q rejected by %s for %s", e.Permission, who, strings.Join(e.Patterns, ", "))
}

// IsRejected reports whether err contains a RejectedError.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}
