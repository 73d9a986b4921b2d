package output

import (
	"encoding/json"
	"io"
	"sync/atomic"
)

var jsonMode atomic.Bool

// SetJSONMode records whether the current invocation asked for JSON, for
// callers outside a command that have no Writer.
func SetJSONMode(on bool) { jsonMode.Store(on) }

// IsJSON reports whether JSON mode is active.
func IsJSON() bool { return jsonMode.Load() }

// ErrorPayload is the structured form of a command failure.
type ErrorPayload struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	ExitCode int    `json:"exit_code"`
}

// WriteError writes err as a single-line ErrorPayload.
func WriteError(w io.Writer, err error, code int) error {
	return json.NewEncoder(w).Encode(ErrorPayload{
		Error:    "error",
		Message:  err.Error(),
		ExitCode: code,
	})
}
