package queue

import "errors"

var (
	// ErrLeaseLost reports a job or publish row that is no longer held by the
	// caller, usually because the reaper reclaimed it.
	ErrLeaseLost = errors.New("queue lease lost")

	// ErrNotFound reports a missing job, run or row.
	ErrNotFound = errors.New("queue record not found")
)

// maxErrorLength bounds last_error columns.
const maxErrorLength = 1000

// TruncateError clips a failure message to the stored length.
func TruncateError(message string) string {
	runes := []rune(message)
	if len(runes) <= maxErrorLength {
		return message
	}
	return string(runes[:maxErrorLength])
}
