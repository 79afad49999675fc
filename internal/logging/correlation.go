package logging

import "github.com/google/uuid"

// NewCorrelationID creates an id used to group the log lines of one
// connection attempt.
func NewCorrelationID() string {
	return uuid.NewString()
}
