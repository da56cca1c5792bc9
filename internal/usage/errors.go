package usage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RateLimitError is returned when a tenant exceeds an operation's window limit.
// The rejected attempt has already been written to the ledger.
type RateLimitError struct {
	TenantID      uuid.UUID
	Operation     string
	CurrentCount  int64
	Limit         int
	WindowMs      int64
	RetryAfterMs  int64
	CorrelationID string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d/%d requests in %dms window, retry after %dms",
		e.Operation, e.CurrentCount, e.Limit, e.WindowMs, e.RetryAfterMs)
}

// RetryAfter returns the wait until the next window opens.
func (e *RateLimitError) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterMs) * time.Millisecond
}
