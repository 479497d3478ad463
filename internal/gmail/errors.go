package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"
	"google.golang.org/api/googleapi"
)

var (
	// ErrUnauthorized means the bearer credential was rejected. Never retried.
	ErrUnauthorized = errors.New("gmail: unauthorized")
	// ErrTransient covers throttling, server errors, timeouts and an open
	// circuit breaker.
	ErrTransient = errors.New("gmail: transient failure")
	// ErrMalformedMessage marks a message missing a required header.
	ErrMalformedMessage = errors.New("malformed message")
	ErrNoMessageIDs     = errors.New("no message ids given")
	// ErrTotalBatchFailure is returned when no message of a trash batch
	// could be moved to trash.
	ErrTotalBatchFailure = errors.New("no message could be moved to trash")
)

// FetchError reports a failed metadata fetch for one message.
type FetchError struct {
	ID  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch message %s: %v", e.ID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying on a later run.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// classifyError maps provider errors onto the package sentinels.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusForbidden && rateLimited(apiErr):
			return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return fmt.Errorf("%s: %w: %w", op, ErrUnauthorized, err)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// rateLimited reports whether a 403 carries one of Gmail's quota reasons
// rather than a permission problem.
func rateLimited(e *googleapi.Error) bool {
	for _, item := range e.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "dailyLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
