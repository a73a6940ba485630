package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyInput is returned when a provider is asked to embed or
// generate from empty input. Permanent; retrying cannot help.
var ErrEmptyInput = errors.New("llm: empty input")

// ProviderError wraps a failure of an embedding or generation call and
// classifies it for retry decisions. Transient errors (rate limits,
// timeouts, connection failures) may be retried with backoff by the
// caller; permanent errors (malformed request, policy rejection) must
// be surfaced immediately.
type ProviderError struct {
	Provider  string
	Op        string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s failed (%s): %v", e.Provider, e.Op, kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// TransientError wraps err as a retryable provider failure.
func TransientError(provider, op string, err error) error {
	return &ProviderError{Provider: provider, Op: op, Transient: true, Err: err}
}

// PermanentError wraps err as a non-retryable provider failure.
func PermanentError(provider, op string, err error) error {
	return &ProviderError{Provider: provider, Op: op, Transient: false, Err: err}
}

// IsTransient reports whether err is worth retrying. Context deadline
// expiry counts as transient: the per-call timeout fired, not the
// request's own budget.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}
