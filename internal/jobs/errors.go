package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrLeaseContention is returned when another instance already owns a firing.
	// It is expected under multi-instance deployments and only causes a skip.
	ErrLeaseContention = errors.New("lease held by another instance")
	// ErrRetriesExhausted is wrapped into last_error of dead-lettered runs.
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrUnknownJob       = errors.New("unknown job")
	ErrJobDisabled      = errors.New("job disabled")
)

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// ConfigErrorf builds a *ConfigurationError.
func ConfigErrorf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConfigErrors collects problems so every one of them is reported at once.
type ConfigErrors []error

func (es *ConfigErrors) Addf(field, format string, args ...any) {
	*es = append(*es, ConfigErrorf(field, format, args...))
}

func (es *ConfigErrors) Add(err error) {
	if err != nil {
		*es = append(*es, err)
	}
}

// Err returns nil, the single error, or all of them joined.
func (es ConfigErrors) Err() error {
	switch len(es) {
	case 0:
		return nil
	case 1:
		return es[0]
	}
	return errors.Join(es...)
}

// IsConfigurationError reports whether err (or any joined error) is a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// Permanent marks an error as non-retryable: the run fails immediately.
//
//	return jobs.Permanent(fmt.Errorf("bad input: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Transient marks an error as retryable. Unclassified errors are treated
// as transient too; the wrapper documents intent and may carry a hint.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Err: err}
}

// RetryAfter marks err as transient with a suggested minimum delay
// (e.g. from an HTTP Retry-After header).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &TransientError{Err: err, After: after}
}

type TransientError struct {
	Err   error
	After time.Duration
}

func (e *TransientError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("transient (retry after %s): %v", e.After, e.Err)
	}
	return "transient: " + e.Err.Error()
}
func (e *TransientError) Unwrap() error             { return e.Err }
func (e *TransientError) RetryAfter() time.Duration { return e.After }

// IsTransient reports whether err should be retried: anything not permanent.
func IsTransient(err error) bool { return err != nil && !IsPermanent(err) }

// RetryAfterHint returns the largest hint carried by err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var te *TransientError
	if errors.As(err, &te) && te.After > 0 {
		return te.After, true
	}
	return 0, false
}

// ErrorText flattens err for last_error, keeping it a single line.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	s := strings.ReplaceAll(err.Error(), "\n", "; ")
	if len(s) > 2000 {
		s = s[:1997] + "..."
	}
	return s
}
