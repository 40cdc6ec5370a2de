package stage

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"linkdigest/internal/model"
)

// ErrQuotaExhausted is returned by a stage when no AI tier had budget left.
// It is retried like any transient failure and never ends an item.
var ErrQuotaExhausted = errors.New("quota exhausted on every allowed tier")

type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent marks err as final for the item: retries stop immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// QuotaError carries the earliest time a tier may reopen.
type QuotaError struct {
	RetryAt time.Time
}

func (e *QuotaError) Error() string {
	if e.RetryAt.IsZero() {
		return ErrQuotaExhausted.Error()
	}
	return ErrQuotaExhausted.Error() + " (next window " + e.RetryAt.UTC().Format(time.RFC3339) + ")"
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExhausted }

// statusPattern only matches codes written as a status, never digit runs
// inside content ids.
var statusPattern = regexp.MustCompile(`(?i)\b(?:http error|status(?: code)?|code)\W{0,3}([1-5]\d\d)\b`)

var transientStatus = map[string]bool{"408": true, "425": true, "429": true}

var permanentStatus = map[string]bool{"400": true, "401": true, "403": true, "404": true, "410": true, "451": true}

var transientHints = []string{
	"too many requests",
	"rate limit",
	"timed out",
	"timeout",
	"temporarily unavailable",
	"connection reset",
	"connection refused",
	"service unavailable",
	"network is unreachable",
	"resource_exhausted",
}

var permanentHints = []string{
	"not found",
	"deleted",
	"private video",
	"is private",
	"access denied",
	"forbidden",
	"unsupported url",
	"unsupported",
	"malformed",
	"invalid url",
}

// Classify maps an error to the failure taxonomy. Explicit markers win over
// message hints; anything unrecognised is transient since retries are bounded.
func Classify(err error) model.ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrQuotaExhausted) {
		return model.ErrQuotaExhausted
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return model.ErrPermanentStage
	}
	var tr *TransientError
	if errors.As(err, &tr) {
		return model.ErrTransientStage
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.ErrTransientStage
	}
	text := strings.ToLower(errorLines(err.Error()))
	for _, m := range statusPattern.FindAllStringSubmatch(text, -1) {
		code := m[1]
		switch {
		case transientStatus[code] || code[0] == '5':
			return model.ErrTransientStage
		case permanentStatus[code]:
			return model.ErrPermanentStage
		}
	}
	if containsAny(text, transientHints) {
		return model.ErrTransientStage
	}
	if containsAny(text, permanentHints) {
		return model.ErrPermanentStage
	}
	return model.ErrTransientStage
}

// errorLines keeps only the "ERROR:" lines of tool output when there are any,
// so progress output and warnings cannot steer the classification.
func errorLines(msg string) string {
	var kept []string
	for _, line := range strings.Split(msg, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "ERROR:") {
			kept = append(kept, line)
		}
	}
	if len(kept) == 0 {
		return msg
	}
	return strings.Join(kept, "\n")
}

func containsAny(text string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(text, h) {
			return true
		}
	}
	return false
}

func statusFor(kind model.ErrorKind) model.StageStatus {
	if kind == model.ErrPermanentStage || kind == model.ErrClassificationAmbiguous {
		return model.StatusFailedPermanent
	}
	return model.StatusFailedTransient
}
