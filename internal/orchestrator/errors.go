package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"llm_orchestrator/internal/models"
)

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrProviderUnavailable   = errors.New("provider unavailable")
	ErrProviderTimeout       = errors.New("provider timeout")
	ErrProviderError         = errors.New("provider error")
	ErrRateLimited           = errors.New("rate limited")
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	ErrBudgetExceeded        = errors.New("budget exceeded")
)

// SentinelFor maps an error kind to its sentinel error.
func SentinelFor(kind models.ErrorKind) error {
	switch kind {
	case models.ErrorKindProviderUnavailable:
		return ErrProviderUnavailable
	case models.ErrorKindProviderTimeout:
		return ErrProviderTimeout
	case models.ErrorKindProviderError:
		return ErrProviderError
	case models.ErrorKindRateLimited:
		return ErrRateLimited
	case models.ErrorKindAllProvidersExhausted:
		return ErrAllProvidersExhausted
	case models.ErrorKindBudgetExceeded:
		return ErrBudgetExceeded
	}
	return nil
}

// AttemptError is the outcome of one failed candidate. Attempted is false
// when the provider was skipped without a network call.
type AttemptError struct {
	ProviderID string
	Kind       models.ErrorKind
	Attempted  bool
	Err        error
}

func (e *AttemptError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.ProviderID, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.ProviderID, e.Kind, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the attempt's kind.
func (e *AttemptError) Is(target error) bool {
	return target != nil && target == SentinelFor(e.Kind)
}

func newAttemptError(providerID string, kind models.ErrorKind, attempted bool, err error) *AttemptError {
	return &AttemptError{ProviderID: providerID, Kind: kind, Attempted: attempted, Err: err}
}

// AggregatedError is returned by Dispatch. It lists every candidate that was
// considered, in order.
type AggregatedError struct {
	Kind     models.ErrorKind
	Attempts []*AttemptError
	// DeadlineExceeded is set when the overall request deadline ended traversal.
	DeadlineExceeded bool
}

func (e *AggregatedError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.DeadlineExceeded {
		b.WriteString(" (request deadline exceeded)")
	}
	if len(e.Attempts) > 0 {
		b.WriteString(": ")
		for i, a := range e.Attempts {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(a.Error())
		}
	}
	return b.String()
}

// Is matches the sentinel of the aggregate kind.
func (e *AggregatedError) Is(target error) bool {
	return target != nil && target == SentinelFor(e.Kind)
}

// aggregate derives the request-level kind from the attempt list.
func aggregate(policy models.Policy, attempts []*AttemptError, deadline bool) *AggregatedError {
	agg := &AggregatedError{Attempts: attempts, DeadlineExceeded: deadline}

	switch {
	case policy == models.PolicyExplicit && len(attempts) == 1:
		agg.Kind = attempts[0].Kind
	case len(attempts) == 0:
		if deadline {
			agg.Kind = models.ErrorKindAllProvidersExhausted
		} else {
			agg.Kind = models.ErrorKindProviderUnavailable
		}
	case overBudget(attempts):
		agg.Kind = models.ErrorKindBudgetExceeded
	case !deadline && allSkippedUnavailable(attempts):
		agg.Kind = models.ErrorKindProviderUnavailable
	default:
		agg.Kind = models.ErrorKindAllProvidersExhausted
	}
	return agg
}

// overBudget reports whether every eligible candidate was refused on budget.
// Ineligible providers skipped along the way do not count.
func overBudget(attempts []*AttemptError) bool {
	found := false
	for _, a := range attempts {
		switch {
		case a.Kind == models.ErrorKindBudgetExceeded:
			found = true
		case !a.Attempted && a.Kind == models.ErrorKindProviderUnavailable:
		default:
			return false
		}
	}
	return found
}

func allSkippedUnavailable(attempts []*AttemptError) bool {
	for _, a := range attempts {
		if a.Attempted || a.Kind != models.ErrorKindProviderUnavailable {
			return false
		}
	}
	return true
}
