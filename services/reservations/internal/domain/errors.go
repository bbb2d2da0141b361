package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrStateConflict     = errors.New("reservation is no longer awaiting verification")
	ErrChallengeMismatch = errors.New("verification code or link is not valid")
	ErrRateLimited       = errors.New("too many requests")
	ErrForbidden         = errors.New("forbidden")
)

// Challenge failures are all retryable mismatches; the variants only refine the
// message shown to the client.
var (
	ErrChallengeExpired    = fmt.Errorf("verification challenge expired: %w", ErrChallengeMismatch)
	ErrChallengeSuperseded = fmt.Errorf("verification challenge superseded: %w", ErrChallengeMismatch)
	ErrChallengeLocked     = fmt.Errorf("too many wrong codes, request a new one: %w", ErrChallengeMismatch)
)

// ValidationError names every offending field of a rejected request.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError() *ValidationError {
	return &ValidationError{Fields: map[string]string{}}
}

func (e *ValidationError) Add(field, msg string) {
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

func (e *ValidationError) Empty() bool { return len(e.Fields) == 0 }

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return "invalid fields: " + strings.Join(names, ", ")
}
