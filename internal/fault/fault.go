// Package fault classifies failures for skip/retry decisions.
//
// Failures carry an abstract Kind tag (attached with Wrap) instead of being
// matched by concrete type. A Policy holds the retryable and skippable kind
// sets plus the limits that bound them.
package fault

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrConfiguration marks invalid setup (bad grid size, malformed range,
	// out-of-range limits). It is never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrProtocolTimeout marks a coordination wait that ran out of budget:
	// a partition poll past its timeout or too many reply-wait timeouts.
	ErrProtocolTimeout = errors.New("protocol timeout")

	// ErrSkipLimitExceeded is returned when one more skip would exceed the
	// configured limit.
	ErrSkipLimitExceeded = errors.New("skip limit exceeded")
)

// Kind is an abstract failure tag, e.g. "transient" or "validation".
type Kind string

// KindSet is a set of kinds checked by membership.
type KindSet map[Kind]struct{}

// NewKindSet builds a set from the given kinds.
func NewKindSet(kinds ...Kind) KindSet {
	s := make(KindSet, len(kinds))
	for _, k := range kinds {
		s[k] = struct{}{}
	}
	return s
}

// Contains reports whether k is a member of s. A nil set contains nothing.
func (s KindSet) Contains(k Kind) bool {
	_, ok := s[k]
	return ok
}

// Matches reports whether err carries a kind that belongs to s.
func (s KindSet) Matches(err error) bool {
	if len(s) == 0 || err == nil {
		return false
	}
	for _, k := range Kinds(err) {
		if s.Contains(k) {
			return true
		}
	}
	return false
}

// Strings returns the members sorted, for logging and config round-trips.
func (s KindSet) Strings() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with kind. Wrapping a nil error returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf formats a new error tagged with kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost kind attached to err.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Kinds returns every kind found along the wrap chain, outermost first.
func Kinds(err error) []Kind {
	var out []Kind
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			break
		}
		out = append(out, fe.Kind)
		err = fe.Err
	}
	return out
}

// Cause renders err as a single-line failure cause. It never returns an
// empty string for a non-nil error.
func Cause(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return fmt.Sprintf("%T", err)
	}
	return msg
}
