package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/amerfu/ollamux/internal/config"
	"github.com/amerfu/ollamux/internal/gateway/backend"
	"github.com/amerfu/ollamux/internal/gateway/protocol"
)

// Class partitions attempt failures. Transient failures advance the fallback
// chain; terminal ones stop it, because every other backend would reject the
// same request for the same reason.
type Class int

const (
	ClassTransient Class = iota
	ClassTerminal
)

func (c Class) String() string {
	if c == ClassTerminal {
		return "terminal"
	}
	return "transient"
}

// Classify decides whether a failure is worth retrying on another backend.
func Classify(err error) Class {
	var validation *protocol.ValidationError
	if errors.As(err, &validation) {
		return ClassTerminal
	}
	if errors.Is(err, config.ErrModelNotFound) {
		return ClassTerminal
	}

	var status *backend.StatusError
	if errors.As(err, &status) {
		switch {
		case status.StatusCode == http.StatusTooManyRequests:
			return ClassTransient
		case status.StatusCode >= 500:
			return ClassTransient
		default:
			// Remaining 4xx: the request itself is the problem.
			return ClassTerminal
		}
	}

	// Per-attempt deadline, dial failures, resets: another backend may be
	// healthy.
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassTransient
}

// Attempt records one upstream try for the aggregate error and the logs.
type Attempt struct {
	Index   int
	Backend string
	Class   Class
	Latency time.Duration
	Err     error
}

// Error aggregates every failed attempt of one dispatch, in attempt order.
type Error struct {
	Model    string
	Attempts []Attempt
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all %d attempts for model %s failed:", len(e.Attempts), e.Model)
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, " [%d] %s (%s): %v;", a.Index, a.Backend, a.Class, a.Err)
	}
	return strings.TrimSuffix(b.String(), ";")
}

// Unwrap exposes the underlying attempt errors to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// Last returns the most recent attempt error, or nil when no attempt ran.
func (e *Error) Last() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}
