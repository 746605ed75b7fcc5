// Package retry decides whether a failed scan is worth another delivery.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/lib/pq"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

// Decision is the outcome of Classify. Reason is a short snake_case label
// suitable for logs and metric labels.
type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool { return d.Class == ClassTransient }

func transient(reason string) Decision { return Decision{Class: ClassTransient, Reason: reason} }
func terminal(reason string) Decision  { return Decision{Class: ClassTerminal, Reason: reason} }

type markedError struct {
	err      error
	decision Decision
}

func (e *markedError) Error() string { return e.err.Error() }
func (e *markedError) Unwrap() error { return e.err }

// Transient marks err as retryable. The mark wins over every other rule.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, decision: transient("marked_transient")}
}

// Terminal marks err as not worth retrying.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, decision: terminal("marked_terminal")}
}

type rule func(err error) (Decision, bool)

// rules are evaluated in order; the first match decides.
var rules = []rule{
	markedRule,
	contextRule,
	postgresRule,
	grpcRule,
	netRule,
	messageRule,
}

// Classify walks err through the rules above. Unrecognised errors are
// terminal.
func Classify(err error) Decision {
	if err == nil {
		return terminal("nil_error")
	}
	for _, r := range rules {
		if d, ok := r(err); ok {
			return d
		}
	}
	return terminal("unclassified")
}

func markedRule(err error) (Decision, bool) {
	var m *markedError
	if errors.As(err, &m) {
		return m.decision, true
	}
	return Decision{}, false
}

func contextRule(err error) (Decision, bool) {
	switch {
	case errors.Is(err, context.Canceled):
		return terminal("context_canceled"), true
	case errors.Is(err, context.DeadlineExceeded):
		return transient("context_deadline_exceeded"), true
	}
	return Decision{}, false
}

// postgresRule classifies by SQLSTATE class: connection problems,
// serialization conflicts and resource exhaustion are retried, everything
// else the database rejects is not.
func postgresRule(err error) (Decision, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return Decision{}, false
	}
	reason := "pg_" + string(pqErr.Code)
	switch pqErr.Code.Class() {
	case "08", "40", "53", "57":
		return transient(reason), true
	default:
		return terminal(reason), true
	}
}

func grpcRule(err error) (Decision, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.Unknown {
		return Decision{}, false
	}
	reason := "grpc_" + strings.ToLower(st.Code().String())
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return transient(reason), true
	default:
		return terminal(reason), true
	}
}

func netRule(err error) (Decision, bool) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return transient("net_timeout"), true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return transient("net_" + opErr.Op), true
	}
	return Decision{}, false
}

// messageRule is the fallback for errors that only carry text, such as
// feed provider messages relayed verbatim.
func messageRule(err error) (Decision, bool) {
	msg := strings.ToLower(err.Error())
	for _, tok := range terminalTokens {
		if strings.Contains(msg, tok) {
			return terminal("message_terminal"), true
		}
	}
	for _, tok := range transientTokens {
		if strings.Contains(msg, tok) {
			return transient("message_transient"), true
		}
	}
	return Decision{}, false
}

var terminalTokens = []string{
	"invalid api key",
	"invalid address",
	"invalid argument",
	"not found",
	"violates",
}

var transientTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"rate limit",
	"too many requests",
	"circuit breaker is open",
	"http status 429",
	"http status 5",
}
