// Package errkind classifies errors into the taxonomy from spec §7 so
// callers can branch on recoverability without string matching, following
// the teacher's sentinel-error style (pkg/queue/types.go) generalized to a
// typed wrapper instead of one sentinel per case.
package errkind

import "errors"

// Kind is one of the abstract error categories from spec §7.
type Kind int

const (
	// Unknown is the zero value — treated as Contract for safety.
	Unknown Kind = iota
	Transient
	Contract
	Authentication
	Cancellation
	Configuration
	AgentReported
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Contract:
		return "contract"
	case Authentication:
		return "authentication"
	case Cancellation:
		return "cancellation"
	case Configuration:
		return "configuration"
	case AgentReported:
		return "agent-reported"
	default:
		return "unknown"
	}
}

// classified wraps an error with a Kind, preserving %w-unwrapping.
type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Wrap attaches kind to err. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, err: err}
}

// ClassifyOf returns the Kind attached to err via Wrap, or Unknown if none
// is attached anywhere in err's chain.
func ClassifyOf(err error) Kind {
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	return Unknown
}

// Retryable reports whether errors of this kind should be retried locally
// per spec §7's propagation policy (Transient and AgentReported are
// retried; the rest are either fatal or not errors at all).
func (k Kind) Retryable() bool {
	return k == Transient || k == AgentReported
}

// Fatal reports whether errors of this kind always end the session.
func (k Kind) Fatal() bool {
	return k == Authentication || k == Configuration
}
