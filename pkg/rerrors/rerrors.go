// Package rerrors classifies errors into the kinds described in spec §7,
// so API handlers can turn an internal error into a structured response
// with an error kind and a short machine-readable code without string
// matching.
package rerrors

import "fmt"

// Kind is the error category.
type Kind string

const (
	ClientInput    Kind = "client_input"
	Precondition   Kind = "precondition"
	Transient      Kind = "transient"
	Exhaustion     Kind = "exhaustion"
	Invariant      Kind = "invariant"
	FatalBootstrap Kind = "fatal_bootstrap"
)

// Error wraps an underlying cause with a Kind and a short Code.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error.
func New(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// KindOf extracts the Kind from err, defaulting to Invariant for errors
// that were never classified (an unclassified error reaching an API
// boundary is itself an invariant violation worth surfacing as one).
func KindOf(err error) Kind {
	var re *Error
	if as(err, &re) {
		return re.Kind
	}
	return Invariant
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
