// internal/ctlerr/ctlerr.go
package ctlerr

// Code is a stable, operator-facing error identifier.
// It is a string newtype, comparable, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes. This set is closed.
const (
	InvalidTransition Code = "invalid_transition" // event illegal in current state
	NotReady          Code = "not_ready"          // prerequisites unmet
	TransportTimeout  Code = "transport_timeout"
	TransportError    Code = "transport_error"
	SafetyFault       Code = "safety_fault"
	ConfigError       Code = "config_error"
	NotInitialized    Code = "not_initialized"
	InvalidParameter  Code = "invalid_parameter"

	Error Code = "error" // generic fallback for foreign errors
)

// E keeps context and a cause next to a Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, ctlerr.NotReady) match wrapped errors.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// New builds an error with a message.
func New(c Code, op, msg string) error {
	return &E{C: c, Op: op, Msg: msg}
}

// Wrap attaches a code to a cause. Wrap(c, op, nil) returns nil.
func Wrap(c Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{C: c, Op: op, Err: err}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return ""
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	for e := err; e != nil; {
		if x, ok := e.(coder); ok {
			return x.Code()
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return Error
}
