package errcode

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK            Code = "ok"
	Busy          Code = "busy"
	Disabled      Code = "disabled"
	Unsupported   Code = "unsupported"
	InvalidParams Code = "invalid_params"
	UnknownDevice Code = "unknown_device"

	NACKAddress Code = "nack_address"
	NACKData    Code = "nack_data"
	Timeout     Code = "timeout"

	Error Code = "error" // generic fallback
)

// Optional wrapper when we want to keep context and a cause.
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
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Wrap builds an *E for op with code c.
func Wrap(c Code, op, msg string) *E { return &E{C: c, Op: op, Msg: msg, Err: c} }

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}

// IsNACK reports whether err carries one of the acknowledgement failure codes.
func IsNACK(err error) bool {
	c := Of(err)
	return c == NACKAddress || c == NACKData
}
