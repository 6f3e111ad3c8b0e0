package object

import "fmt"

// Exception is a raised guest exception travelling as a Go error. It owns
// one reference to the exception object; whoever consumes the error
// (handler, caller, test) is responsible for releasing it with Release or
// by taking over Ref.
type Exception struct {
	Ref  Ref
	Type string
	Msg  string
}

func (e *Exception) Error() string {
	if e.Msg == "" {
		return e.Type
	}
	return e.Type + ": " + e.Msg
}

// Release drops the reference held by the error.
func (e *Exception) Release(h *Heap) {
	if e.Ref != Null {
		h.Decref(e.Ref)
		e.Ref = Null
	}
}

// Raise allocates an exception object and returns it as an error.
func (h *Heap) Raise(typ, format string, args ...any) *Exception {
	msg := fmt.Sprintf(format, args...)
	return &Exception{Ref: h.NewException(typ, msg), Type: typ, Msg: msg}
}

// Wrap turns an owned exception object reference into an error.
func (h *Heap) Wrap(exc Ref) *Exception {
	typ, msg := h.ExceptionInfo(exc)
	return &Exception{Ref: exc, Type: typ, Msg: msg}
}

// Standard exception type names.
const (
	ExcException         = "Exception"
	ExcTypeError         = "TypeError"
	ExcValueError        = "ValueError"
	ExcIndexError        = "IndexError"
	ExcZeroDivisionError = "ZeroDivisionError"
	ExcNameError         = "NameError"
	ExcUnboundLocalError = "UnboundLocalError"
	ExcRuntimeError      = "RuntimeError"
	ExcKeyError          = "KeyError"
)

// Matches reports whether an exception of type typ is caught by a handler
// naming want. "Exception" catches everything.
func Matches(typ, want string) bool {
	return want == ExcException || typ == want
}

// Reraise turns v back into a raised error. It takes a new reference when
// v is an exception; anything else raises TypeError.
func (h *Heap) Reraise(v Ref) *Exception {
	if h.Kind(v) != KindException {
		return h.Raise(ExcTypeError, "exceptions must be exception instances, not %s", h.Kind(v))
	}
	h.Incref(v)
	return h.Wrap(v)
}

// RaiseUnbound reports a read of a local that was never assigned.
func (h *Heap) RaiseUnbound(name string) *Exception {
	return h.Raise(ExcUnboundLocalError, "local variable '%s' referenced before assignment", name)
}

// RaiseUndefined reports a read of a global that does not exist.
func (h *Heap) RaiseUndefined(name string) *Exception {
	return h.Raise(ExcNameError, "global name '%s' is not defined", name)
}

// Unwind reasons carried by Why markers on the value stack while a
// finally handler runs.
const (
	WhyReturn int64 = iota + 1
	WhyBreak
	WhyContinue
)
