package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in the engine lifecycle the error occurred
type Phase string

const (
	PhaseLoad    Phase = "load"    // module compilation and instantiation
	PhaseInit    Phase = "init"    // engine object creation
	PhaseProcess Phase = "process" // per-frame processing
	PhaseReset   Phase = "reset"   // explicit reset
	PhaseRelease Phase = "release" // teardown
	PhaseMemory  Phase = "memory"  // linear memory access
	PhaseWorker  Phase = "worker"  // worker protocol
	PhaseConfig  Phase = "config"  // settings validation
)

// Kind categorizes the error
type Kind string

const (
	KindOutOfMemory            Kind = "out_of_memory"
	KindIOError                Kind = "io_error"
	KindInvalidArgument        Kind = "invalid_argument"
	KindStopIteration          Kind = "stop_iteration"
	KindKeyError               Kind = "key_error"
	KindInvalidState           Kind = "invalid_state"
	KindRuntimeError           Kind = "runtime_error"
	KindActivationError        Kind = "activation_error"
	KindActivationLimitReached Kind = "activation_limit_reached"
	KindActivationThrottled    Kind = "activation_throttled"
	KindActivationRefused      Kind = "activation_refused"
	KindUnknown                Kind = "unknown"
)

// MaxMessageStack bounds the number of diagnostics kept from a native
// message stack.
const MaxMessageStack = 8

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrOutOfMemory            = &Error{Kind: KindOutOfMemory}
	ErrIOError                = &Error{Kind: KindIOError}
	ErrInvalidArgument        = &Error{Kind: KindInvalidArgument}
	ErrStopIteration          = &Error{Kind: KindStopIteration}
	ErrKeyError               = &Error{Kind: KindKeyError}
	ErrInvalidState           = &Error{Kind: KindInvalidState}
	ErrRuntimeError           = &Error{Kind: KindRuntimeError}
	ErrActivationError        = &Error{Kind: KindActivationError}
	ErrActivationLimitReached = &Error{Kind: KindActivationLimitReached}
	ErrActivationThrottled    = &Error{Kind: KindActivationThrottled}
	ErrActivationRefused      = &Error{Kind: KindActivationRefused}
)

// Error is the structured error type used throughout the library
type Error struct {
	Cause        error
	Phase        Phase
	Kind         Kind
	Detail       string
	MessageStack []string
	Status       Status
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Phase != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Phase))
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	for i, msg := range e.MessageStack {
		fmt.Fprintf(&b, "\n  [%d] %s", i, msg)
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Kinds must be equal; the
// phase is compared only when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Phase == "" || t.Phase == e.Phase
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder. The status defaults to the one carried
// by kind.
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase:  phase,
			Kind:   kind,
			Status: StatusOf(kind),
		},
	}
}

// Status overrides the native status code
func (b *Builder) Status(s Status) *Builder {
	b.err.Status = s
	return b
}

// Stack sets the native message stack, truncated to MaxMessageStack
func (b *Builder) Stack(stack []string) *Builder {
	if len(stack) > MaxMessageStack {
		stack = stack[:MaxMessageStack]
	}
	b.err.MessageStack = stack
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// FromStatus creates the error for a failed native call. Unknown status
// codes produce KindUnknown.
func FromStatus(phase Phase, status Status, detail string, stack []string) *Error {
	return New(phase, status.Kind()).Status(status).Detail("%s", detail).Stack(stack).Build()
}

// OutOfMemory creates an allocation failure error
func OutOfMemory(phase Phase, size uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfMemory,
		Status: StatusOutOfMemory,
		Detail: fmt.Sprintf("failed to allocate %d bytes", size),
	}
}

// InvalidArgument creates an argument validation error
func InvalidArgument(phase Phase, format string, args ...any) *Error {
	return New(phase, KindInvalidArgument).Detail(format, args...).Build()
}

// InvalidState creates an error for an operation attempted in the wrong
// state or a structurally corrupt native response
func InvalidState(phase Phase, format string, args ...any) *Error {
	return New(phase, KindInvalidState).Detail(format, args...).Build()
}

// Runtime wraps a Go-side or trap failure as a runtime error
func Runtime(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindRuntimeError,
		Status: StatusRuntimeError,
		Detail: detail,
		Cause:  cause,
	}
}

// MemoryAccess creates an error for an out-of-bounds linear memory access
func MemoryAccess(op string, offset, length uint32) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindRuntimeError,
		Status: StatusRuntimeError,
		Detail: fmt.Sprintf("memory %s out of bounds: offset=%d, length=%d", op, offset, length),
	}
}

// MissingExport creates an error for a required export the module lacks
func MissingExport(name string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidArgument,
		Status: StatusInvalidArgument,
		Detail: fmt.Sprintf("missing export: %s", name),
	}
}

// Load wraps a module loading failure
func Load(what string, cause error) *Error {
	return Runtime(PhaseLoad, what, cause)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As extracts the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
