// Package errors provides the status codes and structured error types shared
// by every layer of the engine bridge.
//
// Native entry points report failures as a Status integer. Each Status maps
// 1:1 to a Kind; unknown integers map to KindUnknown instead of failing.
// Errors are further tagged with the Phase in which they happened and may
// carry the engine's message stack, the ordered diagnostics the engine kept
// for the failing call.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseProcess, errors.KindInvalidState).
//		Status(errors.StatusInvalidState).
//		Detail("slot %d has no value", i).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.InvalidArgument(errors.PhaseProcess, "frame has %d samples, want %d", n, want)
//	err := errors.FromStatus(errors.PhaseInit, status, "Initialization failed", stack)
//
// All errors implement the standard error interface and support errors.Is/As.
// Sentinels such as ErrInvalidState match any error of that kind:
//
//	if errors.Is(err, rerrors.ErrInvalidState) { ... }
package errors
