package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/rhino-wasm/arena"
	"github.com/wippyai/rhino-wasm/errors"
)

// Translator converts failed native calls into *errors.Error values carrying
// the module's message stack. Each translation fetches and frees its own
// stack; stacks never accumulate across calls.
type Translator struct {
	native   *Native
	arena    *arena.Arena
	stackOut arena.Address
	depthOut arena.Address
}

// NewTranslator creates a Translator. stackOut and depthOut are
// pointer-sized scratch cells owned by the caller.
func NewTranslator(native *Native, a *arena.Arena, stackOut, depthOut arena.Address) *Translator {
	return &Translator{
		native:   native,
		arena:    a,
		stackOut: stackOut,
		depthOut: depthOut,
	}
}

// Translate builds the error for a non-success status. A stack that cannot
// be fetched yields an error without diagnostics. Codes outside the known
// status space are named by the module when it exports
// pv_status_to_string.
func (t *Translator) Translate(ctx context.Context, phase errors.Phase, status errors.Status, detail string) *errors.Error {
	stack, err := t.MessageStack(ctx, phase)
	if err != nil {
		Logger().Debug("message stack unavailable",
			zap.String("phase", string(phase)),
			zap.Stringer("status", status),
			zap.Error(err))
		stack = nil
	}
	if !status.Known() {
		if name, ok := t.statusName(ctx, phase, status); ok {
			detail += ": " + name
		}
	}
	return errors.FromStatus(phase, status, detail, stack)
}

func (t *Translator) statusName(ctx context.Context, phase errors.Phase, status errors.Status) (string, bool) {
	ptr, ok, err := t.native.StatusString(ctx, phase, status)
	if err != nil || !ok || ptr == arena.Null {
		return "", false
	}
	name, err := t.arena.ReadCString(ptr)
	if err != nil || name == "" {
		return "", false
	}
	return name, true
}

// MessageStack fetches the current message stack, keeps at most
// errors.MaxMessageStack entries and frees the native array. The array is
// freed exactly once whenever the fetch itself succeeded.
func (t *Translator) MessageStack(ctx context.Context, phase errors.Phase) ([]string, error) {
	status, err := t.native.GetErrorStack(ctx, phase, t.stackOut, t.depthOut)
	if err != nil {
		return nil, err
	}
	if status != errors.StatusSuccess {
		return nil, errors.New(phase, status.Kind()).
			Status(status).
			Detail("unable to get error state").
			Build()
	}

	stack, err := t.arena.ReadPointer(t.stackOut)
	if err != nil {
		return nil, err
	}
	messages, readErr := t.readStack(stack)

	if stack != arena.Null {
		if err := t.native.FreeErrorStack(ctx, phase, stack); err != nil {
			return nil, err
		}
	}
	if readErr != nil {
		return nil, readErr
	}
	return messages, nil
}

func (t *Translator) readStack(stack arena.Address) ([]string, error) {
	depth, err := t.arena.ReadI32(t.depthOut)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		return []string{}, nil
	}
	if stack == arena.Null {
		return nil, errors.InvalidState(errors.PhaseMemory, "null message stack with depth %d", depth)
	}

	n := int(depth)
	if n > errors.MaxMessageStack {
		n = errors.MaxMessageStack
	}
	messages := make([]string, 0, n)
	for i := 0; i < n; i++ {
		p, err := t.arena.ReadPointerAt(stack, i)
		if err != nil {
			return nil, err
		}
		msg, err := t.arena.ReadCString(p)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
