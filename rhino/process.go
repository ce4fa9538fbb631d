package rhino

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/rhino-wasm/arena"
	"github.com/wippyai/rhino-wasm/errors"
)

// maxSlotHint bounds the initial size of the slot map.
const maxSlotHint = 64

// Inference is the result of processing one frame. Only a finalized
// inference carries a decision; intent and slots are set only when the
// utterance was understood.
type Inference struct {
	Slots        map[string]string `json:"slots,omitempty"`
	Intent       string            `json:"intent,omitempty"`
	IsFinalized  bool              `json:"isFinalized"`
	IsUnderstood bool              `json:"isUnderstood"`
}

// Process submits one frame of 16-bit PCM. It returns a zero Inference
// until the engine finalizes an utterance, then exactly one finalized
// Inference, after which the engine is listening again.
//
// A frame of the wrong length fails with InvalidArgument before any native
// call. Calls made while another is in flight wait their turn.
func (h *Handle) Process(ctx context.Context, frame []int16) (Inference, error) {
	if len(frame) != h.frameLength {
		err := errors.InvalidArgument(errors.PhaseProcess,
			"input frame has %d samples, want %d", len(frame), h.frameLength)
		recordError(h.metrics, err)
		return Inference{}, err
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return Inference{}, err
	}
	defer h.sem.Release(1)

	inf, err := h.process(ctx, frame)
	if err != nil {
		recordError(h.metrics, err)
		Logger().Debug("process failed", zap.String("module", h.module.Name), zap.Error(err))
		return Inference{}, err
	}

	h.metrics.FrameProcessed()
	if inf.IsFinalized {
		h.metrics.RecordInference(inf.IsUnderstood)
		Logger().Debug("utterance finalized",
			zap.String("module", h.module.Name),
			zap.Bool("understood", inf.IsUnderstood),
			zap.String("intent", inf.Intent))
	}
	return inf, nil
}

// Reset discards the current utterance and returns the engine to
// listening.
func (h *Handle) Reset(ctx context.Context) error {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer h.sem.Release(1)

	if err := h.usable(errors.PhaseReset); err != nil {
		recordError(h.metrics, err)
		return err
	}
	if err := h.resetNative(ctx, errors.PhaseReset); err != nil {
		recordError(h.metrics, err)
		return err
	}
	return nil
}

// usable reports why the handle cannot take another call, if it cannot.
func (h *Handle) usable(phase errors.Phase) error {
	if h.released {
		return errors.InvalidState(phase, "engine has been released")
	}
	if h.poisoned != nil {
		return errors.New(phase, errors.KindInvalidState).
			Detail("engine state is corrupt; release and create a new handle").
			Cause(h.poisoned).
			Build()
	}
	return nil
}

func (h *Handle) process(ctx context.Context, frame []int16) (Inference, error) {
	if err := h.usable(errors.PhaseProcess); err != nil {
		return Inference{}, err
	}

	if err := h.arena.WriteInt16s(h.scratch.input, frame); err != nil {
		return Inference{}, err
	}

	status, err := h.native.Process(ctx, h.object, h.scratch.input, h.scratch.isFinalized)
	if err != nil {
		return Inference{}, err
	}
	if status != errors.StatusSuccess {
		return Inference{}, h.translator.Translate(ctx, errors.PhaseProcess, status, "Processing failed")
	}

	finalized, err := h.arena.ReadBool(h.scratch.isFinalized)
	if err != nil {
		return Inference{}, err
	}
	if !finalized {
		return Inference{}, nil
	}

	// The reset runs in both branches and after the diagnostics of any
	// failure above have been collected.
	inf, err := h.conclude(ctx)
	if rerr := h.resetNative(ctx, errors.PhaseProcess); rerr != nil {
		if err == nil {
			err = rerr
		} else {
			Logger().Warn("reset after failed conclusion", zap.String("module", h.module.Name), zap.Error(rerr))
		}
	}
	if err != nil {
		return Inference{}, err
	}
	return inf, nil
}

// conclude reads the decision for a finalized utterance.
func (h *Handle) conclude(ctx context.Context) (Inference, error) {
	inf := Inference{IsFinalized: true}

	status, err := h.native.IsUnderstood(ctx, h.object, h.scratch.isUnderstood)
	if err != nil {
		return inf, err
	}
	if status != errors.StatusSuccess {
		return inf, h.translator.Translate(ctx, errors.PhaseProcess, status, "Processing failed")
	}
	if inf.IsUnderstood, err = h.arena.ReadBool(h.scratch.isUnderstood); err != nil {
		return inf, err
	}
	if !inf.IsUnderstood {
		return inf, nil
	}

	status, err = h.native.GetIntent(ctx, h.object,
		h.scratch.intent, h.scratch.numSlots, h.scratch.slots, h.scratch.values)
	if err != nil {
		return inf, err
	}
	if status != errors.StatusSuccess {
		return inf, h.translator.Translate(ctx, errors.PhaseProcess, status, "Processing failed")
	}

	slots, err := h.arena.ReadPointer(h.scratch.slots)
	if err != nil {
		return inf, h.poison("failed to read slot array", err)
	}
	values, err := h.arena.ReadPointer(h.scratch.values)
	if err != nil {
		return inf, h.poison("failed to read value array", err)
	}

	intent, slotMap, readErr := h.readIntent(slots, values)

	// The arrays are released on every cycle, whether or not they could be
	// read.
	status, err = h.native.FreeSlotsAndValues(ctx, h.object, slots, values)
	if readErr != nil {
		if err != nil || status != errors.StatusSuccess {
			Logger().Warn("failed to free slots after corrupt intent",
				zap.String("module", h.module.Name),
				zap.Stringer("status", status),
				zap.Error(err))
		}
		return inf, readErr
	}
	if err != nil {
		return inf, err
	}
	if status != errors.StatusSuccess {
		return inf, h.translator.Translate(ctx, errors.PhaseProcess, status, "Processing failed")
	}

	inf.Intent = intent
	inf.Slots = slotMap
	return inf, nil
}

// readIntent resolves the intent string and the slot/value arrays. Any
// failure means the module handed back corrupt data and poisons the
// handle.
func (h *Handle) readIntent(slots, values arena.Address) (string, map[string]string, error) {
	ip, err := h.arena.ReadPointer(h.scratch.intent)
	if err != nil {
		return "", nil, h.poison("failed to read intent", err)
	}
	intent, err := h.arena.ReadCString(ip)
	if err != nil {
		return "", nil, h.poison("failed to read intent", err)
	}

	n, err := h.arena.ReadI32(h.scratch.numSlots)
	if err != nil {
		return "", nil, h.poison("failed to read slot count", err)
	}
	if n < 0 {
		return "", nil, h.poison("engine reported a negative slot count", nil)
	}

	slotMap := make(map[string]string, min(int(n), maxSlotHint))
	for i := 0; i < int(n); i++ {
		key, err := h.readSlotString(slots, i)
		if err != nil {
			return "", nil, h.poison("failed to read slot", err)
		}
		value, err := h.readSlotString(values, i)
		if err != nil {
			return "", nil, h.poison("failed to read slot value", err)
		}
		slotMap[key] = value
	}
	return intent, slotMap, nil
}

func (h *Handle) readSlotString(array arena.Address, i int) (string, error) {
	p, err := h.arena.ReadPointerAt(array, i)
	if err != nil {
		return "", err
	}
	return h.arena.ReadCString(p)
}

// poison marks the handle unusable until release and returns the error
// that caused it.
func (h *Handle) poison(detail string, cause error) *errors.Error {
	err := errors.New(errors.PhaseProcess, errors.KindInvalidState).
		Detail("%s", detail).
		Cause(cause).
		Build()
	h.poisoned = err
	Logger().Warn("engine state corrupt", zap.String("module", h.module.Name), zap.Error(err))
	return err
}

func (h *Handle) resetNative(ctx context.Context, phase errors.Phase) error {
	status, err := h.native.Reset(ctx, phase, h.object)
	if err != nil {
		return err
	}
	if status != errors.StatusSuccess {
		return h.translator.Translate(ctx, phase, status, "Reset failed")
	}
	return nil
}
