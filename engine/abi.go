package engine

import (
	"context"
	"math"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/rhino-wasm/arena"
	"github.com/wippyai/rhino-wasm/errors"
)

// Memory management exports
const (
	// ExportMalloc allocates memory in linear memory.
	// Signature: malloc(size: i32) -> i32 (pointer, 0 on exhaustion)
	ExportMalloc = "malloc"

	// ExportFree frees memory in linear memory.
	// Signature: free(ptr: i32)
	ExportFree = "free"

	// ExportMemory is the exported linear memory.
	ExportMemory = "memory"

	// ExportInitialize is the reactor initializer, run once per instance.
	ExportInitialize = "_initialize"
)

// Engine exports
const (
	ExportInit               = "pv_rhino_init"
	ExportDelete             = "pv_rhino_delete"
	ExportProcess            = "pv_rhino_process"
	ExportIsUnderstood       = "pv_rhino_is_understood"
	ExportGetIntent          = "pv_rhino_get_intent"
	ExportFreeSlotsAndValues = "pv_rhino_free_slots_and_values"
	ExportReset              = "pv_rhino_reset"
	ExportContextInfo        = "pv_rhino_context_info"
	ExportVersion            = "pv_rhino_version"
	ExportFrameLength        = "pv_rhino_frame_length"
	ExportSampleRate         = "pv_sample_rate"
	ExportGetErrorStack      = "pv_get_error_stack"
	ExportFreeErrorStack     = "pv_free_error_stack"

	// Optional exports
	ExportSetSDK         = "pv_set_sdk"
	ExportStatusToString = "pv_status_to_string"
)

// RequiredExports lists the functions a module must export to be bound.
var RequiredExports = []string{
	ExportMalloc,
	ExportFree,
	ExportInit,
	ExportDelete,
	ExportProcess,
	ExportIsUnderstood,
	ExportGetIntent,
	ExportFreeSlotsAndValues,
	ExportReset,
	ExportContextInfo,
	ExportVersion,
	ExportFrameLength,
	ExportSampleRate,
	ExportGetErrorStack,
	ExportFreeErrorStack,
}

// CallObserver receives the duration of every native call by export name.
type CallObserver func(export string, elapsed time.Duration)

// Native is the typed binding of one module instance's exports. It performs
// no locking; callers serialize access.
type Native struct {
	fns     map[string]api.Function
	observe CallObserver
}

// Bind resolves the engine exports of mod. A missing required export is
// reported by name.
func Bind(mod api.Module) (*Native, error) {
	n := &Native{fns: make(map[string]api.Function, len(RequiredExports)+2)}
	for _, name := range RequiredExports {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			return nil, errors.MissingExport(name)
		}
		n.fns[name] = fn
	}
	for _, name := range []string{ExportSetSDK, ExportStatusToString} {
		if fn := mod.ExportedFunction(name); fn != nil {
			n.fns[name] = fn
		}
	}
	return n, nil
}

// SetObserver installs a latency observer. Passing nil disables it.
func (n *Native) SetObserver(fn CallObserver) {
	n.observe = fn
}

// Has reports whether the module exports name.
func (n *Native) Has(name string) bool {
	_, ok := n.fns[name]
	return ok
}

// Allocator returns the module's malloc/free pair as an allocator.
func (n *Native) Allocator() *arena.FuncAllocator {
	return &arena.FuncAllocator{Malloc: n.fns[ExportMalloc], FreeFn: n.fns[ExportFree]}
}

func (n *Native) call(ctx context.Context, phase errors.Phase, name string, params ...uint64) ([]uint64, error) {
	fn, ok := n.fns[name]
	if !ok {
		return nil, errors.MissingExport(name)
	}

	start := time.Now()
	results, err := fn.Call(ctx, params...)
	if n.observe != nil {
		n.observe(name, time.Since(start))
	}
	if err != nil {
		return nil, errors.Runtime(phase, name+" trapped", err)
	}
	return results, nil
}

func (n *Native) status(ctx context.Context, phase errors.Phase, name string, params ...uint64) (errors.Status, error) {
	results, err := n.call(ctx, phase, name, params...)
	if err != nil {
		return errors.StatusRuntimeError, err
	}
	if len(results) == 0 {
		return errors.StatusRuntimeError, errors.Runtime(phase, name+" returned no status", nil)
	}
	return errors.Status(int32(uint32(results[0]))), nil
}

func (n *Native) i32(ctx context.Context, phase errors.Phase, name string) (int32, error) {
	results, err := n.call(ctx, phase, name)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, errors.Runtime(phase, name+" returned no value", nil)
	}
	return int32(uint32(results[0])), nil
}

func addr(a arena.Address) uint64 {
	return uint64(uint32(a))
}

func f32(v float32) uint64 {
	return uint64(math.Float32bits(v))
}

func b32(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

// Init creates the native engine object and stores its address at objectOut.
func (n *Native) Init(ctx context.Context, accessKey, modelPath, contextPath arena.Address,
	sensitivity, endpointDurationSec float32, requireEndpoint bool, objectOut arena.Address,
) (errors.Status, error) {
	return n.status(ctx, errors.PhaseInit, ExportInit,
		addr(accessKey), addr(modelPath), addr(contextPath),
		f32(sensitivity), f32(endpointDurationSec), b32(requireEndpoint),
		addr(objectOut))
}

// Delete destroys the native engine object.
func (n *Native) Delete(ctx context.Context, object arena.Address) error {
	_, err := n.call(ctx, errors.PhaseRelease, ExportDelete, addr(object))
	return err
}

// Process submits one frame of PCM and writes the finalized flag.
func (n *Native) Process(ctx context.Context, object, pcm, isFinalizedOut arena.Address) (errors.Status, error) {
	return n.status(ctx, errors.PhaseProcess, ExportProcess, addr(object), addr(pcm), addr(isFinalizedOut))
}

// IsUnderstood writes whether the finalized utterance matched the context.
func (n *Native) IsUnderstood(ctx context.Context, object, isUnderstoodOut arena.Address) (errors.Status, error) {
	return n.status(ctx, errors.PhaseProcess, ExportIsUnderstood, addr(object), addr(isUnderstoodOut))
}

// GetIntent writes the intent string, slot count and the parallel slot and
// value arrays. The arrays are owned by the module until
// FreeSlotsAndValues.
func (n *Native) GetIntent(ctx context.Context, object, intentOut, numSlotsOut, slotsOut, valuesOut arena.Address) (errors.Status, error) {
	return n.status(ctx, errors.PhaseProcess, ExportGetIntent,
		addr(object), addr(intentOut), addr(numSlotsOut), addr(slotsOut), addr(valuesOut))
}

// FreeSlotsAndValues releases the arrays returned by GetIntent.
func (n *Native) FreeSlotsAndValues(ctx context.Context, object, slots, values arena.Address) (errors.Status, error) {
	return n.status(ctx, errors.PhaseProcess, ExportFreeSlotsAndValues, addr(object), addr(slots), addr(values))
}

// Reset returns the engine to listening.
func (n *Native) Reset(ctx context.Context, phase errors.Phase, object arena.Address) (errors.Status, error) {
	return n.status(ctx, phase, ExportReset, addr(object))
}

// ContextInfo writes the address of the context description string.
func (n *Native) ContextInfo(ctx context.Context, object, out arena.Address) (errors.Status, error) {
	return n.status(ctx, errors.PhaseInit, ExportContextInfo, addr(object), addr(out))
}

// Version returns the address of the module's version string.
func (n *Native) Version(ctx context.Context) (arena.Address, error) {
	v, err := n.i32(ctx, errors.PhaseInit, ExportVersion)
	return arena.Address(uint32(v)), err
}

// FrameLength returns the number of samples per frame.
func (n *Native) FrameLength(ctx context.Context) (int32, error) {
	return n.i32(ctx, errors.PhaseInit, ExportFrameLength)
}

// SampleRate returns the expected sample rate in Hz.
func (n *Native) SampleRate(ctx context.Context) (int32, error) {
	return n.i32(ctx, errors.PhaseInit, ExportSampleRate)
}

// GetErrorStack writes the message stack array and its depth. The array is
// owned by the module until FreeErrorStack.
func (n *Native) GetErrorStack(ctx context.Context, phase errors.Phase, stackOut, depthOut arena.Address) (errors.Status, error) {
	return n.status(ctx, phase, ExportGetErrorStack, addr(stackOut), addr(depthOut))
}

// FreeErrorStack releases an array returned by GetErrorStack.
func (n *Native) FreeErrorStack(ctx context.Context, phase errors.Phase, stack arena.Address) error {
	_, err := n.call(ctx, phase, ExportFreeErrorStack, addr(stack))
	return err
}

// SetSDK tags the engine with the host SDK name. It is a no-op when the
// module does not export pv_set_sdk.
func (n *Native) SetSDK(ctx context.Context, name arena.Address) error {
	if !n.Has(ExportSetSDK) {
		return nil
	}
	_, err := n.call(ctx, errors.PhaseInit, ExportSetSDK, addr(name))
	return err
}

// StatusString returns the module's own name for status, when exported.
func (n *Native) StatusString(ctx context.Context, phase errors.Phase, status errors.Status) (arena.Address, bool, error) {
	if !n.Has(ExportStatusToString) {
		return arena.Null, false, nil
	}
	results, err := n.call(ctx, phase, ExportStatusToString, uint64(uint32(int32(status))))
	if err != nil || len(results) == 0 {
		return arena.Null, false, err
	}
	return arena.Address(uint32(results[0])), true, nil
}
