package rhino

import (
	"context"
	stderrors "errors"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wippyai/rhino-wasm/arena"
	"github.com/wippyai/rhino-wasm/engine"
	"github.com/wippyai/rhino-wasm/errors"
	"github.com/wippyai/rhino-wasm/metrics"
)

// Option configures a Handle.
type Option func(*options)

type options struct {
	metrics *metrics.Metrics
}

// WithMetrics records frames, inferences, errors and native call latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// scratch holds the buffers allocated once per handle and reused by every
// call. All of them belong to the handle's arena owner.
type scratch struct {
	object       arena.Address
	stack        arena.Address
	depth        arena.Address
	input        arena.Address
	isFinalized  arena.Address
	isUnderstood arena.Address
	intent       arena.Address
	numSlots     arena.Address
	slots        arena.Address
	values       arena.Address
}

// Handle owns one native engine object, its module instance and every
// buffer allocated for it. Process, Reset and Release are serialized by a
// FIFO mutex; concurrent callers queue in arrival order.
type Handle struct {
	module      *engine.Module
	native      *engine.Native
	arena       *arena.Arena
	translator  *engine.Translator
	metrics     *metrics.Metrics
	sem         *semaphore.Weighted
	poisoned    *errors.Error
	version     string
	contextInfo string
	scratch     scratch
	owner       arena.Owner
	object      arena.Address
	frameLength int
	sampleRate  int
	released    bool
}

// Create validates cfg, instantiates the engine module and initializes the
// native engine. On failure nothing is left allocated and no handle is
// returned.
func Create(ctx context.Context, eng *engine.Engine, cfg Config, opts ...Option) (*Handle, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		recordError(o.metrics, err)
		return nil, err
	}

	mod, err := eng.Instantiate(ctx)
	if err != nil {
		recordError(o.metrics, err)
		return nil, err
	}
	if o.metrics != nil {
		mod.Native.SetObserver(o.metrics.ObserveNativeCall)
	}

	h := &Handle{
		module:  mod,
		native:  mod.Native,
		arena:   mod.Arena,
		metrics: o.metrics,
		sem:     semaphore.NewWeighted(1),
	}
	h.owner = h.arena.Table().NewOwner()

	if err := h.init(ctx, &cfg); err != nil {
		if terr := h.teardown(ctx); terr != nil {
			Logger().Warn("cleanup after failed init", zap.String("module", mod.Name), zap.Error(terr))
		}
		recordError(o.metrics, err)
		return nil, err
	}

	o.metrics.InstanceCreated()
	Logger().Info("engine created",
		zap.String("module", mod.Name),
		zap.String("version", h.version),
		zap.Int("frame_length", h.frameLength),
		zap.Int("sample_rate", h.sampleRate))
	return h, nil
}

func (h *Handle) init(ctx context.Context, cfg *Config) error {
	var err error
	for _, cell := range []*arena.Address{&h.scratch.stack, &h.scratch.depth, &h.scratch.object} {
		if *cell, err = h.arena.AllocateFor(ctx, h.owner, arena.PointerSize); err != nil {
			return err
		}
	}
	h.translator = engine.NewTranslator(h.native, h.arena, h.scratch.stack, h.scratch.depth)

	// Argument strings live only for the init call.
	args := h.arena.Table().NewOwner()
	defer func() {
		if err := h.arena.Release(ctx, args); err != nil {
			Logger().Warn("failed to free init arguments", zap.Error(err))
		}
	}()

	if cfg.SDK != "" {
		sdk, err := h.arena.AllocCString(ctx, args, cfg.SDK)
		if err != nil {
			return err
		}
		if err := h.native.SetSDK(ctx, sdk); err != nil {
			return err
		}
	}

	accessKey, err := h.arena.AllocCString(ctx, args, cfg.AccessKey)
	if err != nil {
		return err
	}
	modelPath, err := h.arena.AllocCString(ctx, args, cfg.ModelPath)
	if err != nil {
		return err
	}
	contextPath, err := h.arena.AllocCString(ctx, args, cfg.ContextPath)
	if err != nil {
		return err
	}

	status, err := h.native.Init(ctx, accessKey, modelPath, contextPath,
		cfg.Sensitivity, cfg.EndpointDurationSec, cfg.RequireEndpoint, h.scratch.object)
	if err != nil {
		return err
	}
	if status != errors.StatusSuccess {
		return h.translator.Translate(ctx, errors.PhaseInit, status, "Initialization failed")
	}

	if h.object, err = h.arena.ReadPointer(h.scratch.object); err != nil {
		return err
	}
	if h.object == arena.Null {
		return errors.InvalidState(errors.PhaseInit, "engine returned a null object")
	}

	if err := h.readProperties(ctx); err != nil {
		return err
	}
	return h.allocScratch(ctx)
}

func (h *Handle) readProperties(ctx context.Context) error {
	frameLength, err := h.native.FrameLength(ctx)
	if err != nil {
		return err
	}
	sampleRate, err := h.native.SampleRate(ctx)
	if err != nil {
		return err
	}
	if frameLength <= 0 || sampleRate <= 0 {
		return errors.InvalidState(errors.PhaseInit,
			"engine reported frame length %d and sample rate %d", frameLength, sampleRate)
	}
	h.frameLength = int(frameLength)
	h.sampleRate = int(sampleRate)

	vp, err := h.native.Version(ctx)
	if err != nil {
		return err
	}
	if h.version, err = h.arena.ReadCString(vp); err != nil {
		return err
	}

	// The object cell has been read and is free for reuse.
	status, err := h.native.ContextInfo(ctx, h.object, h.scratch.object)
	if err != nil {
		return err
	}
	if status != errors.StatusSuccess {
		return h.translator.Translate(ctx, errors.PhaseInit, status, "Initialization failed")
	}
	cp, err := h.arena.ReadPointer(h.scratch.object)
	if err != nil {
		return err
	}
	h.contextInfo, err = h.arena.ReadCString(cp)
	return err
}

func (h *Handle) allocScratch(ctx context.Context) error {
	cells := []struct {
		addr *arena.Address
		size uint32
	}{
		{&h.scratch.input, uint32(h.frameLength) * 2},
		{&h.scratch.isFinalized, 1},
		{&h.scratch.isUnderstood, 1},
		{&h.scratch.intent, arena.PointerSize},
		{&h.scratch.numSlots, 4},
		{&h.scratch.slots, arena.PointerSize},
		{&h.scratch.values, arena.PointerSize},
	}
	for _, c := range cells {
		addr, err := h.arena.AllocateFor(ctx, h.owner, c.size)
		if err != nil {
			return err
		}
		*c.addr = addr
	}
	return nil
}

// teardown deletes the native object, frees every buffer owned by the
// handle and closes the module instance.
func (h *Handle) teardown(ctx context.Context) error {
	var errs []error
	if h.object != arena.Null {
		if err := h.native.Delete(ctx, h.object); err != nil {
			errs = append(errs, err)
		}
		h.object = arena.Null
	}
	if err := h.arena.Release(ctx, h.owner); err != nil {
		errs = append(errs, err)
	}
	if err := h.module.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

// Release deletes the engine and frees its resources. It waits for any
// queued Process or Reset to finish. Calling Release more than once is a
// no-op.
func (h *Handle) Release(ctx context.Context) error {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer h.sem.Release(1)

	if h.released {
		return nil
	}
	h.released = true
	h.metrics.InstanceReleased()

	if err := h.teardown(ctx); err != nil {
		rerr := errors.Runtime(errors.PhaseRelease, "release failed", err)
		recordError(h.metrics, rerr)
		return rerr
	}
	Logger().Debug("engine released", zap.String("module", h.module.Name))
	return nil
}

// FrameLength returns the number of samples Process expects per frame.
func (h *Handle) FrameLength() int { return h.frameLength }

// SampleRate returns the audio sample rate in Hz.
func (h *Handle) SampleRate() int { return h.sampleRate }

// Version returns the engine version string.
func (h *Handle) Version() string { return h.version }

// ContextInfo returns the description of the loaded context.
func (h *Handle) ContextInfo() string { return h.contextInfo }

// Name returns the name of the module instance backing the handle.
func (h *Handle) Name() string { return h.module.Name }

func recordError(m *metrics.Metrics, err error) {
	if m == nil {
		return
	}
	if e, ok := errors.As(err); ok {
		m.RecordError(string(e.Phase), e.Status.String())
		return
	}
	m.RecordError("unknown", errors.StatusRuntimeError.String())
}
