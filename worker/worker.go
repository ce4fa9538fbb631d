package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/rhino-wasm/engine"
	"github.com/wippyai/rhino-wasm/errors"
	"github.com/wippyai/rhino-wasm/metrics"
	"github.com/wippyai/rhino-wasm/rhino"
)

// Option configures a Worker.
type Option func(*Worker)

// WithMetrics records envelopes and forwards m to the engine handle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// dispatcher handles one request. It returns the reply, if any, and
// whether the worker should stop afterwards.
type dispatcher func(ctx context.Context, req Request) (Response, bool)

// Worker owns one engine handle and serves requests for it from a single
// goroutine. It starts uninitialized; a successful init swaps the
// dispatcher so later envelopes never reach the init path again.
type Worker struct {
	eng      *engine.Engine
	metrics  *metrics.Metrics
	dispatch dispatcher
	registry Registry
}

// New creates a worker that instantiates engines from eng.
func New(eng *engine.Engine, opts ...Option) *Worker {
	w := &Worker{eng: eng}
	for _, opt := range opts {
		opt(w)
	}
	w.dispatch = w.uninitialized
	return w
}

// Run serves requests from in and writes replies to out until a release
// is handled, in is closed or ctx is done. out is closed on return and any
// live engine is released.
func (w *Worker) Run(ctx context.Context, in <-chan Request, out chan<- Response) error {
	defer close(out)
	defer w.shutdown(context.WithoutCancel(ctx))

	for {
		var req Request
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-in:
			if !ok {
				return nil
			}
			req = r
		}
		w.metrics.RecordEnvelope(string(req.Command()), "in")

		resp, stop := w.dispatch(ctx, req)
		if resp != nil {
			select {
			case out <- resp:
				w.metrics.RecordEnvelope(string(resp.Command()), "out")
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if stop {
			return nil
		}
	}
}

func (w *Worker) uninitialized(ctx context.Context, req Request) (Response, bool) {
	switch r := req.(type) {
	case *Init:
		return w.init(ctx, r), false
	case *Process:
		return notInitialized(CommandProcess), false
	case *Reset:
		return notInitialized(CommandReset), false
	case *Release:
		return &OK{Origin: CommandRelease}, true
	default:
		return unrecognized(req), false
	}
}

func (w *Worker) ready(ctx context.Context, req Request) (Response, bool) {
	h, _, ok := w.registry.Get()
	if !ok {
		return &Failed{Fault: Fault{
			Origin:  req.Command(),
			Status:  errors.StatusInvalidState,
			Message: "no engine registered",
		}}, false
	}

	switch r := req.(type) {
	case *Init:
		return &Error{Fault: faultFrom(CommandInit,
			errors.InvalidState(errors.PhaseInit, "engine already initialized"))}, false
	case *Process:
		inf, err := h.Process(ctx, r.InputFrame)
		if err != nil {
			return &Error{Fault: faultFrom(CommandProcess, err)}, false
		}
		if !inf.IsFinalized {
			return nil, false
		}
		return &OKProcess{Inference: inf}, false
	case *Reset:
		if err := h.Reset(ctx); err != nil {
			return &Error{Fault: faultFrom(CommandReset, err)}, false
		}
		return &OK{Origin: CommandReset}, false
	case *Release:
		w.shutdown(ctx)
		return &OK{Origin: CommandRelease}, true
	default:
		return unrecognized(req), false
	}
}

func (w *Worker) init(ctx context.Context, r *Init) Response {
	var opts []rhino.Option
	if w.metrics != nil {
		opts = append(opts, rhino.WithMetrics(w.metrics))
	}
	h, err := rhino.Create(ctx, w.eng, r.Config(), opts...)
	if err != nil {
		return &Error{Fault: faultFrom(CommandInit, err)}
	}

	id, err := w.registry.Put(h)
	if err != nil {
		if rerr := h.Release(context.WithoutCancel(ctx)); rerr != nil {
			Logger().Warn("failed to release rejected engine", zap.Error(rerr))
		}
		return &Error{Fault: faultFrom(CommandInit, err)}
	}

	w.dispatch = w.ready
	Logger().Info("worker ready", zap.Stringer("session", id), zap.String("module", h.Name()))
	return &OK{
		Origin: CommandInit,
		Info: Info{
			Version:     h.Version(),
			ContextInfo: h.ContextInfo(),
			FrameLength: h.FrameLength(),
			SampleRate:  h.SampleRate(),
		},
	}
}

// shutdown releases the registered engine, if any. Release runs to
// completion even when ctx is done, since the handle is unreachable once
// taken. Failures are logged; release is always acknowledged.
func (w *Worker) shutdown(ctx context.Context) {
	h, ok := w.registry.Take()
	if !ok {
		return
	}
	if err := h.Release(context.WithoutCancel(ctx)); err != nil {
		Logger().Warn("engine release failed", zap.String("module", h.Name()), zap.Error(err))
	}
	w.dispatch = w.uninitialized
}

func notInitialized(origin Command) Response {
	return &Error{Fault: Fault{
		Origin:  origin,
		Status:  errors.StatusInvalidState,
		Message: "engine not initialized",
	}}
}

func unrecognized(req Request) Response {
	if m, ok := req.(*malformed); ok {
		return &Failed{Fault: Fault{
			Status:  errors.StatusRuntimeError,
			Message: m.reason,
		}}
	}
	return &Failed{Fault: Fault{
		Origin:  req.Command(),
		Status:  errors.StatusRuntimeError,
		Message: fmt.Sprintf("Unrecognized command: %s", req.Command()),
	}}
}
