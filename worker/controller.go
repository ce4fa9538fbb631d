package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/rhino-wasm/engine"
	"github.com/wippyai/rhino-wasm/errors"
	"github.com/wippyai/rhino-wasm/rhino"
)

// resultBuffer is the capacity of the inference and error channels.
const resultBuffer = 16

// Controller drives a Worker running on its own goroutine. Inferences and
// process faults arrive on separate channels; init, reset and release
// wait for their own reply.
//
// Both channels must be drained. A full channel holds up the worker, and
// with it any pending Reset or Release.
type Controller struct {
	in          chan Request
	replies     chan Response
	inferences  chan rhino.Inference
	errs        chan error
	done        chan struct{}
	info        Info
	runErr      error
	mu          sync.Mutex
	infoMu      sync.Mutex
	frameLength atomic.Int64
	pending     bool
}

// Start launches a worker for eng. The worker runs until Release or until
// ctx is done.
func Start(ctx context.Context, eng *engine.Engine, opts ...Option) *Controller {
	c := &Controller{
		in:         make(chan Request),
		replies:    make(chan Response, 1),
		inferences: make(chan rhino.Inference, resultBuffer),
		errs:       make(chan error, resultBuffer),
		done:       make(chan struct{}),
	}
	out := make(chan Response)
	w := New(eng, opts...)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.Run(ctx, c.in, out); err != nil {
			Logger().Debug("worker stopped", zap.Error(err))
			c.runErr = err
		}
	}()
	go func() {
		c.route(out)
		wg.Wait()
		close(c.done)
	}()
	return c
}

// Create starts a worker and initializes its engine with cfg. On failure
// the worker is stopped and no controller is returned.
func Create(ctx context.Context, eng *engine.Engine, cfg rhino.Config, opts ...Option) (*Controller, error) {
	c := Start(ctx, eng, opts...)
	if _, err := c.Init(ctx, cfg); err != nil {
		if rerr := c.Release(context.WithoutCancel(ctx)); rerr != nil {
			Logger().Warn("failed to stop worker after init failure", zap.Error(rerr))
		}
		return nil, err
	}
	return c, nil
}

// route delivers worker output: inferences and process faults to their
// channels, everything else to the caller waiting for a reply.
func (c *Controller) route(out <-chan Response) {
	defer close(c.errs)
	defer close(c.inferences)
	for resp := range out {
		switch r := resp.(type) {
		case *OKProcess:
			c.inferences <- r.Inference
		case *Error:
			c.deliverFault(r, r.Fault)
		case *Failed:
			c.deliverFault(r, r.Fault)
		default:
			c.replies <- r
		}
	}
}

// deliverFault routes a fault by the command that produced it. Process
// faults and faults of unknown commands have no waiting caller.
func (c *Controller) deliverFault(resp Response, f Fault) {
	switch f.Origin {
	case CommandInit, CommandReset, CommandRelease:
		c.replies <- resp
	default:
		c.errs <- f.Err()
	}
}

// Init creates the engine inside the worker.
func (c *Controller) Init(ctx context.Context, cfg rhino.Config) (Info, error) {
	resp, err := c.roundTrip(ctx, InitFromConfig(cfg))
	if err != nil {
		return Info{}, err
	}
	ok := resp.(*OK)
	c.infoMu.Lock()
	c.info = ok.Info
	c.infoMu.Unlock()
	c.frameLength.Store(int64(ok.FrameLength))
	return ok.Info, nil
}

// Process submits a copy of frame. It returns once the worker has taken
// the envelope; results arrive on Inferences and faults on Errors. A frame
// of the wrong length fails here without reaching the worker.
func (c *Controller) Process(ctx context.Context, frame []int16) error {
	if n := c.frameLength.Load(); n > 0 && int64(len(frame)) != n {
		return errors.InvalidArgument(errors.PhaseProcess,
			"input frame has %d samples, want %d", len(frame), n)
	}
	req := &Process{InputFrame: append([]int16(nil), frame...)}
	select {
	case c.in <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closed(errors.PhaseProcess)
	}
}

// Reset discards the current utterance.
func (c *Controller) Reset(ctx context.Context) error {
	_, err := c.roundTrip(ctx, &Reset{})
	return err
}

// Release frees the engine and stops the worker. It is safe to call more
// than once.
func (c *Controller) Release(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	if _, err := c.roundTrip(ctx, &Release{}); err != nil {
		if errors.Is(err, errors.ErrInvalidState) {
			return nil
		}
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inferences delivers finalized inferences in processing order. It is
// closed when the worker stops.
func (c *Controller) Inferences() <-chan rhino.Inference { return c.inferences }

// Errors delivers faults of process requests. It is closed when the worker
// stops.
func (c *Controller) Errors() <-chan error { return c.errs }

// Info returns the engine description reported by the last successful
// Init.
func (c *Controller) Info() Info {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.info
}

// Done is closed once the worker has stopped.
func (c *Controller) Done() <-chan struct{} { return c.done }

// roundTrip sends req and waits for its reply. Only one request that
// expects a reply is outstanding at a time; a reply abandoned by a
// canceled caller is drained before the next request is sent.
func (c *Controller) roundTrip(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	phase := phaseOf(req.Command())
	if c.pending {
		select {
		case <-c.replies:
			c.pending = false
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, c.closed(phase)
		}
	}

	select {
	case c.in <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closed(phase)
	}

	select {
	case resp := <-c.replies:
		return reply(resp)
	case <-ctx.Done():
		c.pending = true
		return nil, ctx.Err()
	case <-c.done:
		// The worker may have replied just before stopping.
		select {
		case resp := <-c.replies:
			return reply(resp)
		default:
			return nil, c.closed(phase)
		}
	}
}

func reply(resp Response) (Response, error) {
	switch r := resp.(type) {
	case *Error:
		return nil, r.Err()
	case *Failed:
		return nil, r.Err()
	}
	return resp, nil
}

func (c *Controller) closed(phase errors.Phase) error {
	b := errors.New(phase, errors.KindInvalidState).Detail("worker has stopped")
	if c.runErr != nil {
		b = b.Cause(c.runErr)
	}
	return b.Build()
}
