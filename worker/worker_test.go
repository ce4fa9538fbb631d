package worker

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wippyai/rhino-wasm/engine"
	"github.com/wippyai/rhino-wasm/errors"
	"github.com/wippyai/rhino-wasm/internal/enginetest"
	"github.com/wippyai/rhino-wasm/metrics"
	"github.com/wippyai/rhino-wasm/rhino"
)

const waitTimeout = 5 * time.Second

func testConfig() rhino.Config {
	cfg := rhino.DefaultConfig()
	cfg.AccessKey = "test-access-key"
	cfg.ModelPath = "/models/rhino_params.pv"
	cfg.ContextPath = "/models/coffee_maker.rhn"
	return cfg
}

func newTestEngine(t *testing.T, fake *enginetest.Engine) *engine.Engine {
	t.Helper()
	ctx := context.Background()
	e, err := engine.New(ctx, enginetest.Guest(), &engine.Config{
		HostModules: []engine.HostModule{fake},
	})
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	t.Cleanup(func() { e.Close(ctx) })
	return e
}

func newController(t *testing.T, opts ...Option) (*Controller, *enginetest.Engine) {
	t.Helper()
	ctx := context.Background()
	fake := enginetest.New()
	c, err := Create(ctx, newTestEngine(t, fake), testConfig(), opts...)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Cleanup(func() { c.Release(ctx) })
	return c, fake
}

func nextInference(t *testing.T, c *Controller) rhino.Inference {
	t.Helper()
	select {
	case inf, ok := <-c.Inferences():
		if !ok {
			t.Fatal("inference channel closed")
		}
		return inf
	case err := <-c.Errors():
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an inference")
	}
	return rhino.Inference{}
}

func nextError(t *testing.T, c *Controller) error {
	t.Helper()
	select {
	case err, ok := <-c.Errors():
		if !ok {
			t.Fatal("error channel closed")
		}
		return err
	case inf := <-c.Inferences():
		t.Fatalf("unexpected inference: %+v", inf)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an error")
	}
	return nil
}

func submit(t *testing.T, c *Controller, frames [][]int16) {
	t.Helper()
	for i, frame := range frames {
		if err := c.Process(context.Background(), frame); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
}

func assertReleased(t *testing.T, fake *enginetest.Engine) {
	t.Helper()
	for _, name := range fake.Names() {
		stats, _ := fake.Stats(name)
		if stats.Live != 0 || stats.NativeLive != 0 {
			t.Errorf("%s: %d allocations and %d arrays leaked", name, stats.Live, stats.NativeLive)
		}
		if stats.BadFrees != 0 || stats.DoubleFrees != 0 || stats.BadDeletes != 0 {
			t.Errorf("%s: bad frees %d, double frees %d, bad deletes %d",
				name, stats.BadFrees, stats.DoubleFrees, stats.BadDeletes)
		}
	}
}

func TestController_Create(t *testing.T) {
	c, fake := newController(t)

	info := c.Info()
	want := Info{Version: "3.0.0", ContextInfo: enginetest.DefaultBehavior().ContextInfo, FrameLength: 512, SampleRate: 16000}
	if info != want {
		t.Errorf("Info = %+v, want %+v", info, want)
	}
	if n := len(fake.Names()); n != 1 {
		t.Errorf("got %d module instances, want 1", n)
	}
}

func TestController_Understood(t *testing.T) {
	c, _ := newController(t)

	submit(t, c, enginetest.Utterance(c.Info().FrameLength, 3, true))
	inf := nextInference(t, c)

	want := rhino.Inference{
		IsFinalized:  true,
		IsUnderstood: true,
		Intent:       "orderBeverage",
		Slots:        map[string]string{"size": "medium", "beverage": "americano"},
	}
	if !reflect.DeepEqual(inf, want) {
		t.Errorf("inference = %+v, want %+v", inf, want)
	}
}

func TestController_NotUnderstood(t *testing.T) {
	c, _ := newController(t)

	submit(t, c, enginetest.Utterance(c.Info().FrameLength, 3, false))
	inf := nextInference(t, c)
	if !inf.IsFinalized || inf.IsUnderstood || inf.Intent != "" {
		t.Errorf("inference = %+v", inf)
	}
}

func TestController_ProcessBeforeInit(t *testing.T) {
	ctx := context.Background()
	fake := enginetest.New()
	c := Start(ctx, newTestEngine(t, fake))

	if err := c.Process(ctx, make([]int16, 512)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	err := nextError(t, c)
	if !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("got %v, want invalid state", err)
	}
	if e, _ := errors.As(err); e == nil || e.Phase != errors.PhaseProcess {
		t.Errorf("got %v, want process phase", err)
	}

	if err := c.Reset(ctx); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("Reset before init: got %v", err)
	}
	if len(fake.Names()) != 0 {
		t.Error("module instantiated without init")
	}

	if err := c.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("worker did not stop")
	}
}

func TestController_WrongFrameLength(t *testing.T) {
	c, fake := newController(t)
	ctx := context.Background()

	for _, n := range []int{0, 3, 511, 1024} {
		if err := c.Process(ctx, make([]int16, n)); !errors.Is(err, errors.ErrInvalidArgument) {
			t.Errorf("%d samples: got %v, want invalid argument", n, err)
		}
	}
	if err := c.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if fake.Calls("pv_rhino_process") != 0 {
		t.Error("wrong-length frame reached the module")
	}
}

func TestController_SecondInit(t *testing.T) {
	c, fake := newController(t)

	_, err := c.Init(context.Background(), testConfig())
	if !errors.Is(err, errors.ErrInvalidState) {
		t.Fatalf("second Init: got %v, want invalid state", err)
	}
	if n := len(fake.Names()); n != 1 {
		t.Errorf("got %d module instances, want 1", n)
	}
	if fake.Calls("pv_rhino_init") != 1 {
		t.Errorf("pv_rhino_init called %d times", fake.Calls("pv_rhino_init"))
	}

	submit(t, c, enginetest.Utterance(c.Info().FrameLength, 3, true))
	if inf := nextInference(t, c); !inf.IsUnderstood {
		t.Errorf("engine disturbed by rejected init: %+v", inf)
	}
}

func TestController_InitFailure(t *testing.T) {
	ctx := context.Background()
	fake := enginetest.New()
	fake.Configure(func(b *enginetest.Behavior) {
		b.InitStatus = errors.StatusActivationLimitReached
		b.StackDepth = 3
	})

	c, err := Create(ctx, newTestEngine(t, fake), testConfig())
	if c != nil {
		t.Fatal("expected no controller")
	}
	if !errors.Is(err, errors.ErrActivationLimitReached) {
		t.Fatalf("got %v, want activation limit reached", err)
	}
	e, _ := errors.As(err)
	if e.Phase != errors.PhaseInit || len(e.MessageStack) != 3 {
		t.Errorf("Phase=%v MessageStack=%v", e.Phase, e.MessageStack)
	}
	assertReleased(t, fake)
}

func TestController_InvalidConfig(t *testing.T) {
	ctx := context.Background()
	fake := enginetest.New()
	cfg := testConfig()
	cfg.Sensitivity = 2

	if _, err := Create(ctx, newTestEngine(t, fake), cfg); !errors.Is(err, errors.ErrInvalidArgument) {
		t.Fatalf("got %v, want invalid argument", err)
	}
	if len(fake.Names()) != 0 {
		t.Error("invalid config reached the module")
	}
}

func TestController_ProcessErrorIsRoutedToErrors(t *testing.T) {
	c, fake := newController(t)
	ctx := context.Background()
	frames := enginetest.Utterance(c.Info().FrameLength, 3, true)

	fake.Configure(func(b *enginetest.Behavior) { b.ProcessStatus = errors.StatusKeyError })
	submit(t, c, frames[:1])
	err := nextError(t, c)
	e, ok := errors.As(err)
	if !ok || e.Kind != errors.KindKeyError || e.Phase != errors.PhaseProcess {
		t.Fatalf("got %v, want process key error", err)
	}
	if len(e.MessageStack) != 2 {
		t.Errorf("MessageStack = %v", e.MessageStack)
	}

	// The caller of Reset gets its own reply, not the process fault.
	fake.Configure(func(b *enginetest.Behavior) { b.ProcessStatus = errors.StatusSuccess })
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	submit(t, c, frames)
	if inf := nextInference(t, c); !inf.IsUnderstood {
		t.Errorf("inference = %+v", inf)
	}
}

func TestController_ResetError(t *testing.T) {
	c, fake := newController(t)
	fake.Configure(func(b *enginetest.Behavior) { b.ResetStatus = errors.StatusRuntimeError })

	err := c.Reset(context.Background())
	e, ok := errors.As(err)
	if !ok || e.Phase != errors.PhaseReset || e.Kind != errors.KindRuntimeError {
		t.Fatalf("got %v, want reset runtime error", err)
	}
	select {
	case err := <-c.Errors():
		t.Errorf("reset fault leaked to the error channel: %v", err)
	default:
	}
}

func TestController_Release(t *testing.T) {
	ctx := context.Background()
	c, fake := newController(t)

	if err := c.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := c.Release(ctx); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}

	if _, ok := <-c.Inferences(); ok {
		t.Error("inference channel still open")
	}
	if _, ok := <-c.Errors(); ok {
		t.Error("error channel still open")
	}
	if err := c.Process(ctx, make([]int16, 512)); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("Process after release: got %v", err)
	}
	if err := c.Reset(ctx); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("Reset after release: got %v", err)
	}

	assertReleased(t, fake)
	stats, _ := fake.Stats(fake.Names()[0])
	if stats.Deletes != 1 {
		t.Errorf("Deletes = %d, want 1", stats.Deletes)
	}
}

func TestController_ConcurrentProcessInOrder(t *testing.T) {
	c, fake := newController(t)
	ctx := context.Background()
	entered := make(chan struct{}, 8)
	gate := make(chan struct{})
	fake.Configure(func(b *enginetest.Behavior) {
		b.FinalizeAfter = 100
		b.Entered = entered
		b.Gate = gate
	})

	frame := func(marker int16) []int16 {
		f := make([]int16, c.Info().FrameLength)
		f[0] = marker
		return f
	}

	errs := make(chan error, 2)
	go func() { errs <- c.Process(ctx, frame(21)) }()
	<-entered
	go func() { errs <- c.Process(ctx, frame(22)) }()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	}
	// A round trip drains every frame queued before it.
	if err := c.Reset(ctx); err != nil {
		t.Fatal(err)
	}

	stats, _ := fake.Stats(fake.Names()[0])
	if want := []int16{21, 22}; !reflect.DeepEqual(stats.Markers, want) {
		t.Errorf("processed in order %v, want %v", stats.Markers, want)
	}
}

func TestController_ContextEndsWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := enginetest.New()
	c, err := Create(ctx, newTestEngine(t, fake), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	cancel()
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("worker did not stop")
	}
	if err := c.Process(context.Background(), make([]int16, 512)); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("Process after stop: got %v", err)
	}
	assertReleased(t, fake)
}

func TestController_Metrics(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	c, _ := newController(t, WithMetrics(m))

	submit(t, c, enginetest.Utterance(c.Info().FrameLength, 3, true))
	nextInference(t, c)
	if err := c.Release(context.Background()); err != nil {
		t.Fatal(err)
	}

	counts := []struct {
		command   string
		direction string
		want      float64
	}{
		{"init", "in", 1},
		{"process", "in", 3},
		{"release", "in", 1},
		{"ok", "out", 2},
		{"ok-process", "out", 1},
	}
	for _, tc := range counts {
		got := testutil.ToFloat64(m.EnvelopesTotal.WithLabelValues(tc.command, tc.direction))
		if got != tc.want {
			t.Errorf("%s/%s envelopes = %v, want %v", tc.command, tc.direction, got, tc.want)
		}
	}
	if got := testutil.ToFloat64(m.InferencesTotal.WithLabelValues("true")); got != 1 {
		t.Errorf("understood inferences = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.InstancesActive); got != 0 {
		t.Errorf("instances = %v, want 0", got)
	}
}

func TestWorker_ReleaseWithCanceledContext(t *testing.T) {
	fake := enginetest.New()
	w := New(newTestEngine(t, fake))

	resp, _ := w.dispatch(context.Background(), InitFromConfig(testConfig()))
	if _, ok := resp.(*OK); !ok {
		t.Fatalf("init reply = %#v", resp)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, stop := w.dispatch(ctx, &Release{})
	if _, ok := resp.(*OK); !ok || !stop {
		t.Fatalf("release reply = %#v, stop = %v", resp, stop)
	}
	if _, _, ok := w.registry.Get(); ok {
		t.Error("registry still holds the engine")
	}

	assertReleased(t, fake)
	stats, _ := fake.Stats(fake.Names()[0])
	if stats.Deletes != 1 {
		t.Errorf("Deletes = %d, want 1", stats.Deletes)
	}
}
