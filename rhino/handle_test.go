package rhino

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wippyai/rhino-wasm/engine"
	"github.com/wippyai/rhino-wasm/errors"
	"github.com/wippyai/rhino-wasm/internal/enginetest"
	"github.com/wippyai/rhino-wasm/metrics"
)

func testConfig() Config {
	cfg := DefaultConfig()
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

func newTestHandle(t *testing.T, opts ...Option) (*Handle, *enginetest.Engine) {
	t.Helper()
	ctx := context.Background()
	fake := enginetest.New()
	e := newTestEngine(t, fake)

	h, err := Create(ctx, e, testConfig(), opts...)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Cleanup(func() { h.Release(ctx) })
	return h, fake
}

// assertClean checks that every buffer of the named instance was freed
// exactly once.
func assertClean(t *testing.T, fake *enginetest.Engine, name string) {
	t.Helper()
	stats, ok := fake.Stats(name)
	if !ok {
		t.Fatalf("no instance %q", name)
	}
	if stats.Live != 0 {
		t.Errorf("%d allocations leaked", stats.Live)
	}
	if stats.NativeLive != 0 {
		t.Errorf("%d module-owned arrays not released", stats.NativeLive)
	}
	if stats.BadFrees != 0 || stats.DoubleFrees != 0 {
		t.Errorf("bad frees: %d, double frees: %d", stats.BadFrees, stats.DoubleFrees)
	}
	if stats.BadDeletes != 0 {
		t.Errorf("bad deletes: %d", stats.BadDeletes)
	}
}

func onlyInstance(t *testing.T, fake *enginetest.Engine) string {
	t.Helper()
	names := fake.Names()
	if len(names) != 1 {
		t.Fatalf("got %d instances, want 1", len(names))
	}
	return names[0]
}

func TestCreate(t *testing.T) {
	h, fake := newTestHandle(t)

	if h.FrameLength() != 512 {
		t.Errorf("FrameLength = %d, want 512", h.FrameLength())
	}
	if h.SampleRate() != 16000 {
		t.Errorf("SampleRate = %d, want 16000", h.SampleRate())
	}
	if h.Version() != "3.0.0" {
		t.Errorf("Version = %q", h.Version())
	}
	if h.ContextInfo() == "" {
		t.Error("ContextInfo is empty")
	}

	stats, _ := fake.Stats(h.Name())
	want := enginetest.InitArgs{
		AccessKey:           "test-access-key",
		ModelPath:           "/models/rhino_params.pv",
		ContextPath:         "/models/coffee_maker.rhn",
		Sensitivity:         0.5,
		EndpointDurationSec: 1.0,
		RequireEndpoint:     true,
	}
	if stats.InitArgs != want {
		t.Errorf("InitArgs = %+v, want %+v", stats.InitArgs, want)
	}
	if stats.SDK != DefaultSDK {
		t.Errorf("SDK = %q, want %q", stats.SDK, DefaultSDK)
	}
	// Only the handle's own scratch remains: three cells and seven buffers.
	if stats.Live != 10 {
		t.Errorf("live allocations = %d, want 10", stats.Live)
	}
}

func TestCreate_InvalidConfig(t *testing.T) {
	ctx := context.Background()
	fake := enginetest.New()
	e := newTestEngine(t, fake)

	tests := []struct {
		mutate func(*Config)
		name   string
	}{
		{func(c *Config) { c.AccessKey = "" }, "empty access key"},
		{func(c *Config) { c.ModelPath = "" }, "empty model path"},
		{func(c *Config) { c.ContextPath = "" }, "empty context path"},
		{func(c *Config) { c.Sensitivity = 1.5 }, "sensitivity too high"},
		{func(c *Config) { c.Sensitivity = -0.1 }, "sensitivity negative"},
		{func(c *Config) { c.EndpointDurationSec = 0.2 }, "endpoint too short"},
		{func(c *Config) { c.EndpointDurationSec = 6 }, "endpoint too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			h, err := Create(ctx, e, cfg)
			if h != nil {
				t.Error("expected no handle")
			}
			if !errors.Is(err, errors.ErrInvalidArgument) {
				t.Errorf("got %v, want invalid argument", err)
			}
		})
	}

	if len(fake.Names()) != 0 {
		t.Error("invalid config reached the module")
	}
	if fake.Calls("pv_rhino_init") != 0 {
		t.Error("invalid config reached pv_rhino_init")
	}
}

func TestCreate_InitFailure(t *testing.T) {
	ctx := context.Background()
	fake := enginetest.New()
	e := newTestEngine(t, fake)
	fake.Configure(func(b *enginetest.Behavior) {
		b.InitStatus = errors.StatusActivationRefused
		b.StackDepth = 3
	})

	h, err := Create(ctx, e, testConfig())
	if h != nil {
		t.Fatal("expected no handle")
	}
	if !errors.Is(err, errors.ErrActivationRefused) {
		t.Fatalf("got %v, want activation refused", err)
	}
	e2, _ := errors.As(err)
	if e2.Phase != errors.PhaseInit || len(e2.MessageStack) != 3 {
		t.Errorf("Phase=%v MessageStack=%v", e2.Phase, e2.MessageStack)
	}

	name := onlyInstance(t, fake)
	assertClean(t, fake, name)
	if stats, _ := fake.Stats(name); stats.Deletes != 0 {
		t.Error("no object existed to delete")
	}
}

func TestCreate_OutOfMemory(t *testing.T) {
	tests := []struct {
		name        string
		failAt      int
		wantDeletes int
	}{
		{"stack cell", 1, 0},
		{"access key", 5, 0},
		{"input buffer", 8, 1},
		{"value cell", 14, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			fake := enginetest.New()
			e := newTestEngine(t, fake)
			fake.Configure(func(b *enginetest.Behavior) { b.FailMallocAt = tt.failAt })

			_, err := Create(ctx, e, testConfig())
			if !errors.Is(err, errors.ErrOutOfMemory) {
				t.Fatalf("got %v, want out of memory", err)
			}

			name := onlyInstance(t, fake)
			assertClean(t, fake, name)
			if stats, _ := fake.Stats(name); stats.Deletes != tt.wantDeletes {
				t.Errorf("Deletes = %d, want %d", stats.Deletes, tt.wantDeletes)
			}
		})
	}
}

func TestRelease_Idempotent(t *testing.T) {
	ctx := context.Background()
	h, fake := newTestHandle(t)

	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}

	assertClean(t, fake, h.Name())
	if stats, _ := fake.Stats(h.Name()); stats.Deletes != 1 {
		t.Errorf("Deletes = %d, want 1", stats.Deletes)
	}

	frame := make([]int16, h.FrameLength())
	if _, err := h.Process(ctx, frame); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("Process after release: got %v, want invalid state", err)
	}
	if err := h.Reset(ctx); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("Reset after release: got %v, want invalid state", err)
	}
}

func TestHandle_Metrics(t *testing.T) {
	ctx := context.Background()
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	h, _ := newTestHandle(t, WithMetrics(m))

	if got := testutil.ToFloat64(m.InstancesActive); got != 1 {
		t.Errorf("instances = %v, want 1", got)
	}

	for _, frame := range enginetest.Utterance(h.FrameLength(), 3, true) {
		if _, err := h.Process(ctx, frame); err != nil {
			t.Fatal(err)
		}
	}
	h.Process(ctx, make([]int16, 3))

	if got := testutil.ToFloat64(m.FramesTotal); got != 3 {
		t.Errorf("frames = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.InferencesTotal.WithLabelValues("true")); got != 1 {
		t.Errorf("understood inferences = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("process", "INVALID_ARGUMENT")); got != 1 {
		t.Errorf("process errors = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.NativeCallSeconds); n == 0 {
		t.Error("no native call latency recorded")
	}

	if err := h.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.InstancesActive); got != 0 {
		t.Errorf("instances after release = %v, want 0", got)
	}
}
