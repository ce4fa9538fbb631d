package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/rhino-wasm/arena"
	"github.com/wippyai/rhino-wasm/errors"
)

// Config holds configuration for engine creation
type Config struct {
	// Stdout and Stderr receive the module's WASI output. Default: discard.
	Stdout io.Writer
	Stderr io.Writer

	// CompilationCacheDir persists compiled code across processes.
	// Empty means an in-memory cache shared by this engine only.
	CompilationCacheDir string

	// Mounts exposes host directories to the module, typically the
	// directory holding the model and context files.
	Mounts []Mount

	// HostModules are instantiated into the runtime before the engine
	// module is compiled, so the module may import from them.
	HostModules []HostModule

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32
}

// Mount maps a host directory into the module's filesystem.
type Mount struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// HostModule instantiates host functions the engine module imports.
type HostModule interface {
	Instantiate(ctx context.Context, r wazero.Runtime) error
}

// HostModuleFunc adapts a function to HostModule.
type HostModuleFunc func(ctx context.Context, r wazero.Runtime) error

// Instantiate calls f.
func (f HostModuleFunc) Instantiate(ctx context.Context, r wazero.Runtime) error {
	return f(ctx, r)
}

// Engine compiles an engine module once and instantiates it per handle.
type Engine struct {
	runtime      wazero.Runtime
	cache        wazero.CompilationCache
	compiled     wazero.CompiledModule
	cfg          Config
	seq          atomic.Uint64
	wasiInitMu   sync.Mutex
	wasiInitDone atomic.Bool
}

// New creates a runtime and compiles wasm. cfg may be nil.
func New(ctx context.Context, wasm []byte, cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	var cache wazero.CompilationCache
	if cfg.CompilationCacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(cfg.CompilationCacheDir)
		if err != nil {
			return nil, errors.Load("open compilation cache", err)
		}
		cache = c
	} else {
		cache = wazero.NewCompilationCache()
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithCompilationCache(cache)
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	e := &Engine{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		cache:   cache,
		cfg:     *cfg,
	}

	for _, hm := range cfg.HostModules {
		if err := hm.Instantiate(ctx, e.runtime); err != nil {
			e.Close(ctx)
			return nil, errors.Load("instantiate host module", err)
		}
	}

	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		e.Close(ctx)
		return nil, errors.Load("compile failed", err)
	}
	if err := checkExports(compiled); err != nil {
		e.Close(ctx)
		return nil, err
	}
	e.compiled = compiled

	Logger().Debug("engine module compiled",
		zap.Int("exports", len(compiled.ExportedFunctions())),
		zap.Bool("disk_cache", cfg.CompilationCacheDir != ""))
	return e, nil
}

func checkExports(compiled wazero.CompiledModule) error {
	exported := compiled.ExportedFunctions()
	for _, name := range RequiredExports {
		if _, ok := exported[name]; !ok {
			return errors.MissingExport(name)
		}
	}
	if _, ok := compiled.ExportedMemories()[ExportMemory]; !ok {
		return errors.MissingExport(ExportMemory)
	}
	return nil
}

// Runtime returns the underlying wazero runtime.
func (e *Engine) Runtime() wazero.Runtime {
	return e.runtime
}

// Module is one instance of the engine module with its own linear memory.
type Module struct {
	mod    api.Module
	Native *Native
	Arena  *arena.Arena
	Name   string
	closed atomic.Bool
}

// Instantiate creates a fresh, uniquely named module instance, runs its
// reactor initializer and binds the engine ABI.
func (e *Engine) Instantiate(ctx context.Context) (*Module, error) {
	if err := e.InitWASI(ctx); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("rhino-%d", e.seq.Add(1))
	modCfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions().
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)

	if e.cfg.Stdout != nil {
		modCfg = modCfg.WithStdout(e.cfg.Stdout)
	}
	if e.cfg.Stderr != nil {
		modCfg = modCfg.WithStderr(e.cfg.Stderr)
	}
	if len(e.cfg.Mounts) > 0 {
		fsCfg := wazero.NewFSConfig()
		for _, m := range e.cfg.Mounts {
			if m.ReadOnly {
				fsCfg = fsCfg.WithReadOnlyDirMount(m.HostPath, m.GuestPath)
			} else {
				fsCfg = fsCfg.WithDirMount(m.HostPath, m.GuestPath)
			}
		}
		modCfg = modCfg.WithFSConfig(fsCfg)
	}

	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, modCfg)
	if err != nil {
		return nil, errors.Load("instantiate module", err)
	}

	if initFn := mod.ExportedFunction(ExportInitialize); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			mod.Close(ctx)
			return nil, errors.Load("_initialize failed", err)
		}
	}

	native, err := Bind(mod)
	if err != nil {
		mod.Close(ctx)
		return nil, err
	}

	mem := arena.WrapMemory(mod.ExportedMemory(ExportMemory))
	if mem == nil {
		mod.Close(ctx)
		return nil, errors.MissingExport(ExportMemory)
	}

	Logger().Debug("engine module instantiated", zap.String("name", name))
	return &Module{
		mod:    mod,
		Native: native,
		Arena:  arena.New(mem, native.Allocator()),
		Name:   name,
	}, nil
}

// Close releases the module instance and its linear memory. Calling Close
// more than once is a no-op.
func (m *Module) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n := m.Arena.Table().Total(); n > 0 {
		Logger().Warn("module closed with live allocations",
			zap.String("name", m.Name), zap.Int("blocks", n))
	}
	if err := m.mod.Close(ctx); err != nil {
		return errors.Runtime(errors.PhaseRelease, "close module", err)
	}
	return nil
}

// Close closes the runtime and every module instantiated from it, then the
// compilation cache.
func (e *Engine) Close(ctx context.Context) error {
	err := e.runtime.Close(ctx)
	if cerr := e.cache.Close(ctx); err == nil {
		err = cerr
	}
	return err
}
