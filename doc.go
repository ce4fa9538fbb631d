// Package rhinowasm runs a precompiled speech-to-intent engine compiled to
// WebAssembly from Go.
//
// The engine itself is an opaque reactor module exporting a small C ABI
// (pv_rhino_*). This library owns everything around it: linear memory
// bookkeeping, the per-frame processing pipeline, translation of native
// status codes and message stacks into Go errors, and a worker protocol that
// confines each engine to a single goroutine.
//
// # Architecture Overview
//
//	rhinowasm/          Root package with core Memory and Allocator interfaces
//	├── arena/          Allocation, C strings, pointer arrays, allocation table
//	├── engine/         wazero loader, WASI mounts, ABI binding, error translator
//	├── rhino/          Engine handle and the per-frame process pipeline
//	├── worker/         Message envelopes, worker dispatcher, controller
//	├── errors/         Status codes and structured error types
//	├── metrics/        Prometheus instrumentation
//	├── pcm/            WAV decoding and frame assembly
//	├── config/         CLI settings (viper) and logger construction
//	└── cmd/rhino/      Command line front end
//
// # Quick Start
//
//	eng, err := engine.New(ctx, wasmBytes, &engine.Config{
//	    Mounts: []engine.Mount{{HostPath: "./models", GuestPath: "/models", ReadOnly: true}},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(ctx)
//
//	ctrl, err := worker.Create(ctx, eng, rhino.Config{
//	    AccessKey:   key,
//	    ModelPath:   "/models/rhino_params.pv",
//	    ContextPath: "/models/coffee.rhn",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctrl.Release(ctx)
//
//	go func() {
//	    for inf := range ctrl.Inferences() {
//	        fmt.Println(inf.Intent, inf.Slots)
//	    }
//	}()
//
//	for _, frame := range frames {
//	    ctrl.Process(ctx, frame)
//	}
//
// # Thread Safety
//
// Engine is safe for concurrent use. A rhino.Handle serialises every native
// call behind a FIFO mutex; concurrent Process calls queue in submission
// order. A worker.Controller may be shared between goroutines.
//
// # Memory Model
//
// Every buffer the library allocates in linear memory is recorded in an
// allocation table keyed by its owning handle and freed exactly once when the
// handle is released. Buffers owned by the engine (slot arrays, message
// stacks) are returned through the engine's own free entry points.
package rhinowasm
