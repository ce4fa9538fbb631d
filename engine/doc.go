// Package engine loads a speech-to-intent engine module and binds its
// native ABI.
//
// This package wraps wazero: it compiles the module once, instantiates it
// per handle with WASI preview1 and the configured directory mounts, and
// exposes the module's exports as typed calls.
//
// # Architecture
//
// The engine package provides four main types:
//
//	Engine     - Owns the wazero runtime and the compiled module
//	Module     - One instance with its own linear memory and Arena
//	Native     - Typed calls into the pv_rhino_* exports
//	Translator - Turns a failed status into an error with the message stack
//
// # Instantiation Flow
//
//  1. New() compiles the module and checks the required exports
//  2. Instantiate() creates a uniquely named instance and runs _initialize
//  3. Bind() resolves the exports into a Native
//  4. The caller drives the engine object through Native and Arena
//
// # Native Calls
//
// Entry points return a status code. Anything other than SUCCESS leaves
// diagnostic strings on the module's message stack, which the Translator
// fetches, copies and frees in one step:
//
//	status, err := native.Process(ctx, object, pcm, finalizedOut)
//	if err != nil {
//	    return err // trap
//	}
//	if status != errors.StatusSuccess {
//	    return translator.Translate(ctx, errors.PhaseProcess, status, "Processing failed")
//	}
//
// # Thread Safety
//
// Engine is safe for concurrent use. Module and Native are NOT thread-safe:
// the engine module is not reentrant, so callers serialize every call on a
// module instance.
package engine
