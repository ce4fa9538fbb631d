// Package worker runs an engine handle on a dedicated goroutine and talks
// to it only through envelopes.
//
// A Worker starts uninitialized. The first successful init registers the
// handle and swaps the worker's dispatcher, so later envelopes are routed
// to process, reset and release handling and never re-enter init. A second
// init is rejected with InvalidState; process or reset before init fail
// the same way. Release frees the engine, always replies ok and stops the
// worker.
//
// Controller is the in-process client:
//
//	c, err := worker.Create(ctx, eng, cfg)
//	if err != nil {
//	    return err
//	}
//	defer c.Release(ctx)
//
//	go func() {
//	    for inf := range c.Inferences() {
//	        fmt.Println(inf.Intent, inf.Slots)
//	    }
//	}()
//	for _, frame := range frames {
//	    if err := c.Process(ctx, frame); err != nil {
//	        return err
//	    }
//	}
//
// Serve exposes the same protocol as newline-delimited JSON, for hosting
// the engine in a separate process:
//
//	{"command":"init","accessKey":"...","modelPath":"/models/rhino_params.pv","contextPath":"/models/coffee.rhn","sensitivity":0.5}
//	{"command":"ok","origin":"init","version":"3.0.0","contextInfo":"...","frameLength":512,"sampleRate":16000}
//	{"command":"process","inputFrame":[0,12,-7,...]}
//	{"command":"ok-process","inference":{"slots":{"size":"medium"},"intent":"orderBeverage","isFinalized":true,"isUnderstood":true}}
//	{"command":"release"}
//	{"command":"ok","origin":"release"}
package worker
