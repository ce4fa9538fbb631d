package main

import (
	"context"
	"sync"

	"github.com/wippyai/rhino-wasm/errors"
	"github.com/wippyai/rhino-wasm/rhino"
	"github.com/wippyai/rhino-wasm/worker"
)

// inferenceEvent is one finalized utterance, numbered from 1.
type inferenceEvent struct {
	rhino.Inference
	Utterance int `json:"utterance"`
}

// faultEvent is one failed frame.
type faultEvent struct {
	Error        string   `json:"error"`
	Status       string   `json:"status,omitempty"`
	MessageStack []string `json:"messageStack,omitempty"`
}

func newFaultEvent(err error) faultEvent {
	f := faultEvent{Error: err.Error()}
	if e, ok := errors.As(err); ok {
		f.Status = e.Status.String()
		f.MessageStack = e.MessageStack
	}
	return f
}

// events receives the progress of a stream. Callbacks are never called
// concurrently with each other; submitted runs on the caller's goroutine.
type events struct {
	submitted func(n int)
	inference func(inferenceEvent)
	fault     func(faultEvent)
}

// stream submits frames to c in order and then releases it. Results are
// delivered until the worker stops, so every event has arrived when
// stream returns.
func stream(ctx context.Context, c *worker.Controller, frames [][]int16, ev events) error {
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		collect(c, ev, &mu)
	}()

	var err error
	for i, frame := range frames {
		if err = c.Process(ctx, frame); err != nil {
			break
		}
		if ev.submitted != nil {
			mu.Lock()
			ev.submitted(i + 1)
			mu.Unlock()
		}
	}
	if rerr := c.Release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
		err = rerr
	}
	wg.Wait()
	return err
}

func collect(c *worker.Controller, ev events, mu *sync.Mutex) {
	inferences, faults := c.Inferences(), c.Errors()
	var utterances int
	for inferences != nil || faults != nil {
		select {
		case inf, ok := <-inferences:
			if !ok {
				inferences = nil
				continue
			}
			utterances++
			if ev.inference != nil {
				mu.Lock()
				ev.inference(inferenceEvent{Inference: inf, Utterance: utterances})
				mu.Unlock()
			}
		case err, ok := <-faults:
			if !ok {
				faults = nil
				continue
			}
			if ev.fault != nil {
				mu.Lock()
				ev.fault(newFaultEvent(err))
				mu.Unlock()
			}
		}
	}
}
