// Package rhino drives a speech-to-intent engine instance.
//
// A Handle owns one native engine object inside its own module instance.
// Frames of 16-bit PCM go in through Process; once the engine concludes an
// utterance, Process returns a single finalized Inference and the engine
// goes back to listening:
//
//	h, err := rhino.Create(ctx, eng, cfg)
//	if err != nil {
//	    return err
//	}
//	defer h.Release(ctx)
//
//	for _, frame := range frames {
//	    inf, err := h.Process(ctx, frame)
//	    if err != nil {
//	        return err
//	    }
//	    if inf.IsFinalized {
//	        fmt.Println(inf.IsUnderstood, inf.Intent, inf.Slots)
//	    }
//	}
//
// All native access on a handle is serialized by a FIFO mutex. A multi-step
// conclusion (decision, intent, slot release, reset) holds the mutex for
// its whole duration, so a concurrent Reset never observes it half done.
//
// If the engine returns structurally corrupt data the handle is poisoned:
// every later Process or Reset fails with InvalidState until Release.
package rhino
