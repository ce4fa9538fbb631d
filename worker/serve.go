package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/wippyai/rhino-wasm/engine"
)

// maxLineBytes bounds a single request line.
const maxLineBytes = 4 << 20

// Serve runs a worker behind newline-delimited JSON envelopes: requests
// are read from r and replies written to w, one per line. It returns after
// a release, at the end of r, or when ctx is done.
//
// Lines that are not valid JSON are answered with a failed envelope.
func Serve(ctx context.Context, eng *engine.Engine, r io.Reader, w io.Writer, opts ...Option) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan Request)
	out := make(chan Response)
	wk := New(eng, opts...)

	runErr := make(chan error, 1)
	go func() { runErr <- wk.Run(ctx, in, out) }()

	readErr := make(chan error, 1)
	go func() {
		readErr <- readRequests(ctx, r, in)
		close(in)
	}()

	bw := bufio.NewWriter(w)
	var writeErr error
	for resp := range out {
		if writeErr != nil {
			continue
		}
		if writeErr = writeResponse(bw, resp); writeErr != nil {
			Logger().Warn("failed to write response", zap.Error(writeErr))
			cancel()
		}
	}

	err := <-runErr
	cancel()
	// After a release the reader may still be blocked on r.
	select {
	case rerr := <-readErr:
		if err == nil {
			err = rerr
		}
	default:
	}
	if writeErr != nil {
		return writeErr
	}
	return err
}

// readRequests decodes lines from r into in until the end of the stream.
func readRequests(ctx context.Context, r io.Reader, in chan<- Request) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		req, err := DecodeRequest(line)
		if err != nil {
			req = &malformed{reason: fmt.Sprintf("malformed request: %v", err)}
		}
		select {
		case in <- req:
		case <-ctx.Done():
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read requests: %w", err)
	}
	return nil
}

func writeResponse(bw *bufio.Writer, resp Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	if _, err := bw.Write(data); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	return bw.Flush()
}
