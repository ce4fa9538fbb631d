package worker

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/wippyai/rhino-wasm/errors"
	"github.com/wippyai/rhino-wasm/internal/enginetest"
)

func requestLines(t *testing.T, reqs ...Request) string {
	t.Helper()
	var b strings.Builder
	for _, req := range reqs {
		data, err := EncodeRequest(req)
		if err != nil {
			t.Fatalf("EncodeRequest(%T) failed: %v", req, err)
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	return b.String()
}

func serve(t *testing.T, fake *enginetest.Engine, input string) []Response {
	t.Helper()
	var out bytes.Buffer
	if err := Serve(context.Background(), newTestEngine(t, fake), strings.NewReader(input), &out); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	var resps []Response
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		resp, err := DecodeResponse(sc.Bytes())
		if err != nil {
			t.Fatalf("bad response line %q: %v", sc.Text(), err)
		}
		resps = append(resps, resp)
	}
	return resps
}

func TestServe_Session(t *testing.T) {
	fake := enginetest.New()
	frames := enginetest.Utterance(512, 3, true)

	input := requestLines(t, InitFromConfig(testConfig()))
	for _, f := range frames {
		input += requestLines(t, &Process{InputFrame: f})
	}
	input += `{"command":"dance"}` + "\n"
	input += `{"command":"process","inputFrame":[` + "\n"
	input += "\n"
	input += requestLines(t, &Reset{}, &Release{})
	input += requestLines(t, &Reset{})

	resps := serve(t, fake, input)
	if len(resps) != 6 {
		t.Fatalf("got %d responses, want 6: %#v", len(resps), resps)
	}

	ok, isOK := resps[0].(*OK)
	if !isOK || ok.Origin != CommandInit || ok.FrameLength != 512 || ok.SampleRate != 16000 || ok.Version != "3.0.0" {
		t.Errorf("init reply = %#v", resps[0])
	}

	inf, isInf := resps[1].(*OKProcess)
	if !isInf || inf.Inference.Intent != "orderBeverage" || len(inf.Inference.Slots) != 2 {
		t.Errorf("process reply = %#v", resps[1])
	}

	unknown, isFailed := resps[2].(*Failed)
	if !isFailed || unknown.Message != "Unrecognized command: dance" || unknown.Status != errors.StatusRuntimeError {
		t.Errorf("unknown command reply = %#v", resps[2])
	}

	bad, isFailed := resps[3].(*Failed)
	if !isFailed || bad.Status != errors.StatusRuntimeError || !strings.Contains(bad.Message, "malformed request") {
		t.Errorf("malformed reply = %#v", resps[3])
	}

	if r, isOK := resps[4].(*OK); !isOK || r.Origin != CommandReset {
		t.Errorf("reset reply = %#v", resps[4])
	}
	if r, isOK := resps[5].(*OK); !isOK || r.Origin != CommandRelease {
		t.Errorf("release reply = %#v", resps[5])
	}

	assertReleased(t, fake)
}

func TestServe_ProcessBeforeInit(t *testing.T) {
	fake := enginetest.New()
	input := requestLines(t, &Process{InputFrame: make([]int16, 512)}, &Release{})

	resps := serve(t, fake, input)
	if len(resps) != 2 {
		t.Fatalf("got %d responses, want 2", len(resps))
	}
	e, isErr := resps[0].(*Error)
	if !isErr || e.Status != errors.StatusInvalidState || e.Origin != CommandProcess {
		t.Errorf("got %#v, want invalid state error", resps[0])
	}
	if _, isOK := resps[1].(*OK); !isOK {
		t.Errorf("release reply = %#v", resps[1])
	}
}

func TestServe_InitError(t *testing.T) {
	fake := enginetest.New()
	fake.Configure(func(b *enginetest.Behavior) { b.InitStatus = errors.StatusActivationThrottled })

	resps := serve(t, fake, requestLines(t, InitFromConfig(testConfig())))
	if len(resps) != 1 {
		t.Fatalf("got %d responses, want 1", len(resps))
	}
	e, isErr := resps[0].(*Error)
	if !isErr || e.Status != errors.StatusActivationThrottled || e.Origin != CommandInit {
		t.Fatalf("got %#v", resps[0])
	}
	if len(e.MessageStack) != 2 {
		t.Errorf("MessageStack = %v", e.MessageStack)
	}
}

func TestServe_EndOfInputReleases(t *testing.T) {
	fake := enginetest.New()
	resps := serve(t, fake, requestLines(t, InitFromConfig(testConfig())))
	if len(resps) != 1 {
		t.Fatalf("got %d responses, want 1", len(resps))
	}

	assertReleased(t, fake)
	stats, _ := fake.Stats(fake.Names()[0])
	if stats.Deletes != 1 {
		t.Errorf("Deletes = %d, want 1", stats.Deletes)
	}
}
