package worker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/wippyai/rhino-wasm/errors"
	"github.com/wippyai/rhino-wasm/rhino"
)

// envelope is the JSON shape shared by every request and response.
type envelope struct {
	Inference    *rhino.Inference `json:"inference,omitempty"`
	Sensitivity  *float32         `json:"sensitivity,omitempty"`
	Options      *InitOptions     `json:"options,omitempty"`
	Command      Command          `json:"command"`
	Origin       Command          `json:"origin,omitempty"`
	AccessKey    string           `json:"accessKey,omitempty"`
	ContextPath  string           `json:"contextPath,omitempty"`
	ModelPath    string           `json:"modelPath,omitempty"`
	Version      string           `json:"version,omitempty"`
	ContextInfo  string           `json:"contextInfo,omitempty"`
	Status       string           `json:"status,omitempty"`
	Message      string           `json:"message,omitempty"`
	InputFrame   []int16          `json:"inputFrame,omitempty"`
	MessageStack []string         `json:"messageStack,omitempty"`
	FrameLength  int              `json:"frameLength,omitempty"`
	SampleRate   int              `json:"sampleRate,omitempty"`
}

// EncodeRequest returns the JSON form of req.
func EncodeRequest(req Request) ([]byte, error) {
	env := envelope{Command: req.Command()}
	switch r := req.(type) {
	case *Init:
		env.AccessKey = r.AccessKey
		env.ContextPath = r.ContextPath
		env.ModelPath = r.ModelPath
		env.Sensitivity = r.Sensitivity
		env.Options = &r.Options
	case *Process:
		env.InputFrame = r.InputFrame
	case *Reset, *Release, *Unknown:
	default:
		return nil, fmt.Errorf("cannot encode %T", req)
	}
	return json.Marshal(&env)
}

// DecodeRequest parses one JSON request. A well-formed envelope with an
// unrecognized command decodes to *Unknown.
func DecodeRequest(data []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Command {
	case CommandInit:
		r := &Init{
			AccessKey:   env.AccessKey,
			ContextPath: env.ContextPath,
			ModelPath:   env.ModelPath,
			Sensitivity: env.Sensitivity,
		}
		if env.Options != nil {
			r.Options = *env.Options
		}
		return r, nil
	case CommandProcess:
		return &Process{InputFrame: env.InputFrame}, nil
	case CommandReset:
		return &Reset{}, nil
	case CommandRelease:
		return &Release{}, nil
	default:
		return &Unknown{Name: string(env.Command)}, nil
	}
}

// EncodeResponse returns the JSON form of resp.
func EncodeResponse(resp Response) ([]byte, error) {
	env := envelope{Command: resp.Command()}
	switch r := resp.(type) {
	case *OK:
		env.Origin = r.Origin
		env.Version = r.Version
		env.ContextInfo = r.ContextInfo
		env.FrameLength = r.FrameLength
		env.SampleRate = r.SampleRate
	case *OKProcess:
		inf := r.Inference
		env.Inference = &inf
	case *Error:
		setFault(&env, r.Fault)
	case *Failed:
		setFault(&env, r.Fault)
	default:
		return nil, fmt.Errorf("cannot encode %T", resp)
	}
	return json.Marshal(&env)
}

// DecodeResponse parses one JSON response.
func DecodeResponse(data []byte) (Response, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Command {
	case CommandOK:
		return &OK{
			Origin: env.Origin,
			Info: Info{
				Version:     env.Version,
				ContextInfo: env.ContextInfo,
				FrameLength: env.FrameLength,
				SampleRate:  env.SampleRate,
			},
		}, nil
	case CommandOKProcess:
		if env.Inference == nil {
			return nil, fmt.Errorf("%s envelope without inference", env.Command)
		}
		return &OKProcess{Inference: *env.Inference}, nil
	case CommandError, CommandFailed:
		f, err := fault(&env)
		if err != nil {
			return nil, err
		}
		if env.Command == CommandError {
			return &Error{Fault: f}, nil
		}
		return &Failed{Fault: f}, nil
	default:
		return nil, fmt.Errorf("unrecognized response command %q", env.Command)
	}
}

func setFault(env *envelope, f Fault) {
	env.Origin = f.Origin
	env.Status = f.Status.String()
	env.Message = f.Message
	env.MessageStack = f.MessageStack
}

func fault(env *envelope) (Fault, error) {
	status, err := parseStatus(env.Status)
	if err != nil {
		return Fault{}, err
	}
	return Fault{
		Origin:       env.Origin,
		Status:       status,
		Message:      env.Message,
		MessageStack: env.MessageStack,
	}, nil
}

// parseStatus accepts ABI names and the STATUS_n form used for codes
// outside the documented space.
func parseStatus(name string) (errors.Status, error) {
	if s, err := errors.ParseStatus(name); err == nil {
		return s, nil
	}
	if n, ok := strings.CutPrefix(name, "STATUS_"); ok {
		v, err := strconv.ParseInt(n, 10, 32)
		if err == nil {
			return errors.Status(v), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}
