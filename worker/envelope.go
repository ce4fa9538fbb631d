package worker

import (
	"github.com/wippyai/rhino-wasm/errors"
	"github.com/wippyai/rhino-wasm/rhino"
)

// Command is the tag carried by every envelope.
type Command string

// Controller to worker.
const (
	CommandInit    Command = "init"
	CommandProcess Command = "process"
	CommandReset   Command = "reset"
	CommandRelease Command = "release"
)

// Worker to controller.
const (
	CommandOK        Command = "ok"
	CommandOKProcess Command = "ok-process"
	CommandError     Command = "error"
	CommandFailed    Command = "failed"
)

// Request is an envelope sent to a worker. The set of implementations is
// closed: Init, Process, Reset, Release and Unknown.
type Request interface {
	Command() Command
	request()
}

// Init creates the engine. Nil optional fields take the rhino defaults.
type Init struct {
	Sensitivity *float32
	Options     InitOptions
	AccessKey   string
	ContextPath string
	ModelPath   string
}

// InitOptions carries the optional engine settings of an Init.
type InitOptions struct {
	EndpointDurationSec *float32 `json:"endpointDurationSec,omitempty"`
	RequireEndpoint     *bool    `json:"requireEndpoint,omitempty"`
}

// Process submits one frame.
type Process struct {
	InputFrame []int16
}

// Reset discards the current utterance.
type Reset struct{}

// Release frees the engine and stops the worker.
type Release struct{}

// Unknown is a request whose command tag is not recognized.
type Unknown struct {
	Name string
}

// malformed is a line that could not be decoded at all.
type malformed struct {
	reason string
}

func (*Init) Command() Command      { return CommandInit }
func (*Process) Command() Command   { return CommandProcess }
func (*Reset) Command() Command     { return CommandReset }
func (*Release) Command() Command   { return CommandRelease }
func (u *Unknown) Command() Command { return Command(u.Name) }
func (*malformed) Command() Command { return "" }

func (*Init) request()      {}
func (*Process) request()   {}
func (*Reset) request()     {}
func (*Release) request()   {}
func (*Unknown) request()   {}
func (*malformed) request() {}

// InitFromConfig builds the Init request for cfg.
func InitFromConfig(cfg rhino.Config) *Init {
	sensitivity := cfg.Sensitivity
	endpoint := cfg.EndpointDurationSec
	require := cfg.RequireEndpoint
	return &Init{
		AccessKey:   cfg.AccessKey,
		ContextPath: cfg.ContextPath,
		ModelPath:   cfg.ModelPath,
		Sensitivity: &sensitivity,
		Options: InitOptions{
			EndpointDurationSec: &endpoint,
			RequireEndpoint:     &require,
		},
	}
}

// Config returns the engine configuration requested by m.
func (m *Init) Config() rhino.Config {
	cfg := rhino.DefaultConfig()
	cfg.AccessKey = m.AccessKey
	cfg.ContextPath = m.ContextPath
	cfg.ModelPath = m.ModelPath
	if m.Sensitivity != nil {
		cfg.Sensitivity = *m.Sensitivity
	}
	if m.Options.EndpointDurationSec != nil {
		cfg.EndpointDurationSec = *m.Options.EndpointDurationSec
	}
	if m.Options.RequireEndpoint != nil {
		cfg.RequireEndpoint = *m.Options.RequireEndpoint
	}
	return cfg
}

// Response is an envelope sent by a worker. The set of implementations is
// closed: OK, OKProcess, Error and Failed.
type Response interface {
	Command() Command
	response()
}

// Info describes an initialized engine.
type Info struct {
	Version     string
	ContextInfo string
	FrameLength int
	SampleRate  int
}

// OK acknowledges init, reset or release. Info is set only for init.
type OK struct {
	Origin Command
	Info
}

// OKProcess carries a finalized inference. It is sent unsolicited; frames
// that do not finalize produce no envelope.
type OKProcess struct {
	Inference rhino.Inference
}

// Fault describes a failed command.
type Fault struct {
	Origin       Command
	Message      string
	MessageStack []string
	Status       errors.Status
}

// Error reports a command that ran and failed.
type Error struct {
	Fault
}

// Failed reports a command the worker could not run at all.
type Failed struct {
	Fault
}

func (*OK) Command() Command        { return CommandOK }
func (*OKProcess) Command() Command { return CommandOKProcess }
func (*Error) Command() Command     { return CommandError }
func (*Failed) Command() Command    { return CommandFailed }

func (*OK) response()        {}
func (*OKProcess) response() {}
func (*Error) response()     {}
func (*Failed) response()    {}

// faultFrom converts err into the fault reported for origin.
func faultFrom(origin Command, err error) Fault {
	f := Fault{Origin: origin, Status: errors.StatusRuntimeError, Message: err.Error()}
	if e, ok := errors.As(err); ok {
		f.Status = e.Status
		f.MessageStack = e.MessageStack
		if e.Detail != "" {
			f.Message = e.Detail
		}
	}
	return f
}

// Err rebuilds the structured error described by f.
func (f Fault) Err() *errors.Error {
	return errors.New(phaseOf(f.Origin), f.Status.Kind()).
		Status(f.Status).
		Detail("%s", f.Message).
		Stack(f.MessageStack).
		Build()
}

func phaseOf(c Command) errors.Phase {
	switch c {
	case CommandInit:
		return errors.PhaseInit
	case CommandProcess:
		return errors.PhaseProcess
	case CommandReset:
		return errors.PhaseReset
	case CommandRelease:
		return errors.PhaseRelease
	default:
		return errors.PhaseWorker
	}
}
