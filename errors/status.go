package errors

import (
	"fmt"
	"strconv"
)

// Status is the integer status code returned by native entry points.
// The numeric values are part of the engine ABI and must not change.
type Status int32

const (
	StatusSuccess Status = iota
	StatusOutOfMemory
	StatusIOError
	StatusInvalidArgument
	StatusStopIteration
	StatusKeyError
	StatusInvalidState
	StatusRuntimeError
	StatusActivationError
	StatusActivationLimitReached
	StatusActivationThrottled
	StatusActivationRefused
)

var statusNames = [...]string{
	StatusSuccess:                "SUCCESS",
	StatusOutOfMemory:            "OUT_OF_MEMORY",
	StatusIOError:                "IO_ERROR",
	StatusInvalidArgument:        "INVALID_ARGUMENT",
	StatusStopIteration:          "STOP_ITERATION",
	StatusKeyError:               "KEY_ERROR",
	StatusInvalidState:           "INVALID_STATE",
	StatusRuntimeError:           "RUNTIME_ERROR",
	StatusActivationError:        "ACTIVATION_ERROR",
	StatusActivationLimitReached: "ACTIVATION_LIMIT_REACHED",
	StatusActivationThrottled:    "ACTIVATION_THROTTLED",
	StatusActivationRefused:      "ACTIVATION_REFUSED",
}

var statusKinds = [...]Kind{
	StatusSuccess:                "",
	StatusOutOfMemory:            KindOutOfMemory,
	StatusIOError:                KindIOError,
	StatusInvalidArgument:        KindInvalidArgument,
	StatusStopIteration:          KindStopIteration,
	StatusKeyError:               KindKeyError,
	StatusInvalidState:           KindInvalidState,
	StatusRuntimeError:           KindRuntimeError,
	StatusActivationError:        KindActivationError,
	StatusActivationLimitReached: KindActivationLimitReached,
	StatusActivationThrottled:    KindActivationThrottled,
	StatusActivationRefused:      KindActivationRefused,
}

// Known reports whether s is part of the documented status space.
func (s Status) Known() bool {
	return s >= 0 && int(s) < len(statusNames)
}

// String returns the ABI name, e.g. "INVALID_STATE".
func (s Status) String() string {
	if s.Known() {
		return statusNames[s]
	}
	return "STATUS_" + strconv.Itoa(int(s))
}

// Kind returns the error kind for s. Unknown codes map to KindUnknown.
func (s Status) Kind() Kind {
	if s.Known() {
		return statusKinds[s]
	}
	return KindUnknown
}

// ParseStatus resolves an ABI name back to its Status.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// StatusOf returns the status code carried by kind. KindUnknown and kinds
// without a native counterpart map to StatusRuntimeError.
func StatusOf(kind Kind) Status {
	for i, k := range statusKinds {
		if k != "" && k == kind {
			return Status(i)
		}
	}
	return StatusRuntimeError
}
