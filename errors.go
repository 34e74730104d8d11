package pandabox

import (
	"fmt"
	"time"
)

// SetupError indicates a failure while establishing one of the two appliance
// connections (command socket or data stream handshake). It is fatal: callers
// should not retry without reconfiguring.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("pandabox setup failed during %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// ConfigError indicates an invalid caller request: wrong axis, unknown channel
// or mode, or a binding that names a channel absent from the capture header.
// The acquisition state is unchanged by a rejected call.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "pandabox configuration error: " + e.Reason
}

// TransientApplianceError indicates an appliance response that may succeed on
// retry, such as a rejected arm command after the bounded re-arm attempt.
type TransientApplianceError struct {
	Op       string
	Response string
}

func (e *TransientApplianceError) Error() string {
	return fmt.Sprintf("pandabox rejected %s (response %q)", e.Op, e.Response)
}

// TimeoutError indicates the appliance never reached the expected status
// within the bounded wait. Some arm failures manifest only as "never left
// Idle", so this is reported distinctly from an explicit rejection.
type TimeoutError struct {
	Op   string
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pandabox did not reach the expected state within %v after %s", e.Wait, e.Op)
}

// FramingError indicates malformed stream content: a bad header preamble, a
// garbled channel line, or a data row that cannot be decoded. Unlike a socket
// hiccup, retrying the read cannot fix it.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "pandabox stream framing error: " + e.Reason
}

// UnrecognizedStateError indicates a status response matching none of the
// known Busy/Idle/OK tokens. It is surfaced as a Fault and not auto-recovered.
type UnrecognizedStateError struct {
	Status string
}

func (e *UnrecognizedStateError) Error() string {
	return fmt.Sprintf("pandabox reported unrecognized status %q", e.Status)
}
