package gateway

import (
	"net/http"
	"time"
)

type OutcomeKind int

const (
	// the script's output became a response
	Translated OutcomeKind = iota
	TimedOut
	ExecFailed
	MalformedOutput
	// refused before any process was spawned
	Rejected
)

func (k OutcomeKind) String() string {
	switch k {
	case Translated:
		return "translated"
	case TimedOut:
		return "timed_out"
	case ExecFailed:
		return "exec_failed"
	case MalformedOutput:
		return "malformed_output"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Outcome is the terminal result of one dispatch. Reason is diagnostic text
// for the server log only.
type Outcome struct {
	ID       string
	Kind     OutcomeKind
	Status   int
	Response *Response
	Reason   string

	Pid      int
	ExitCode int
	Duration time.Duration
}

func (me *Outcome) StatusCode() int {
	if me.Kind == Translated && me.Response != nil {
		return me.Response.Status
	}
	return me.Status
}

func rejected(status int, reason string) *Outcome {
	return &Outcome{Kind: Rejected, Status: status, Reason: reason}
}

func failed(kind OutcomeKind, reason string) *Outcome {
	status := http.StatusInternalServerError
	switch kind {
	case TimedOut:
		status = http.StatusGatewayTimeout
	case MalformedOutput:
		status = http.StatusBadGateway
	}
	return &Outcome{Kind: kind, Status: status, Reason: reason}
}
