package command

import "fmt"

// Command names accepted on the channel, per spec.md §4.11.
const (
	CmdHold       = "hold"
	CmdRelease    = "release"
	CmdTrigger    = "trigger"
	CmdSet        = "set"
	CmdRemove     = "remove"
	CmdKill       = "kill"
	CmdPoll       = "poll"
	CmdReload     = "reload"
	CmdStop       = "stop"
	CmdBroadcast  = "broadcast"
	CmdExtTrigger = "ext-trigger"

	// status is not a user-facing CLI command but is how the job wrapper
	// pushes status-file updates back over the same authenticated channel
	// (spec.md §6: "Task jobs push status messages on the same channel").
	CmdStatus = "status"
)

// Stop modes, per spec.md §4.11.
const (
	StopClean        = "clean"
	StopNow          = "now"
	StopNowNow       = "now-now"
	StopAtClockTime  = "at-clock-time"
	StopAtCyclePoint = "at-cycle-point"
)

// ErrorKind classifies a failed command for the CLI's exit-code mapping
// (spec.md §6: 0 success, 1 user error, 2 server error).
type ErrorKind string

const (
	ErrUser   ErrorKind = "user"
	ErrServer ErrorKind = "server"
)

// Request is the decoded form of a `{command, args}` JSON object received
// on the command channel.
type Request struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// Response is encoded back as `{ok, data}` on success and as `{ok: false,
// kind, message}` on failure; there is no separate `error` field.
type Response struct {
	OK      bool      `json:"ok"`
	Data    any       `json:"data,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Ok builds a successful response.
func Ok(data any) Response { return Response{OK: true, Data: data} }

// Err builds a failed response of the given kind.
func Err(kind ErrorKind, format string, args ...any) Response {
	return Response{OK: false, Kind: kind, Message: fmt.Sprintf(format, args...)}
}
