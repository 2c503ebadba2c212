package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame is the envelope used on websocket links: one broker message per
// frame. Error frames carry no topic.
type Frame struct {
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewFrame wraps an already-encoded payload for a topic.
func NewFrame(topic string, payload []byte) *Frame {
	return &Frame{
		Topic:     topic,
		Payload:   json.RawMessage(payload),
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorFrame creates an error frame ready to send to a peer.
func NewErrorFrame(code, message string) *Frame {
	return &Frame{
		Error:     &ErrorPayload{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	}
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Control actions.
const (
	ActionStartSession = "start-session"
	ActionStopSession  = "stop-session"
)

// Filesystem operations carried on control topics.
const (
	OpBrowse = "browse"
	OpRead   = "read"
)

// Status types.
const (
	StatusStarted = "started"
	StatusExit    = "exit"
	StatusStopped = "stopped"
	StatusError   = "error"
)

// Filesystem result types.
const (
	FSBrowse  = "browse"
	FSFile    = "file"
	FSError   = "error"
	FSChanged = "changed"
)

// Entry types in a browse listing.
const (
	EntryDirectory = "directory"
	EntryFile      = "file"
)

// DefaultFilesystemSession receives filesystem replies for client-wide
// requests that name no session.
const DefaultFilesystemSession = "default"

// Client -> Server payloads.

// Control is either a lifecycle action or a filesystem request. Exactly
// one of Action or Op is set after decoding.
type Control struct {
	Action     string `json:"action,omitempty"`
	Op         string `json:"type,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	Path       string `json:"path,omitempty"`
}

// IsFilesystem reports whether the control is a browse/read request.
func (c Control) IsFilesystem() bool { return c.Op != "" }

// Input is a line for the child's stdin. Raw input is written verbatim,
// otherwise a newline is appended.
type Input struct {
	Data string `json:"data"`
	Raw  bool   `json:"raw,omitempty"`
}

// Bytes returns what should be written to the child.
func (in Input) Bytes() []byte {
	if in.Raw {
		return []byte(in.Data)
	}
	return []byte(in.Data + "\n")
}

// Server -> Client payloads.

// OutputBatch is a group of cleaned lines flushed together.
type OutputBatch struct {
	Content     string `json:"content"`
	LineCount   int    `json:"lineCount"`
	IsMultiline bool   `json:"isMultiline"`
}

// FileEntry is one row of a browse listing.
type FileEntry struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Type     string `json:"type"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
}

// FilesystemResult is the data of a filesystem output.
type FilesystemResult struct {
	Type       string      `json:"type"`
	Path       string      `json:"path,omitempty"`
	WorkingDir string      `json:"workingDir,omitempty"`
	Files      []FileEntry `json:"files,omitempty"`
	Content    string      `json:"content,omitempty"`
	Size       int64       `json:"size,omitempty"`
	Modified   string      `json:"modified,omitempty"`
	Message    string      `json:"message,omitempty"`
	Code       string      `json:"code,omitempty"`
}

// Output is the tagged union sent on output topics. Exactly one field is
// set.
type Output struct {
	Batch      *OutputBatch
	Filesystem *FilesystemResult
}

type filesystemEnvelope struct {
	Type string            `json:"type"`
	Data *FilesystemResult `json:"data"`
}

const outputTypeFilesystem = "filesystem"

func (o Output) MarshalJSON() ([]byte, error) {
	switch {
	case o.Filesystem != nil:
		return json.Marshal(filesystemEnvelope{Type: outputTypeFilesystem, Data: o.Filesystem})
	case o.Batch != nil:
		return json.Marshal(o.Batch)
	default:
		return nil, fmt.Errorf("empty output")
	}
}

func (o *Output) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Type == nil {
		var b OutputBatch
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*o = Output{Batch: &b}
		return nil
	}
	if *probe.Type != outputTypeFilesystem {
		return fmt.Errorf("unknown output type %q", *probe.Type)
	}
	var env filesystemEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Data == nil {
		return fmt.Errorf("filesystem output without data")
	}
	*o = Output{Filesystem: env.Data}
	return nil
}

// Status reports a session lifecycle event.
type Status struct {
	Type       string `json:"type"`
	WorkingDir string `json:"workingDir,omitempty"`
	Code       *int   `json:"code,omitempty"`
	Signal     string `json:"signal,omitempty"`
	Message    string `json:"message,omitempty"`
	ErrorCode  string `json:"errorCode,omitempty"`
}

// ExitCode returns a pointer suitable for Status.Code.
func ExitCode(code int) *int { return &code }

// ErrorStatus converts err into an error status, keeping its code.
func ErrorStatus(err error) Status {
	return Status{Type: StatusError, Message: err.Error(), ErrorCode: CodeOf(err)}
}

// SessionInfo describes one registered session for listings.
type SessionInfo struct {
	ClientID   string    `json:"clientId"`
	SessionID  string    `json:"sessionId"`
	WorkingDir string    `json:"workingDir"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"startedAt"`
}
