package session

import (
	"time"

	"qchat-relay/internal/protocol"
)

// Key identifies a session. Keys are values; the registry never hands out
// pointers to its entries.
type Key struct {
	ClientID  string
	SessionID string
}

func (k Key) String() string { return k.ClientID + ":" + k.SessionID }

// State represents the lifecycle state of a registered session.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Session is a snapshot of one registry entry.
type Session struct {
	Key        Key
	State      State
	WorkingDir string
	PID        int
	StartedAt  time.Time
}

// Info converts the snapshot for listings.
func (s Session) Info() protocol.SessionInfo {
	return protocol.SessionInfo{
		ClientID:   s.Key.ClientID,
		SessionID:  s.Key.SessionID,
		WorkingDir: s.WorkingDir,
		PID:        s.PID,
		StartedAt:  s.StartedAt,
	}
}

// Emitter receives everything the registry reports about a session.
// Calls for one key arrive in order: started, output batches, then exit.
type Emitter interface {
	EmitOutput(key Key, batch protocol.OutputBatch)
	EmitStatus(key Key, status protocol.Status)
}
