package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeControl parses a control payload. topicSession is the session
// segment of the topic it arrived on; when present it takes precedence
// over the payload's sessionId.
func DecodeControl(raw []byte, topicSession string) (Control, error) {
	var c Control
	if err := json.Unmarshal(raw, &c); err != nil {
		return Control{}, Wrap(ErrParseFailure, err, "invalid control JSON")
	}
	if topicSession != "" {
		c.SessionID = topicSession
	}

	switch {
	case c.Action != "" && c.Op != "":
		return Control{}, Errorf(ErrParseFailure, "control carries both action %q and type %q", c.Action, c.Op)

	case c.Action != "":
		switch c.Action {
		case ActionStartSession, ActionStopSession:
		default:
			return Control{}, Errorf(ErrParseFailure, "unknown control action: %s", c.Action)
		}
		if c.SessionID == "" {
			return Control{}, Errorf(ErrParseFailure, "missing required field 'sessionId' in %s", c.Action)
		}

	case c.Op != "":
		switch c.Op {
		case OpBrowse:
		case OpRead:
			if c.Path == "" {
				return Control{}, Errorf(ErrParseFailure, "missing required field 'path' in %s", c.Op)
			}
		default:
			return Control{}, Errorf(ErrParseFailure, "unknown control type: %s", c.Op)
		}

	default:
		return Control{}, Errorf(ErrParseFailure, "control has neither 'action' nor 'type'")
	}

	return c, nil
}

// DecodeInput parses an input payload.
func DecodeInput(raw []byte) (Input, error) {
	var in struct {
		Data *string `json:"data"`
		Raw  bool    `json:"raw"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return Input{}, Wrap(ErrParseFailure, err, "invalid input JSON")
	}
	if in.Data == nil {
		return Input{}, Errorf(ErrParseFailure, "missing required field 'data' in input")
	}
	return Input{Data: *in.Data, Raw: in.Raw}, nil
}

// DecodeOutput parses an output payload into its variant.
func DecodeOutput(raw []byte) (Output, error) {
	var o Output
	if err := json.Unmarshal(raw, &o); err != nil {
		return Output{}, Wrap(ErrParseFailure, err, "invalid output")
	}
	return o, nil
}

// DecodeStatus parses a status payload.
func DecodeStatus(raw []byte) (Status, error) {
	var s Status
	if err := json.Unmarshal(raw, &s); err != nil {
		return Status{}, Wrap(ErrParseFailure, err, "invalid status JSON")
	}
	switch s.Type {
	case StatusStarted, StatusExit, StatusStopped, StatusError:
	default:
		return Status{}, Errorf(ErrParseFailure, "unknown status type: %q", s.Type)
	}
	return s, nil
}

// DecodeFrame parses a websocket frame.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if f.Error == nil && f.Topic == "" {
		return nil, fmt.Errorf("missing 'topic' field")
	}
	return &f, nil
}
