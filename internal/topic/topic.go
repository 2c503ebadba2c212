// Package topic implements the relay addressing scheme:
//
//	<namespace>/server/<clientId>[/<sessionId>]/<kind>   client -> server
//	<namespace>/client/<clientId>/<sessionId>/<kind>     server -> client
//
// The client-wide form (no sessionId) is only valid for control messages.
package topic

import (
	"fmt"
	"strings"
)

// DefaultNamespace is the deployment prefix used when none is configured.
const DefaultNamespace = "q-cli-webui"

// Direction names which side a message is addressed to.
type Direction string

const (
	ToServer Direction = "server"
	ToClient Direction = "client"
)

// Kind is the message category carried on a topic.
type Kind string

const (
	Control Kind = "control"
	Input   Kind = "input"
	Output  Kind = "output"
	Status  Kind = "status"
)

// Address is a parsed topic.
type Address struct {
	Namespace string
	Direction Direction
	ClientID  string
	SessionID string // empty for client-wide control
	Kind      Kind
}

// ClientWide reports whether the address has no session segment.
func (a Address) ClientWide() bool { return a.SessionID == "" }

// String formats the address back into a topic.
func (a Address) String() string {
	if a.SessionID == "" {
		return strings.Join([]string{a.Namespace, string(a.Direction), a.ClientID, string(a.Kind)}, "/")
	}
	return strings.Join([]string{a.Namespace, string(a.Direction), a.ClientID, a.SessionID, string(a.Kind)}, "/")
}

// Validate checks that every segment is usable as a single topic level.
func (a Address) Validate() error {
	if err := checkSegment("namespace", a.Namespace); err != nil {
		return err
	}
	switch a.Direction {
	case ToServer, ToClient:
	default:
		return fmt.Errorf("unknown direction %q", a.Direction)
	}
	if err := checkSegment("clientId", a.ClientID); err != nil {
		return err
	}
	switch a.Kind {
	case Control, Input, Output, Status:
	default:
		return fmt.Errorf("unknown kind %q", a.Kind)
	}
	if a.SessionID == "" {
		if a.Kind != Control {
			return fmt.Errorf("%s messages require a session", a.Kind)
		}
		return nil
	}
	return checkSegment("sessionId", a.SessionID)
}

// Parse splits a topic into an Address. The namespace itself must be a
// single level.
func Parse(t string) (Address, error) {
	parts := strings.Split(t, "/")
	var a Address
	switch len(parts) {
	case 4:
		a = Address{Namespace: parts[0], Direction: Direction(parts[1]), ClientID: parts[2], Kind: Kind(parts[3])}
	case 5:
		a = Address{Namespace: parts[0], Direction: Direction(parts[1]), ClientID: parts[2], SessionID: parts[3], Kind: Kind(parts[4])}
		if a.SessionID == "" {
			return Address{}, fmt.Errorf("topic %q: empty sessionId", t)
		}
	default:
		return Address{}, fmt.Errorf("topic %q: expected 4 or 5 levels, got %d", t, len(parts))
	}
	if err := a.Validate(); err != nil {
		return Address{}, fmt.Errorf("topic %q: %w", t, err)
	}
	return a, nil
}

// ForClient builds the server -> client address for a session.
func ForClient(ns, clientID, sessionID string, kind Kind) Address {
	return Address{Namespace: ns, Direction: ToClient, ClientID: clientID, SessionID: sessionID, Kind: kind}
}

// ForServer builds the client -> server address. An empty sessionID
// yields the client-wide control address.
func ForServer(ns, clientID, sessionID string, kind Kind) Address {
	return Address{Namespace: ns, Direction: ToServer, ClientID: clientID, SessionID: sessionID, Kind: kind}
}

// ServerFilters returns the subscriptions the relay needs to receive all
// client -> server traffic in a namespace.
func ServerFilters(ns string) []string {
	return []string{
		ns + "/server/+/control",
		ns + "/server/+/+/control",
		ns + "/server/+/+/input",
	}
}

// ClientFilter returns the subscription covering everything addressed to
// one client.
func ClientFilter(ns, clientID string) string {
	return ns + "/client/" + clientID + "/#"
}

// ServerPrefix is the topic prefix a client is allowed to publish under.
func ServerPrefix(ns, clientID string) string {
	return ns + "/server/" + clientID + "/"
}

func checkSegment(name, v string) error {
	if v == "" {
		return fmt.Errorf("empty %s", name)
	}
	if strings.ContainsAny(v, "/+#") {
		return fmt.Errorf("%s %q contains a reserved character", name, v)
	}
	return nil
}
