package presentment

import "fmt"

type State int

const (
	Idle State = iota
	Connecting
	WaitingForSource
	Processing
	WaitingForConsent
	Completed
)

var stateNames = map[State]string{
	Idle:              "Idle",
	Connecting:        "Connecting",
	WaitingForSource:  "WaitingForSource",
	Processing:        "Processing",
	WaitingForConsent: "WaitingForConsent",
	Completed:         "Completed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText lets states appear by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// canMove reports whether from → to is a forward transition. Reset is
// handled separately.
func canMove(from, to State) bool {
	switch to {
	case Connecting:
		return from == Idle
	case WaitingForSource:
		return from == Connecting
	case Processing:
		return from == WaitingForSource || from == WaitingForConsent
	case WaitingForConsent:
		return from == Processing
	case Completed:
		return from != Idle && from != Completed
	}
	return false
}

// DismissStyle is how a dismissed presentment ends the session with the
// reader.
type DismissStyle int

const (
	// DismissSessionTermination sends the protocol's termination message,
	// session status 20 for mdoc, then closes the transport.
	DismissSessionTermination DismissStyle = iota
	// DismissTransportSpecific closes the transport the way the transport
	// ends sessions, without a protocol message.
	DismissTransportSpecific
	// DismissSilent drops the transport without telling the reader.
	DismissSilent
)

func (d DismissStyle) String() string {
	switch d {
	case DismissSessionTermination:
		return "session-termination"
	case DismissTransportSpecific:
		return "transport-specific"
	case DismissSilent:
		return "silent"
	}
	return fmt.Sprintf("DismissStyle(%d)", int(d))
}

// ParseDismissStyle is the inverse of String.
func ParseDismissStyle(s string) (DismissStyle, error) {
	for _, d := range []DismissStyle{DismissSessionTermination, DismissTransportSpecific, DismissSilent} {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown dismiss style %q", s)
}
