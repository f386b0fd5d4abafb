package permission

import (
	"fmt"
)

// State is the configured disposition of a permission.
type State uint8

const (
	Denied State = iota
	Granted
	AskUser
	GrantedOnce
	Conditional
	Restricted
	AuditRequired
)

var stateNames = [...]string{
	Denied:        "denied",
	Granted:       "granted",
	AskUser:       "ask-user",
	GrantedOnce:   "granted-once",
	Conditional:   "conditional",
	Restricted:    "restricted",
	AuditRequired: "audit-required",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	return int(s) < len(stateNames)
}

// ParseState parses the text form of a state.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return Denied, fmt.Errorf("invalid permission state %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid permission state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Decision is the outcome of a permission check.
type Decision uint8

const (
	Deny Decision = iota
	Allow
	Ask
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Ask:
		return "ask-user"
	default:
		return "deny"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
