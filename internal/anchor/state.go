package anchor

import "fmt"

// State is the manager's lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateTracking
	StateSaving
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateTracking:
		return "tracking"
	case StateSaving:
		return "saving"
	case StateShutDown:
		return "shut_down"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, error) {
	for s := StateUninitialized; s <= StateShutDown; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return StateUninitialized, fmt.Errorf("unknown anchor manager state %q", name)
}
