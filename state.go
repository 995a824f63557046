package rdpcred

import "github.com/kardianos/rdpcred/rstate"

// Mode is the active protection mode.
type Mode int

const (
	ModeDefault Mode = iota // Installation-bound key, no password.
	ModeCustom              // Key derived from a master password.
)

func (m Mode) String() string {
	switch m {
	case ModeDefault:
		return "default"
	case ModeCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// State is the engine's protection state.
type State int

const (
	StateDefault  State = iota // Default key active, always usable.
	StateLocked                // Master password set, key not in memory.
	StateUnlocked              // Master password set, key in memory.
)

func (s State) String() string {
	switch s {
	case StateDefault:
		return "default"
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// Mode reports the protection mode of s.
func (s State) Mode() Mode {
	if s == StateDefault {
		return ModeDefault
	}
	return ModeCustom
}

var stateTransitions = []rstate.Transition[State]{
	{From: StateDefault, To: StateUnlocked, Name: "setup"},
	{From: StateLocked, To: StateUnlocked, Name: "unlock"},
	{From: StateUnlocked, To: StateLocked, Name: "lock"},
	{From: StateUnlocked, To: StateUnlocked, Name: "change"},
	{From: StateLocked, To: StateDefault, Name: "disable"},
	{From: StateUnlocked, To: StateDefault, Name: "disable"},
}

// Status is a snapshot for display.
type Status struct {
	State  State
	Mode   Mode
	Locked bool
}
