package status

// DomainState is the run state reported for a domain.
type DomainState int

const (
	StateUnknown DomainState = iota
	StateRunning
	StatePaused
	StateShuttingDown
	StateOff
	StateCrashed
)

// StateFromCode maps a libvirt virDomainState code. Blocked (2) is
// reported as running.
func StateFromCode(code int32) DomainState {
	switch code {
	case 1, 2:
		return StateRunning
	case 3:
		return StatePaused
	case 4:
		return StateShuttingDown
	case 5:
		return StateOff
	case 6:
		return StateCrashed
	default:
		return StateUnknown
	}
}

func (s DomainState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateShuttingDown:
		return "shutdown"
	case StateOff:
		return "shut off"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// MarshalText lets a DomainState render as its display string in YAML
// and JSON output.
func (s DomainState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsActive reports whether the domain has a running process.
func (s DomainState) IsActive() bool {
	switch s {
	case StateRunning, StatePaused, StateShuttingDown:
		return true
	}
	return false
}
