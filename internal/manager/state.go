package manager

import "errors"

var (
	// ErrNotReady is the panic value of a domain call made before the manager is Ready.
	ErrNotReady = errors.New("manager is not ready")

	// ErrClosed is the panic value of a mutation made after Close.
	ErrClosed = errors.New("manager is closed")
)

// State is the lifecycle state of a Manager.
type State int32

const (
	// Uninitialized managers have not started loading.
	Uninitialized State = iota
	// Initializing managers are loading from the repository.
	Initializing
	// Ready managers serve domain calls. Terminal.
	Ready
	// Failed managers could not load. Terminal.
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Mode selects how a mutation waits for persistence.
type Mode int

const (
	// Awaited mutations persist before returning and report failures to the caller.
	Awaited Mode = iota
	// FireAndForget mutations return once the cache is updated. Persistence runs in
	// the background in submission order; failures are rolled back and logged.
	FireAndForget
)

func (m Mode) String() string {
	if m == FireAndForget {
		return "fireAndForget"
	}
	return "awaited"
}

// ParseMode maps the configuration names awaited and fireAndForget to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "awaited":
		return Awaited, nil
	case "fireAndForget":
		return FireAndForget, nil
	default:
		return Awaited, errors.New("persistence mode must be awaited or fireAndForget")
	}
}
