package manager

// Kind is the variant of a change Event.
type Kind int

const (
	// Initialized is published once, after the initial load.
	Initialized Kind = iota
	// Created lists keys of persisted new entities.
	Created
	// Updated lists keys of persisted changes.
	Updated
	// Deleted lists keys of persisted deletions.
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Initialized:
		return "initialized"
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event notifies subscribers of a durable change. It carries keys only; current
// values are read back from the manager.
type Event[K comparable] struct {
	Kind Kind
	Keys []K
}
