package types

// EntityState is the lifecycle state of an entity instance relative to one
// unit of work. An instance moves NEW → MANAGED → (REMOVED | DETACHED).
type EntityState int

const (
	// StateNew is an instance the unit of work has never seen.
	StateNew EntityState = iota
	// StateManaged is tracked: identity-mapped and dirty-checked on flush.
	StateManaged
	// StateRemoved is scheduled for deletion on the next flush.
	StateRemoved
	// StateDetached is no longer tracked; it is a plain data holder.
	StateDetached
)

func (s EntityState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateManaged:
		return "managed"
	case StateRemoved:
		return "removed"
	case StateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// Event names a lifecycle transition at which registered callbacks run.
type Event string

// Lifecycle events.
const (
	PrePersist  Event = "prePersist"
	PostPersist Event = "postPersist"
	PreUpdate   Event = "preUpdate"
	PostUpdate  Event = "postUpdate"
	PreRemove   Event = "preRemove"
	PostRemove  Event = "postRemove"
	PostLoad    Event = "postLoad"
)

// Events lists every lifecycle event in dispatch order of a full lifecycle.
var Events = []Event{
	PrePersist,
	PostPersist,
	PostLoad,
	PreUpdate,
	PostUpdate,
	PreRemove,
	PostRemove,
}
