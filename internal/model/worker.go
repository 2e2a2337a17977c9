package model

// Worker lifecycle states. A ready worker has a live sandbox and no module;
// a serving worker has a module loaded.
const (
	WorkerCreated  = "created"
	WorkerStarting = "starting"
	WorkerReady    = "ready"
	WorkerServing  = "serving"
	WorkerStopped  = "stopped"
)

// validTransitions maps each worker state to the states it may move to.
var validTransitions = map[string]map[string]bool{
	WorkerCreated: {
		WorkerStarting: true,
		WorkerStopped:  true,
	},
	WorkerStarting: {
		WorkerReady:   true,
		WorkerStopped: true,
	},
	WorkerReady: {
		WorkerServing:  true,
		WorkerStarting: true,
		WorkerStopped:  true,
	},
	WorkerServing: {
		WorkerReady:    true,
		WorkerStarting: true,
		WorkerStopped:  true,
	},
	WorkerStopped: {
		WorkerStarting: true,
	},
}

// ValidTransition reports whether a worker may move from one state to another.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}
