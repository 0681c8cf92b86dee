package indexer

import "fmt"

// State is the lifecycle state of an Indexer.
type State int32

// Lifecycle states.
const (
	Stopped State = iota
	Started
	Indexing
	Stopping
	Aborting
)

var stateNames = [...]string{
	Stopped:  "STOPPED",
	Started:  "STARTED",
	Indexing: "INDEXING",
	Stopping: "STOPPING",
	Aborting: "ABORTING",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Outcome records how the last run ended.
type Outcome string

// Run outcomes.
const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeStopped   Outcome = "stopped"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)
