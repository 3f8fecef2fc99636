package model

import "fmt"

// TargetState is the scheduling state of one target inside a work queue.
type TargetState string

const (
	TargetUnstarted TargetState = "unstarted"
	TargetReady     TargetState = "ready"
	TargetAssigned  TargetState = "assigned"
	TargetFinished  TargetState = "finished"
)

// BuildState is the aggregate state of a build session.
type BuildState string

const (
	BuildInProgress BuildState = "in_progress"
	BuildSucceeded  BuildState = "succeeded"
	BuildFailed     BuildState = "failed"
	// BuildFinishedExternally: another process recorded the final status.
	// The coordinator has no exit code of its own in this state.
	BuildFinishedExternally BuildState = "finished_externally"
)

var terminalTargetStates = map[TargetState]bool{
	TargetFinished: true,
}

var terminalBuildStates = map[BuildState]bool{
	BuildSucceeded: true,
	BuildFailed:    true,

	BuildFinishedExternally: true,
}

// Target transitions: unstarted → ready → assigned → finished, never backwards.
var validTargetTransitions = map[TargetState]map[TargetState]bool{
	TargetUnstarted: {
		TargetReady: true,
	},
	TargetReady: {
		TargetAssigned: true,
	},
	TargetAssigned: {
		TargetFinished: true,
	},
}

var validBuildTransitions = map[BuildState]map[BuildState]bool{
	BuildInProgress: {
		BuildSucceeded: true,
		BuildFailed:    true,

		BuildFinishedExternally: true,
	},
}

func IsTargetTerminal(s TargetState) bool {
	return terminalTargetStates[s]
}

func IsBuildTerminal(s BuildState) bool {
	return terminalBuildStates[s]
}

func ValidateTargetTransition(from, to TargetState) error {
	if IsTargetTerminal(from) {
		return fmt.Errorf("cannot transition from terminal target state %q", from)
	}
	allowed, ok := validTargetTransitions[from]
	if !ok {
		return fmt.Errorf("unknown target state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid target transition: %q → %q", from, to)
	}
	return nil
}

func ValidateBuildTransition(from, to BuildState) error {
	if IsBuildTerminal(from) {
		return fmt.Errorf("cannot transition from terminal build state %q", from)
	}
	allowed, ok := validBuildTransitions[from]
	if !ok {
		return fmt.Errorf("unknown build state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid build transition: %q → %q", from, to)
	}
	return nil
}
