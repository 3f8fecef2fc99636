package model

// WorkUnit is a chain of targets handed to one minion in one assignment.
// Targets are in dependency order: each target depends only on the one before it.
type WorkUnit struct {
	Targets []string `json:"targets" yaml:"targets"`
}

// FlattenWorkUnits returns the targets of all units, unit by unit.
func FlattenWorkUnits(units []WorkUnit) []string {
	n := 0
	for _, u := range units {
		n += len(u.Targets)
	}
	out := make([]string, 0, n)
	for _, u := range units {
		out = append(out, u.Targets...)
	}
	return out
}

// BuildStatus is the aggregate view of one build session.
type BuildStatus struct {
	SessionID string              `json:"session_id" yaml:"session_id"`
	State     BuildState          `json:"state" yaml:"state"`
	ExitCode  *int                `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	Targets   map[TargetState]int `json:"targets,omitempty" yaml:"targets,omitempty"`
	Minions   map[string]int      `json:"minions,omitempty" yaml:"minions,omitempty"`
}
