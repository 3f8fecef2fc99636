package graph

import (
	"errors"
	"fmt"
	"strings"
)

var ErrCycle = errors.New("dependency cycle")

// Problem is one defect in a graph definition.
type Problem struct {
	// Target is the target the problem belongs to, or "" when the entry has
	// no usable name.
	Target  string
	Message string
}

func (p Problem) String() string {
	if p.Target == "" {
		return p.Message
	}
	return fmt.Sprintf("%q: %s", p.Target, p.Message)
}

// InvalidGraphError reports every problem New found, not just the first.
type InvalidGraphError struct {
	Problems []Problem
}

func (e *InvalidGraphError) addf(target, format string, args ...any) {
	e.Problems = append(e.Problems, Problem{Target: target, Message: fmt.Sprintf(format, args...)})
}

func (e *InvalidGraphError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid target graph: " + e.Problems[0].String()
	}
	lines := make([]string, 0, len(e.Problems)+1)
	lines = append(lines, fmt.Sprintf("invalid target graph: %d problems", len(e.Problems)))
	for _, p := range e.Problems {
		lines = append(lines, "  "+p.String())
	}
	return strings.Join(lines, "\n")
}
