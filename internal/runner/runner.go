// Package runner drives a build from one machine's point of view: either as
// a minion pulling work units from a coordinator, or as a remote-mode client
// building top-level targets locally.
package runner

import (
	"context"

	"github.com/msageha/stampede/internal/model"
)

// FailureExitCode is returned alongside fatal errors that carry no build
// tool exit code of their own.
const FailureExitCode = 1

// Runner runs a build to completion and returns its exit code.
type Runner interface {
	Run(ctx context.Context) (int, error)
}

// LocalBuilder builds targets on this machine, in the given order, in one
// invocation.
type LocalBuilder interface {
	Build(ctx context.Context, targets []string) (int, error)
}

type BuilderFunc func(ctx context.Context, targets []string) (int, error)

func (f BuilderFunc) Build(ctx context.Context, targets []string) (int, error) {
	return f(ctx, targets)
}

// BuildCompletionChecker reports whether the overall build is already over,
// independent of the coordinator.
type BuildCompletionChecker interface {
	IsFinished() bool
}

type CompletionFunc func() bool

func (f CompletionFunc) IsFinished() bool { return f() }

// NeverFinished is a checker for minions without an external signal.
var NeverFinished BuildCompletionChecker = CompletionFunc(func() bool { return false })

// FinalBuildStatusSetter records the final exit code of a build.
type FinalBuildStatusSetter interface {
	SetFinalBuildStatus(exitCode int) error
}

// WorkSource is the minion's view of the coordinator.
type WorkSource interface {
	RequestWorkUnits(ctx context.Context, maxUnits int) ([]model.WorkUnit, error)
	ReportWorkUnitFinished(ctx context.Context, targets []string) error
	IsBuildFinished(ctx context.Context) (bool, error)
	ReportBuildFailed(ctx context.Context, exitCode int) error
}
