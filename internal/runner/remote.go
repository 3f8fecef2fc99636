package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/stampede/internal/logging"
	"github.com/msageha/stampede/internal/stats"
)

// RemoteRunner builds the top-level targets locally once and records the
// exit code as the session's final status.
type RemoteRunner struct {
	builder LocalBuilder
	targets []string
	setter  FinalBuildStatusSetter
	tracker *stats.Tracker
	logger  *logging.Logger
}

// ErrNoStatusSetter is returned by NewRemoteRunner without a setter: a
// remote build must be able to record its outcome.
var ErrNoStatusSetter = errors.New("remote runner needs a final build status setter")

// NewRemoteRunner returns a runner for targets. builder and setter are
// required; tracker and logger may be nil.
func NewRemoteRunner(builder LocalBuilder, targets []string, setter FinalBuildStatusSetter, tracker *stats.Tracker, logger *logging.Logger) (*RemoteRunner, error) {
	if builder == nil {
		return nil, errors.New("remote runner needs a local builder")
	}
	if setter == nil {
		return nil, ErrNoStatusSetter
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &RemoteRunner{
		builder: builder,
		targets: append([]string(nil), targets...),
		setter:  setter,
		tracker: tracker,
		logger:  logger,
	}, nil
}

// Run returns the build exit code. A failure to record the final status is
// returned as an error alongside the code.
func (r *RemoteRunner) Run(ctx context.Context) (int, error) {
	r.logger.Log(logging.LevelInfo, "building %d top-level targets", len(r.targets))

	if r.tracker != nil {
		r.tracker.StartTimer(stats.PerformLocalBuild)
	}
	code, buildErr := r.builder.Build(ctx, r.targets)
	if r.tracker != nil {
		if err := r.tracker.StopTimer(stats.PerformLocalBuild); err != nil {
			r.logger.Log(logging.LevelWarn, "stats: %v", err)
		}
	}
	if buildErr != nil {
		if code == 0 {
			code = FailureExitCode
		}
		buildErr = fmt.Errorf("local build: %w", buildErr)
	}

	var setErr error
	if err := r.setter.SetFinalBuildStatus(code); err != nil {
		setErr = fmt.Errorf("set final build status: %w", err)
	}

	r.logger.Log(logging.LevelInfo, "remote build finished exit_code=%d", code)
	return code, errors.Join(buildErr, setErr)
}
