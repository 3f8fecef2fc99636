package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/msageha/stampede/internal/logging"
	"github.com/msageha/stampede/internal/model"
)

type MinionOptions struct {
	// MaxParallelWorkUnits is sent with every request; the coordinator may
	// lower it.
	MaxParallelWorkUnits int
	// PollInterval is the first wait after an empty poll; waits grow up to
	// MaxPollInterval and reset when work arrives.
	PollInterval    time.Duration
	MaxPollInterval time.Duration
}

// MinionOptionsFromConfig maps the minion section of the config file.
func MinionOptionsFromConfig(cfg model.MinionConfig) MinionOptions {
	return MinionOptions{
		MaxParallelWorkUnits: cfg.MaxParallelWorkUnits,
		PollInterval:         cfg.PollInterval(),
		MaxPollInterval:      cfg.MaxPollInterval(),
	}
}

// MinionRunner repeatedly asks the coordinator for work, builds it in one
// executor call per response and reports it back, until the build is
// finished or a local build fails.
type MinionRunner struct {
	source  WorkSource
	builder LocalBuilder
	checker BuildCompletionChecker
	opts    MinionOptions
	logger  *logging.Logger
	backoff *backoff.ExponentialBackOff
}

func NewMinionRunner(source WorkSource, builder LocalBuilder, checker BuildCompletionChecker, opts MinionOptions, logger *logging.Logger) *MinionRunner {
	if checker == nil {
		checker = NeverFinished
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.MaxParallelWorkUnits < 1 {
		opts.MaxParallelWorkUnits = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.MaxPollInterval < opts.PollInterval {
		opts.MaxPollInterval = opts.PollInterval
	}

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     opts.PollInterval,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         opts.MaxPollInterval,
	}
	bo.Reset()

	return &MinionRunner{
		source:  source,
		builder: builder,
		checker: checker,
		opts:    opts,
		logger:  logger,
		backoff: bo,
	}
}

// Run returns the exit code of the last local build (0 if nothing was
// built) once the build is finished. A failing local build ends the run
// with its exit code. Losing the coordinator while the build is unfinished
// is fatal.
func (r *MinionRunner) Run(ctx context.Context) (int, error) {
	if r.checker.IsFinished() {
		r.logger.Log(logging.LevelInfo, "build already finished, nothing to do")
		return 0, nil
	}

	lastCode := 0
	for {
		if err := ctx.Err(); err != nil {
			return FailureExitCode, err
		}

		units, err := r.source.RequestWorkUnits(ctx, r.opts.MaxParallelWorkUnits)
		if err != nil {
			return r.coordinatorFailed(lastCode, "request work units", err)
		}

		if len(units) == 0 {
			finished, err := r.source.IsBuildFinished(ctx)
			if err != nil {
				return r.coordinatorFailed(lastCode, "check build finished", err)
			}
			if finished || r.checker.IsFinished() {
				r.logger.Log(logging.LevelInfo, "build finished exit_code=%d", lastCode)
				return lastCode, nil
			}
			if err := r.wait(ctx); err != nil {
				return FailureExitCode, err
			}
			continue
		}
		r.backoff.Reset()

		targets := model.FlattenWorkUnits(units)
		r.logger.Log(logging.LevelInfo, "building units=%d targets=%d", len(units), len(targets))

		code, err := r.builder.Build(ctx, targets)
		lastCode = code
		if err != nil || code != 0 {
			if code == 0 {
				code = FailureExitCode
			}
			r.reportFailure(ctx, code)
			if err != nil {
				return code, fmt.Errorf("build %d targets: %w", len(targets), err)
			}
			r.logger.Log(logging.LevelError, "local build failed exit_code=%d targets=%v", code, targets)
			return code, nil
		}

		if err := r.source.ReportWorkUnitFinished(ctx, targets); err != nil {
			return r.coordinatorFailed(lastCode, "report finished targets", err)
		}
	}
}

// coordinatorFailed decides what an unreachable or erroring coordinator
// means: if the build is known to be over, the minion is simply done.
func (r *MinionRunner) coordinatorFailed(lastCode int, op string, err error) (int, error) {
	if r.checker.IsFinished() {
		r.logger.Log(logging.LevelInfo, "%s failed after build finished: %v", op, err)
		return lastCode, nil
	}
	r.logger.Log(logging.LevelError, "%s: %v", op, err)
	return FailureExitCode, fmt.Errorf("%s: %w", op, err)
}

func (r *MinionRunner) reportFailure(ctx context.Context, code int) {
	if err := r.source.ReportBuildFailed(ctx, code); err != nil {
		r.logger.Log(logging.LevelWarn, "report build failure exit_code=%d: %v", code, err)
	}
}

func (r *MinionRunner) wait(ctx context.Context) error {
	d := r.backoff.NextBackOff()
	if d > r.opts.MaxPollInterval {
		d = r.opts.MaxPollInterval
	}
	r.logger.Log(logging.LevelDebug, "no work ready, polling again in %s", d)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
