package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/stampede/internal/buildstatus"
	"github.com/msageha/stampede/internal/coordinator"
	"github.com/msageha/stampede/internal/executor"
	"github.com/msageha/stampede/internal/graph"
	"github.com/msageha/stampede/internal/logging"
	"github.com/msageha/stampede/internal/runner"
	"github.com/msageha/stampede/internal/stats"
	yamlfile "github.com/msageha/stampede/internal/yaml"
)

func newFleetCmd(a *app) *cobra.Command {
	f := &fleet{app: a}
	cmd := &cobra.Command{
		Use:   "fleet --graph FILE",
		Short: "Run a coordinator and local minions in one process",
		Long: `Run a whole distributed build on this machine: start a coordinator for the
graph, let --minions local minions build it, and optionally fall back to one
local build of the top-level targets when the distributed build fails.

Build tool output goes to stderr. A JSON summary of the build's timings and
outcome is printed to stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.project.Config.Fleet
			if !cmd.Flags().Changed("minions") {
				f.minions = cfg.Minions
			}
			if !cmd.Flags().Changed("fallback-local") {
				f.fallback = cfg.FallbackLocal
			}
			if f.minions < 1 {
				return errors.New("--minions must be at least 1")
			}
			f.tracker = stats.NewTracker(cfg.BuildLabel)
			f.out = &lockedWriter{w: a.stderr}
			f.logger = a.logger.With("fleet")

			code, err := f.run(cmd.Context())
			if err != nil {
				f.tracker.SetClientError(true)
				f.tracker.SetClientErrorMessage(err.Error())
			}
			if serr := f.printStats(a.stdout); serr != nil {
				f.logger.Log(logging.LevelWarn, "stats: %v", serr)
			}
			if err != nil && cmd.Context().Err() != nil {
				return err
			}
			return buildResult(code, err)
		},
	}
	cmd.Flags().StringVar(&f.graphPath, "graph", "", "target graph file (YAML)")
	cmd.Flags().StringVar(&f.sessionID, "session", "", "session id (default: generated)")
	cmd.Flags().IntVar(&f.minions, "minions", 0, "number of local minions (overrides fleet.minions)")
	cmd.Flags().BoolVar(&f.fallback, "fallback-local", false, "build the top-level targets locally if the distributed build fails (overrides fleet.fallback_local)")
	_ = cmd.MarkFlagRequired("graph")
	return cmd
}

type fleet struct {
	app       *app
	graphPath string
	sessionID string
	minions   int
	fallback  bool

	tracker *stats.Tracker
	out     io.Writer
	logger  *logging.Logger
}

// run returns the final exit code of the build. An error means the build
// could not be carried out, as opposed to a build that failed.
func (f *fleet) run(ctx context.Context) (int, error) {
	cfg := f.app.project.Config
	t := f.tracker
	t.SetLocalFallbackEnabled(f.fallback)

	var id string
	err := t.Time(stats.LocalPreparation, func() (err error) {
		id, err = newSessionID(f.sessionID)
		if err != nil {
			return err
		}
		t.SetSessionID(id)
		return nil
	})
	if err != nil {
		return runner.FailureExitCode, err
	}

	var g *graph.Graph
	err = t.Time(stats.LocalGraphConstruction, func() (err error) {
		g, err = graph.Load(f.graphPath)
		return err
	})
	if err != nil {
		return runner.FailureExitCode, err
	}

	err = t.Time(stats.SetBuildToolVersion, func() error {
		if len(cfg.Executor.Command) == 0 {
			return executor.ErrNoCommand
		}
		path, err := exec.LookPath(cfg.Executor.Command[0])
		if err != nil {
			return fmt.Errorf("build tool: %w", err)
		}
		f.logger.Log(logging.LevelInfo, "build tool %s", path)
		return nil
	})
	if err != nil {
		return runner.FailureExitCode, err
	}

	var s *buildSession
	err = t.Time(stats.CreateDistributedBuild, func() (err error) {
		s, err = f.app.openSession(id, g, cfg.Coordinator)
		return err
	})
	if err != nil {
		return runner.FailureExitCode, err
	}
	defer s.close()

	graphPath := f.app.project.GraphPath(id)
	if err := t.Time(stats.UploadTargetGraph, func() error { return g.Save(graphPath) }); err != nil {
		return runner.FailureExitCode, err
	}
	// Local minions share this file system; nothing has to be shipped.
	_ = t.Time(stats.UploadMissingFiles, func() error {
		t.SetMissingFilesUploadedCount(0)
		return nil
	})
	err = t.Time(stats.UploadBuckDotFiles, func() error {
		return yamlfile.WriteFile(strings.TrimSuffix(graphPath, ".yaml")+".executor.yaml", cfg.Executor)
	})
	if err != nil {
		return runner.FailureExitCode, fmt.Errorf("snapshot executor config: %w", err)
	}

	var distCode int
	err = t.Time(stats.PerformDistributedBuild, func() (err error) {
		distCode, err = f.distribute(ctx, s)
		return err
	})
	if err != nil {
		return runner.FailureExitCode, err
	}
	t.SetDistributedBuildExitCode(distCode)
	f.logger.Log(logging.LevelInfo, "session=%s distributed build exit_code=%d", id, distCode)

	runFallback := distCode != 0 && f.fallback
	err = t.Time(stats.PostDistributedBuildLocalSteps, func() error {
		if runFallback {
			return nil
		}
		return s.record(distCode, buildstatus.SourceFleet)
	})
	if err != nil {
		return distCode, fmt.Errorf("record final status: %w", err)
	}
	if !runFallback {
		return distCode, nil
	}
	return f.localFallback(ctx, s, g, distCode)
}

// distribute runs the minions against the session's coordinator and returns
// the distributed build's exit code.
func (f *fleet) distribute(ctx context.Context, s *buildSession) (int, error) {
	cfg := f.app.project.Config
	finished := runner.CompletionFunc(func() bool {
		select {
		case <-s.coord.Done():
			return true
		default:
			return false
		}
	})
	opts := runner.MinionOptionsFromConfig(cfg.Minion)

	var eg errgroup.Group
	for i := 1; i <= f.minions; i++ {
		name := fmt.Sprintf("minion-%d", i)
		logger := f.logger.With(name)
		builder, err := executor.NewCommandBuilder(cfg.Executor, logger.With("executor"))
		if err != nil {
			return runner.FailureExitCode, err
		}
		builder.SetOutput(f.out, f.out)
		client := coordinator.NewClient(s.coord.Addr(), s.id, name, cfg.Minion.RequestTimeout())
		r := runner.NewMinionRunner(client, builder, finished, opts, logger)

		eg.Go(func() error {
			if _, err := r.Run(ctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	minionErr := eg.Wait()

	if !finished.IsFinished() {
		if minionErr == nil {
			minionErr = errors.New("all minions stopped before the build finished")
		}
		return runner.FailureExitCode, minionErr
	}
	if minionErr != nil {
		f.logger.Log(logging.LevelWarn, "%v", minionErr)
	}
	return s.wait(ctx)
}

// localFallback builds the top-level targets in one local invocation after a
// failed distributed build. Its exit code becomes the session's final status.
func (f *fleet) localFallback(ctx context.Context, s *buildSession, g *graph.Graph, distCode int) (int, error) {
	cfg := f.app.project.Config
	t := f.tracker
	t.SetPerformedLocalBuild(true)

	logger := f.logger.With("fallback")
	builder, err := executor.NewCommandBuilder(cfg.Executor, logger.With("executor"))
	if err != nil {
		t.SetLocalBuildExitCode(runner.FailureExitCode)
		return runner.FailureExitCode, err
	}
	builder.SetOutput(f.out, f.out)

	setter := buildstatus.NewSetter(s.store, s.id, buildstatus.SourceFleet)
	r, err := runner.NewRemoteRunner(builder, g.Leaves(), setter, t, logger)
	if err != nil {
		t.SetLocalBuildExitCode(runner.FailureExitCode)
		return runner.FailureExitCode, err
	}
	code, runErr := r.Run(ctx)
	t.SetLocalBuildExitCode(code)

	_ = t.Time(stats.PostBuildAnalysis, func() error {
		switch {
		case code == 0:
			logger.Log(logging.LevelWarn, "distributed build failed with exit_code=%d but the local build succeeded", distCode)
		default:
			logger.Log(logging.LevelInfo, "local build confirmed the failure exit_code=%d", code)
		}
		return nil
	})
	return code, runErr
}

func (f *fleet) printStats(w io.Writer) error {
	s, err := f.tracker.GenerateStats()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// lockedWriter serializes writes from concurrently running build tools.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
