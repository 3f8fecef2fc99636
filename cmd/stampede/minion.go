package main

import (
	"github.com/spf13/cobra"

	"github.com/msageha/stampede/internal/buildstatus"
	"github.com/msageha/stampede/internal/coordinator"
	"github.com/msageha/stampede/internal/executor"
	"github.com/msageha/stampede/internal/logging"
	"github.com/msageha/stampede/internal/model"
	"github.com/msageha/stampede/internal/runner"
)

func newMinionCmd(a *app) *cobra.Command {
	var addr, sessionID, name string
	var maxUnits int
	cmd := &cobra.Command{
		Use:   "minion --coordinator ADDR --session ID",
		Short: "Build work units handed out by a coordinator",
		Long: `Poll a coordinator for work units, build each response with the configured
build tool in one invocation, and report the targets back. Exits with the
exit code of the last local build once the build is finished, or with the
first failing build's exit code.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sessionID == "" {
				return errMissingSession
			}
			cfg := a.project.Config
			if name == "" {
				id, err := model.GenerateID(model.IDTypeMinion)
				if err != nil {
					return err
				}
				name = id
			}
			logger := a.logger.With(name)

			builder, err := executor.NewCommandBuilder(cfg.Executor, logger.With("executor"))
			if err != nil {
				return err
			}
			builder.SetOutput(a.stdout, a.stderr)

			var checker runner.BuildCompletionChecker = runner.NeverFinished
			w, err := buildstatus.NewWatcher(buildstatus.NewStore(cfg.Status.Dir), sessionID, logger.With("watcher"))
			if err != nil {
				logger.Log(logging.LevelWarn, "no status watcher, relying on the coordinator alone: %v", err)
			} else {
				defer w.Close()
				checker = w
			}

			opts := runner.MinionOptionsFromConfig(cfg.Minion)
			if maxUnits > 0 {
				opts.MaxParallelWorkUnits = maxUnits
			}
			client := coordinator.NewClient(addr, sessionID, name, cfg.Minion.RequestTimeout())
			r := runner.NewMinionRunner(client, builder, checker, opts, logger)

			code, err := r.Run(cmd.Context())
			if err != nil && cmd.Context().Err() != nil {
				return err
			}
			return buildResult(code, err)
		},
	}
	cmd.Flags().StringVar(&addr, "coordinator", "", "coordinator address, host:port or unix:/path")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id printed by the coordinator")
	cmd.Flags().StringVar(&name, "name", "", "minion id (default: generated)")
	cmd.Flags().IntVar(&maxUnits, "max-units", 0, "work units to request per poll (overrides minion.max_parallel_work_units)")
	_ = cmd.MarkFlagRequired("coordinator")
	return cmd
}
