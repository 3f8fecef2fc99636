package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/msageha/stampede/internal/buildstatus"
	"github.com/msageha/stampede/internal/executor"
	"github.com/msageha/stampede/internal/graph"
	"github.com/msageha/stampede/internal/runner"
)

func newRemoteCmd(a *app) *cobra.Command {
	var sessionID, graphPath string
	cmd := &cobra.Command{
		Use:   "remote --session ID [--graph FILE | TARGET...]",
		Short: "Build the top-level targets locally and record the session's final status",
		Long: `Build the given targets (or the top-level targets of --graph) in one local
invocation of the build tool and record the exit code as the final status of
the session. Minions and the coordinator of that session see the status and
stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return errMissingSession
			}
			targets := args
			if graphPath != "" {
				if len(args) > 0 {
					return errors.New("pass either --graph or targets, not both")
				}
				g, err := graph.Load(graphPath)
				if err != nil {
					return err
				}
				targets = g.Leaves()
			}
			if len(targets) == 0 {
				return errors.New("no targets to build")
			}

			cfg := a.project.Config
			logger := a.logger.With("remote")
			builder, err := executor.NewCommandBuilder(cfg.Executor, logger.With("executor"))
			if err != nil {
				return err
			}
			builder.SetOutput(a.stdout, a.stderr)

			setter := buildstatus.NewSetter(buildstatus.NewStore(cfg.Status.Dir), sessionID, buildstatus.SourceRemote)
			r, err := runner.NewRemoteRunner(builder, targets, setter, nil, logger)
			if err != nil {
				return err
			}
			return buildResult(r.Run(cmd.Context()))
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session whose final status to record")
	cmd.Flags().StringVar(&graphPath, "graph", "", "build the top-level targets of this graph")
	return cmd
}
