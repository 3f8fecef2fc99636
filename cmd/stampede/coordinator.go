package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/stampede/internal/buildstatus"
	"github.com/msageha/stampede/internal/graph"
	"github.com/msageha/stampede/internal/logging"
)

func newCoordinatorCmd(a *app) *cobra.Command {
	var graphPath, sessionID, listen, metricsListen string
	cmd := &cobra.Command{
		Use:   "coordinator --graph FILE",
		Short: "Serve one build session to minions",
		Long: `Load a target graph and serve it to minions until every target is built,
a minion reports a failed build, or another process records the session's
final status. The coordinator exits with the build's exit code.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.project.Config.Coordinator
			if listen != "" {
				cfg.Listen = listen
			}
			if metricsListen != "" {
				cfg.MetricsListen = metricsListen
			}

			id, err := newSessionID(sessionID)
			if err != nil {
				return err
			}
			g, err := graph.Load(graphPath)
			if err != nil {
				return err
			}

			s, err := a.openSession(id, g, cfg)
			if err != nil {
				return err
			}
			defer s.close()

			if err := g.Save(a.project.GraphPath(id)); err != nil {
				a.logger.Log(logging.LevelWarn, "snapshot target graph: %v", err)
			}

			fmt.Fprintf(a.stdout, "session=%s addr=%s targets=%d\n", id, s.coord.Addr(), g.Len())
			if m := s.coord.MetricsAddr(); m != "" {
				fmt.Fprintf(a.stdout, "metrics=http://%s/metrics\n", m)
			}

			ctx := cmd.Context()
			code, err := s.wait(ctx)
			if err != nil {
				return err
			}
			if err := s.record(code, buildstatus.SourceCoordinator); err != nil {
				return &exitCodeError{code: code, err: fmt.Errorf("record final status: %w", err)}
			}
			a.logger.Log(logging.LevelInfo, "session=%s finished exit_code=%d minions=%d", id, code, len(s.coord.Minions()))

			s.linger(ctx, cfg.Linger())
			return buildResult(code, nil)
		},
	}
	cmd.Flags().StringVar(&graphPath, "graph", "", "target graph file (YAML)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: generated)")
	cmd.Flags().StringVar(&listen, "listen", "", "RPC listen address, host:port or unix:/path (overrides coordinator.listen)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve /metrics on this address (overrides coordinator.metrics_listen)")
	_ = cmd.MarkFlagRequired("graph")
	return cmd
}
