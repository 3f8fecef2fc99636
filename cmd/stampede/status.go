package main

import (
	"github.com/spf13/cobra"

	"github.com/msageha/stampede/internal/buildstatus"
	"github.com/msageha/stampede/internal/status"
)

func newStatusCmd(a *app) *cobra.Command {
	var sessionID, addr string
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status [--session ID] [--coordinator ADDR] [--json]",
		Short: "Show recorded build statuses and, optionally, a live coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.project.Config
			r, err := status.Collect(cmd.Context(), status.Options{
				Store:           buildstatus.NewStore(cfg.Status.Dir),
				SessionID:       sessionID,
				CoordinatorAddr: addr,
				Timeout:         cfg.Minion.RequestTimeout(),
			})
			if err != nil && len(r.Sessions) == 0 && r.Coordinator == nil {
				return err
			}
			if werr := status.Write(a.stdout, r, jsonOutput); werr != nil {
				return werr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "limit to one session")
	cmd.Flags().StringVar(&addr, "coordinator", "", "also query a running coordinator (requires --session)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}
