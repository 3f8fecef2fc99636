// Package status reports on build sessions: the live view from a running
// coordinator and the final statuses recorded in the status directory.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/msageha/stampede/internal/buildstatus"
	"github.com/msageha/stampede/internal/coordinator"
	"github.com/msageha/stampede/internal/model"
)

type Report struct {
	Coordinator *CoordinatorStatus   `json:"coordinator,omitempty"`
	Sessions    []buildstatus.Status `json:"sessions"`
}

type CoordinatorStatus struct {
	Addr      string             `json:"addr"`
	Reachable bool               `json:"reachable"`
	Error     string             `json:"error,omitempty"`
	Build     *model.BuildStatus `json:"build,omitempty"`
}

type Options struct {
	Store *buildstatus.Store
	// SessionID limits the report to one session. Required with
	// CoordinatorAddr.
	SessionID       string
	CoordinatorAddr string
	Timeout         time.Duration
}

// Collect gathers a report. An unreachable coordinator is part of the report,
// not an error.
func Collect(ctx context.Context, opts Options) (Report, error) {
	r := Report{Sessions: []buildstatus.Status{}}

	if opts.CoordinatorAddr != "" {
		if opts.SessionID == "" {
			return Report{}, errors.New("a session id is required to query a coordinator")
		}
		r.Coordinator = checkCoordinator(ctx, opts)
	}

	if opts.Store == nil {
		return r, nil
	}
	if opts.SessionID != "" {
		st, err := opts.Store.Get(opts.SessionID)
		switch {
		case errors.Is(err, buildstatus.ErrNotFound):
		case err != nil:
			return r, err
		default:
			r.Sessions = append(r.Sessions, st)
		}
		return r, nil
	}

	sessions, err := opts.Store.List()
	r.Sessions = append(r.Sessions, sessions...)
	return r, err
}

func checkCoordinator(ctx context.Context, opts Options) *CoordinatorStatus {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cs := &CoordinatorStatus{Addr: opts.CoordinatorAddr}
	client := coordinator.NewClient(opts.CoordinatorAddr, opts.SessionID, "", timeout)

	if err := client.Ping(ctx); err != nil {
		cs.Error = err.Error()
		return cs
	}
	cs.Reachable = true

	build, err := client.GetBuildStatus(ctx)
	if err != nil {
		cs.Error = err.Error()
		return cs
	}
	cs.Build = &build
	return cs
}

// Write renders r as indented JSON or as text.
func Write(w io.Writer, r Report, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	printReport(w, r)
	return nil
}

func printReport(w io.Writer, r Report) {
	if c := r.Coordinator; c != nil {
		if c.Reachable {
			fmt.Fprintf(w, "Coordinator: %s (reachable)\n", c.Addr)
		} else {
			fmt.Fprintf(w, "Coordinator: %s (unreachable)\n", c.Addr)
		}
		if c.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", c.Error)
		}
		if b := c.Build; b != nil {
			fmt.Fprintf(w, "  session=%s  state=%s", b.SessionID, b.State)
			if b.ExitCode != nil {
				fmt.Fprintf(w, "  exit_code=%d", *b.ExitCode)
			}
			fmt.Fprintln(w)
			for _, s := range []model.TargetState{model.TargetUnstarted, model.TargetReady, model.TargetAssigned, model.TargetFinished} {
				fmt.Fprintf(w, "  %-10s %d\n", s, b.Targets[s])
			}
			if len(b.Minions) > 0 {
				names := make([]string, 0, len(b.Minions))
				for m := range b.Minions {
					names = append(names, m)
				}
				sort.Strings(names)
				fmt.Fprintln(w, "  minions:")
				for _, m := range names {
					fmt.Fprintf(w, "    %-44s  assigned=%d\n", m, b.Minions[m])
				}
			}
		}
		fmt.Fprintln(w)
	}

	if len(r.Sessions) == 0 {
		fmt.Fprintln(w, "Sessions: none recorded")
		return
	}
	fmt.Fprintln(w, "Sessions:")
	fmt.Fprintf(w, "  %-45s  %9s  %-11s  %s\n", "SESSION", "EXIT_CODE", "SOURCE", "FINISHED_AT")
	for _, s := range r.Sessions {
		fmt.Fprintf(w, "  %-45s  %9d  %-11s  %s\n", s.SessionID, s.ExitCode, s.Source, s.FinishedAt.Format(time.RFC3339))
	}
}
