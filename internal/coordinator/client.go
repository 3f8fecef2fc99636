package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/stampede/internal/model"
	"github.com/msageha/stampede/internal/rpc"
)

// Client talks to a coordinator on behalf of one minion in one session.
// Failures to reach the coordinator surface as *rpc.TransportError, error
// responses as *rpc.RemoteError.
type Client struct {
	rpc       *rpc.Client
	sessionID string
	minionID  string
}

func NewClient(addr, sessionID, minionID string, timeout time.Duration) *Client {
	c := rpc.NewClient(addr)
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return &Client{rpc: c, sessionID: sessionID, minionID: minionID}
}

func (c *Client) SessionID() string { return c.sessionID }

func (c *Client) MinionID() string { return c.minionID }

func (c *Client) RequestWorkUnits(ctx context.Context, maxUnits int) ([]model.WorkUnit, error) {
	var out RequestWorkUnitsResult
	err := c.rpc.CallContext(ctx, CmdRequestWorkUnits, RequestWorkUnitsParams{
		SessionID: c.sessionID,
		MinionID:  c.minionID,
		MaxUnits:  maxUnits,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.WorkUnits, nil
}

func (c *Client) ReportWorkUnitFinished(ctx context.Context, targets []string) error {
	var out AckResult
	err := c.rpc.CallContext(ctx, CmdReportWorkUnitFinished, ReportWorkUnitFinishedParams{
		SessionID: c.sessionID,
		MinionID:  c.minionID,
		Targets:   targets,
	}, &out)
	if err != nil {
		return err
	}
	if !out.Acknowledged {
		return fmt.Errorf("%s: not acknowledged", CmdReportWorkUnitFinished)
	}
	return nil
}

func (c *Client) IsBuildFinished(ctx context.Context) (bool, error) {
	var out IsBuildFinishedResult
	if err := c.rpc.CallContext(ctx, CmdIsBuildFinished, SessionParams{SessionID: c.sessionID}, &out); err != nil {
		return false, err
	}
	return out.Finished, nil
}

func (c *Client) ReportBuildFailed(ctx context.Context, exitCode int) error {
	var out AckResult
	err := c.rpc.CallContext(ctx, CmdReportBuildFailed, ReportBuildFailedParams{
		SessionID: c.sessionID,
		MinionID:  c.minionID,
		ExitCode:  exitCode,
	}, &out)
	if err != nil {
		return err
	}
	if !out.Acknowledged {
		return fmt.Errorf("%s: not acknowledged", CmdReportBuildFailed)
	}
	return nil
}

func (c *Client) GetBuildStatus(ctx context.Context) (model.BuildStatus, error) {
	var out model.BuildStatus
	if err := c.rpc.CallContext(ctx, CmdGetBuildStatus, SessionParams{SessionID: c.sessionID}, &out); err != nil {
		return model.BuildStatus{}, err
	}
	return out, nil
}

func (c *Client) Ping(ctx context.Context) error {
	var out PingResult
	if err := c.rpc.CallContext(ctx, CmdPing, nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("ping: unexpected status %q", out.Status)
	}
	return nil
}
