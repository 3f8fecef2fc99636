package coordinator

import "github.com/msageha/stampede/internal/model"

// Commands served by the coordinator.
const (
	CmdRequestWorkUnits       = "request_work_units"
	CmdReportWorkUnitFinished = "report_work_unit_finished"
	CmdIsBuildFinished        = "is_build_finished"
	CmdGetBuildStatus         = "get_build_status"
	CmdReportBuildFailed      = "report_build_failed"
	CmdPing                   = "ping"
)

type RequestWorkUnitsParams struct {
	SessionID string `json:"session_id"`
	MinionID  string `json:"minion_id"`
	MaxUnits  int    `json:"max_units"`
}

type RequestWorkUnitsResult struct {
	WorkUnits []model.WorkUnit `json:"work_units"`
}

type ReportWorkUnitFinishedParams struct {
	SessionID string   `json:"session_id"`
	MinionID  string   `json:"minion_id"`
	Targets   []string `json:"targets"`
}

type ReportBuildFailedParams struct {
	SessionID string `json:"session_id"`
	MinionID  string `json:"minion_id"`
	ExitCode  int    `json:"exit_code"`
}

type SessionParams struct {
	SessionID string `json:"session_id"`
}

type IsBuildFinishedResult struct {
	Finished bool `json:"finished"`
}

type AckResult struct {
	Acknowledged bool `json:"acknowledged"`
}

type PingResult struct {
	Status string `json:"status"`
}
