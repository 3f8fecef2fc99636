// Package stats records client-side timings and outcomes of one distributed
// build and turns them into a summary record.
package stats

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type Stat string

const (
	// LocalPreparation covers everything before the distributed build starts.
	LocalPreparation               Stat = "local_preparation"
	LocalGraphConstruction         Stat = "local_graph_construction"
	PerformDistributedBuild        Stat = "perform_distributed_build"
	PerformLocalBuild              Stat = "perform_local_build"
	PostDistributedBuildLocalSteps Stat = "post_distributed_build_local_steps"
	PublishMinionFinishedStats     Stat = "publish_minion_finished_stats"
	PostBuildAnalysis              Stat = "post_build_analysis"
	CreateDistributedBuild         Stat = "create_distributed_build"
	UploadMissingFiles             Stat = "upload_missing_files"
	UploadTargetGraph              Stat = "upload_target_graph"
	UploadBuckDotFiles             Stat = "upload_buck_dot_files"
	SetBuildToolVersion            Stat = "set_build_tool_version"
	MaterializeMinionLogs          Stat = "materialize_minion_logs"
)

// AllStats in reporting order.
var AllStats = []Stat{
	LocalPreparation,
	LocalGraphConstruction,
	PerformDistributedBuild,
	PerformLocalBuild,
	PostDistributedBuildLocalSteps,
	PublishMinionFinishedStats,
	PostBuildAnalysis,
	CreateDistributedBuild,
	UploadMissingFiles,
	UploadTargetGraph,
	UploadBuckDotFiles,
	SetBuildToolVersion,
	MaterializeMinionLogs,
}

// RequiredStats must have a duration unless a client error was recorded.
// perform_local_build and post_build_analysis are required only after a
// local build; the minion-stats and log stats are optional.
var RequiredStats = []Stat{
	LocalPreparation,
	LocalGraphConstruction,
	PerformDistributedBuild,
	PostDistributedBuildLocalSteps,
	CreateDistributedBuild,
	UploadMissingFiles,
	UploadTargetGraph,
	UploadBuckDotFiles,
	SetBuildToolVersion,
}

var ErrIncomplete = errors.New("client stats incomplete")

// Stats is the summary produced by GenerateStats. Durations are in
// milliseconds; absent ones were never recorded.
type Stats struct {
	SessionID                string         `json:"stampede_id"`
	BuildLabel               string         `json:"build_label"`
	PerformedLocalBuild      bool           `json:"performed_local_build"`
	ClientError              bool           `json:"client_error"`
	ClientErrorMessage       *string        `json:"client_error_message,omitempty"`
	DistributedBuildExitCode *int           `json:"distributed_build_exit_code,omitempty"`
	LocalFallbackEnabled     *bool          `json:"local_fallback_build_enabled,omitempty"`
	LocalBuildExitCode       *int           `json:"local_build_exit_code,omitempty"`
	MissingFilesUploaded     *int64         `json:"missing_files_uploaded_count,omitempty"`
	DurationsMs              map[Stat]int64 `json:"durations_ms"`
}

// Tracker is safe for concurrent use. Only GenerateStats reports missing
// data; the recording methods never fail a build.
type Tracker struct {
	buildLabel string
	now        func() time.Time

	mu                   sync.Mutex
	started              map[Stat]time.Time
	durations            map[Stat]time.Duration
	sessionID            *string
	distExitCode         *int
	localFallbackEnabled *bool
	performedLocalBuild  bool
	clientError          bool
	localExitCode        *int
	missingFiles         *int64
	clientErrorMessage   *string
}

func NewTracker(buildLabel string) *Tracker {
	return &Tracker{
		buildLabel: buildLabel,
		now:        time.Now,
		started:    make(map[Stat]time.Time),
		durations:  make(map[Stat]time.Duration),
	}
}

// StartTimer (re)starts the stopwatch for stat.
func (t *Tracker) StartTimer(stat Stat) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started[stat] = t.now()
}

// StopTimer records the time since StartTimer(stat).
func (t *Tracker) StopTimer(stat Stat) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	start, ok := t.started[stat]
	if !ok {
		return fmt.Errorf("cannot stop timer for stat %s: it was not started", stat)
	}
	delete(t.started, stat)
	t.durations[stat] = t.now().Sub(start)
	return nil
}

// Time runs fn between StartTimer and StopTimer for stat.
func (t *Tracker) Time(stat Stat, fn func() error) error {
	t.StartTimer(stat)
	err := fn()
	_ = t.StopTimer(stat)
	return err
}

func (t *Tracker) SetDuration(stat Stat, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.durations[stat] = d
}

func (t *Tracker) SetSessionID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = &id
}

func (t *Tracker) HasSessionID() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID != nil
}

func (t *Tracker) SetDistributedBuildExitCode(code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.distExitCode = &code
}

func (t *Tracker) SetLocalFallbackEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localFallbackEnabled = &enabled
}

func (t *Tracker) SetPerformedLocalBuild(performed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.performedLocalBuild = performed
}

func (t *Tracker) SetLocalBuildExitCode(code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localExitCode = &code
}

func (t *Tracker) SetMissingFilesUploadedCount(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.missingFiles = &n
}

func (t *Tracker) SetClientError(failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clientError = failed
}

func (t *Tracker) SetClientErrorMessage(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clientErrorMessage = &msg
}

// GenerateStats builds the summary. It fails when the session id is unset,
// or when data expected for the recorded outcome is missing.
func (t *Tracker) GenerateStats() (Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessionID == nil {
		return Stats{}, fmt.Errorf("%w: session id not set", ErrIncomplete)
	}
	if t.clientError {
		if t.clientErrorMessage == nil {
			return Stats{}, fmt.Errorf("%w: client error recorded without a message", ErrIncomplete)
		}
	} else if err := t.checkComplete(); err != nil {
		return Stats{}, err
	}

	s := Stats{
		SessionID:                *t.sessionID,
		BuildLabel:               t.buildLabel,
		PerformedLocalBuild:      t.performedLocalBuild,
		ClientError:              t.clientError,
		ClientErrorMessage:       t.clientErrorMessage,
		DistributedBuildExitCode: t.distExitCode,
		LocalFallbackEnabled:     t.localFallbackEnabled,
		MissingFilesUploaded:     t.missingFiles,
		DurationsMs:              make(map[Stat]int64),
	}
	if t.performedLocalBuild {
		s.LocalBuildExitCode = t.localExitCode
	}
	for _, stat := range AllStats {
		if !t.performedLocalBuild && (stat == PerformLocalBuild || stat == PostBuildAnalysis) {
			continue
		}
		if d, ok := t.durations[stat]; ok {
			s.DurationsMs[stat] = d.Milliseconds()
		}
	}
	return s, nil
}

func (t *Tracker) checkComplete() error {
	var missing []string
	if t.distExitCode == nil {
		missing = append(missing, "distributed build exit code")
	}
	if t.localFallbackEnabled == nil {
		missing = append(missing, "local fallback flag")
	}
	if t.missingFiles == nil {
		missing = append(missing, "missing files count")
	}
	if t.performedLocalBuild {
		if t.localExitCode == nil {
			missing = append(missing, "local build exit code")
		}
		for _, stat := range []Stat{PerformLocalBuild, PostBuildAnalysis} {
			if _, ok := t.durations[stat]; !ok {
				missing = append(missing, "duration of "+string(stat))
			}
		}
	}
	for _, stat := range RequiredStats {
		if _, ok := t.durations[stat]; !ok {
			missing = append(missing, "duration of "+string(stat))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrIncomplete, missing)
	}
	return nil
}
