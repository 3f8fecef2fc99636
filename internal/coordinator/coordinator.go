// Package coordinator serves one build session: it hands work units to
// minions over RPC and absorbs their completion reports.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/stampede/internal/events"
	"github.com/msageha/stampede/internal/graph"
	"github.com/msageha/stampede/internal/logging"
	"github.com/msageha/stampede/internal/model"
	"github.com/msageha/stampede/internal/queue"
	"github.com/msageha/stampede/internal/rpc"
)

var (
	ErrSessionMismatch = errors.New("unknown session")
	ErrInvalidRequest  = errors.New("invalid request")
)

// CompletionChecker is an external signal that the build is over, for
// example a final status written by another process.
type CompletionChecker interface {
	IsFinished() bool
}

type Options struct {
	SessionID string
	Graph     *graph.Graph
	Config    model.CoordinatorConfig
	// Checker is optional.
	Checker CompletionChecker
	// Bus is optional; events are dropped without one.
	Bus    *events.Bus
	Logger *logging.Logger
}

type Coordinator struct {
	sessionID string
	queue     *queue.Queue
	cfg       model.CoordinatorConfig
	checker   CompletionChecker
	bus       *events.Bus
	logger    *logging.Logger
	metrics   *Metrics

	server      *rpc.Server
	metricsSrv  *http.Server
	metricsAddr net.Addr

	mu       sync.Mutex
	minions  map[string]map[string]struct{} // minion → assigned, unreported targets
	state    model.BuildState
	exitCode *int

	checks    singleflight.Group
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

func New(opts Options) (*Coordinator, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrInvalidRequest)
	}
	if opts.Graph == nil {
		return nil, fmt.Errorf("%w: nil graph", ErrInvalidRequest)
	}
	if opts.Config.MaxParallelWorkUnits <= 0 {
		opts.Config.MaxParallelWorkUnits = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	c := &Coordinator{
		sessionID: opts.SessionID,
		queue:     queue.New(opts.Graph),
		cfg:       opts.Config,
		checker:   opts.Checker,
		bus:       opts.Bus,
		logger:    logger,
		metrics:   NewMetrics(opts.SessionID),
		server:    rpc.NewServer(opts.Config.Listen),
		minions:   make(map[string]map[string]struct{}),
		state:     model.BuildInProgress,
		done:      make(chan struct{}),
	}
	c.metrics.TargetsOutstanding.Set(float64(c.queue.Len()))

	if opts.Config.ConnTimeoutSec > 0 {
		c.server.SetConnTimeout(time.Duration(opts.Config.ConnTimeoutSec) * time.Second)
	}
	c.server.SetLogger(logger.With("rpc"))
	c.registerHandlers()

	if c.queue.IsFullyBuilt() {
		c.finish(model.BuildSucceeded, 0)
	}
	return c, nil
}

func (c *Coordinator) SessionID() string { return c.sessionID }

func (c *Coordinator) Metrics() *Metrics { return c.metrics }

// Start binds the RPC listener and, when configured, the metrics endpoint.
func (c *Coordinator) Start() error {
	if err := c.server.Start(); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	c.logger.Log(logging.LevelInfo, "serving session=%s addr=%s targets=%d", c.sessionID, c.Addr(), c.queue.Len())

	if c.cfg.MetricsListen != "" {
		ln, err := net.Listen("tcp", c.cfg.MetricsListen)
		if err != nil {
			_ = c.server.Stop()
			return fmt.Errorf("listen metrics on %s: %w", c.cfg.MetricsListen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", c.metrics.Handler())
		c.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		c.metricsAddr = ln.Addr()
		go func() {
			if err := c.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Log(logging.LevelError, "metrics server: %v", err)
			}
		}()
		c.logger.Log(logging.LevelInfo, "metrics at http://%s/metrics", ln.Addr())
	}
	return nil
}

// Addr returns the bound RPC address in the form minions dial, or "" before
// Start.
func (c *Coordinator) Addr() string {
	a := c.server.Addr()
	if a == nil {
		return ""
	}
	return rpc.FormatAddress(a)
}

// Port returns the bound TCP port, or 0 for unix sockets and before Start.
func (c *Coordinator) Port() int {
	if tcp, ok := c.server.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// MetricsAddr returns the metrics listener address, or "" when disabled.
func (c *Coordinator) MetricsAddr() string {
	if c.metricsAddr == nil {
		return ""
	}
	return c.metricsAddr.String()
}

// Close releases the listeners. Safe to call more than once.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.server.Stop()
		if c.metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := c.metricsSrv.Shutdown(ctx); serr != nil && err == nil {
				err = serr
			}
		}
	})
	return err
}

// Done is closed once the build is finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// ExitCode returns the final exit code once the coordinator itself decided
// the outcome: 0 when every target finished, the reported code when a minion
// failed. ok is false while in progress, and when only the external checker
// declared the build finished.
func (c *Coordinator) ExitCode() (code int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitCode == nil {
		return 0, false
	}
	return *c.exitCode, true
}

func (c *Coordinator) checkSession(sessionID string) error {
	if sessionID != c.sessionID {
		return fmt.Errorf("%w: %q", ErrSessionMismatch, sessionID)
	}
	return nil
}

// RequestWorkUnits hands out at most maxUnits ready work units. maxUnits is
// clamped to [1, max_parallel_work_units]. An empty result means nothing is
// ready right now; it does not mean the build is over.
func (c *Coordinator) RequestWorkUnits(sessionID, minionID string, maxUnits int) ([]model.WorkUnit, error) {
	c.metrics.Requests.WithLabelValues(CmdRequestWorkUnits).Inc()
	if err := c.checkSession(sessionID); err != nil {
		return nil, err
	}
	if minionID == "" {
		return nil, fmt.Errorf("%w: empty minion id", ErrInvalidRequest)
	}

	if maxUnits < 1 {
		maxUnits = 1
	}
	if maxUnits > c.cfg.MaxParallelWorkUnits {
		maxUnits = c.cfg.MaxParallelWorkUnits
	}

	// A finished build hands out nothing, however it finished.
	select {
	case <-c.done:
		c.metrics.EmptyPolls.Inc()
		return []model.WorkUnit{}, nil
	default:
	}

	units := c.queue.DequeueNext(maxUnits)
	if len(units) == 0 {
		c.metrics.EmptyPolls.Inc()
		return units, nil
	}

	targets := model.FlattenWorkUnits(units)
	c.mu.Lock()
	assigned, ok := c.minions[minionID]
	if !ok {
		assigned = make(map[string]struct{})
		c.minions[minionID] = assigned
	}
	for _, t := range targets {
		assigned[t] = struct{}{}
	}
	c.mu.Unlock()

	c.metrics.WorkUnitsAssigned.Add(float64(len(units)))
	c.metrics.TargetsAssigned.Add(float64(len(targets)))
	c.publish(events.Event{Type: events.EventWorkUnitsAssigned, MinionID: minionID, Targets: targets})
	c.logger.Log(logging.LevelDebug, "assigned minion=%s units=%d targets=%v", minionID, len(units), targets)
	return units, nil
}

// ReportWorkUnitFinished marks targets finished and unlocks their
// dependents. Re-reporting a finished target is a no-op; an unknown or
// unassigned target rejects the whole report.
func (c *Coordinator) ReportWorkUnitFinished(sessionID, minionID string, targets []string) error {
	c.metrics.Requests.WithLabelValues(CmdReportWorkUnitFinished).Inc()
	if err := c.checkSession(sessionID); err != nil {
		return err
	}

	n, err := c.queue.Finish(targets)
	if err != nil {
		c.logger.Log(logging.LevelWarn, "rejected report minion=%s: %v", minionID, err)
		return err
	}

	c.mu.Lock()
	for _, assigned := range c.minions {
		for _, t := range targets {
			delete(assigned, t)
		}
	}
	c.mu.Unlock()

	c.metrics.TargetsFinished.Add(float64(n))
	c.metrics.TargetsOutstanding.Set(float64(c.queue.Len() - c.queue.Finished()))
	if n > 0 {
		c.publish(events.Event{Type: events.EventTargetsFinished, MinionID: minionID, Targets: targets})
	}
	c.logger.Log(logging.LevelDebug, "finished minion=%s targets=%v newly=%d", minionID, targets, n)

	if c.queue.IsFullyBuilt() {
		c.finish(model.BuildSucceeded, 0)
	}
	return nil
}

// IsBuildFinished is true once every target finished, a minion reported a
// failure, or the external checker says so. Concurrent external checks share
// one call.
func (c *Coordinator) IsBuildFinished(sessionID string) (bool, error) {
	c.metrics.Requests.WithLabelValues(CmdIsBuildFinished).Inc()
	if err := c.checkSession(sessionID); err != nil {
		return false, err
	}
	return c.isFinished(), nil
}

func (c *Coordinator) isFinished() bool {
	select {
	case <-c.done:
		return true
	default:
	}

	if c.queue.IsFullyBuilt() {
		c.finish(model.BuildSucceeded, 0)
		return true
	}
	if c.checker == nil {
		return false
	}

	v, _, _ := c.checks.Do("is_finished", func() (any, error) {
		return c.checker.IsFinished(), nil
	})
	if finished, _ := v.(bool); finished {
		c.finishExternally()
		return true
	}
	return false
}

// ReportBuildFailed records a minion's non-zero exit code. The first
// failure decides the session's exit code; later ones are logged only.
func (c *Coordinator) ReportBuildFailed(sessionID, minionID string, exitCode int) error {
	c.metrics.Requests.WithLabelValues(CmdReportBuildFailed).Inc()
	if err := c.checkSession(sessionID); err != nil {
		return err
	}
	if exitCode == 0 {
		return fmt.Errorf("%w: failure reported with exit code 0", ErrInvalidRequest)
	}

	code := exitCode
	c.publish(events.Event{Type: events.EventBuildFailed, MinionID: minionID, ExitCode: &code})
	c.logger.Log(logging.LevelWarn, "minion=%s reported build failure exit_code=%d", minionID, exitCode)
	c.finish(model.BuildFailed, exitCode)
	return nil
}

// GetBuildStatus returns the aggregate view of the session.
func (c *Coordinator) GetBuildStatus(sessionID string) (model.BuildStatus, error) {
	c.metrics.Requests.WithLabelValues(CmdGetBuildStatus).Inc()
	if err := c.checkSession(sessionID); err != nil {
		return model.BuildStatus{}, err
	}

	snap := c.queue.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	st := model.BuildStatus{
		SessionID: c.sessionID,
		State:     c.state,
		Targets:   snap.ByState(),
		Minions:   make(map[string]int, len(c.minions)),
	}
	if c.exitCode != nil {
		code := *c.exitCode
		st.ExitCode = &code
	}
	for m, assigned := range c.minions {
		st.Minions[m] = len(assigned)
	}
	return st, nil
}

// Minions lists every minion that received work, sorted.
func (c *Coordinator) Minions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.minions))
	for m := range c.minions {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// finish moves the build to a terminal state once; later calls are ignored.
func (c *Coordinator) finish(to model.BuildState, exitCode int) {
	c.mu.Lock()
	if model.IsBuildTerminal(c.state) {
		c.mu.Unlock()
		return
	}
	if err := model.ValidateBuildTransition(c.state, to); err != nil {
		c.mu.Unlock()
		c.logger.Log(logging.LevelError, "session=%s: %v", c.sessionID, err)
		return
	}
	c.state = to
	c.exitCode = &exitCode
	c.mu.Unlock()

	c.logger.Log(logging.LevelInfo, "session=%s %s exit_code=%d", c.sessionID, to, exitCode)
	c.markDone()
}

// finishExternally ends an unfinished build without an exit code of its
// own; the recorded status carries it.
func (c *Coordinator) finishExternally() {
	c.mu.Lock()
	if model.IsBuildTerminal(c.state) {
		c.mu.Unlock()
		return
	}
	c.state = model.BuildFinishedExternally
	c.mu.Unlock()

	c.logger.Log(logging.LevelInfo, "session=%s declared finished externally", c.sessionID)
	c.markDone()
}

func (c *Coordinator) markDone() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.metrics.TargetsOutstanding.Set(float64(c.queue.Len() - c.queue.Finished()))

		c.mu.Lock()
		var code *int
		if c.exitCode != nil {
			v := *c.exitCode
			code = &v
		}
		c.mu.Unlock()
		c.publish(events.Event{Type: events.EventBuildFinished, ExitCode: code})
	})
}

func (c *Coordinator) publish(ev events.Event) {
	if c.bus == nil {
		return
	}
	ev.SessionID = c.sessionID
	c.bus.Publish(ev)
}

func (c *Coordinator) registerHandlers() {
	c.server.Handle(CmdPing, func(req *rpc.Request) *rpc.Response {
		c.metrics.Requests.WithLabelValues(CmdPing).Inc()
		return rpc.SuccessResponse(PingResult{Status: "ok"})
	})

	c.server.Handle(CmdRequestWorkUnits, func(req *rpc.Request) *rpc.Response {
		var p RequestWorkUnitsParams
		if resp := decodeParams(req, &p); resp != nil {
			return resp
		}
		units, err := c.RequestWorkUnits(p.SessionID, p.MinionID, p.MaxUnits)
		if err != nil {
			return errorResponse(err)
		}
		return rpc.SuccessResponse(RequestWorkUnitsResult{WorkUnits: units})
	})

	c.server.Handle(CmdReportWorkUnitFinished, func(req *rpc.Request) *rpc.Response {
		var p ReportWorkUnitFinishedParams
		if resp := decodeParams(req, &p); resp != nil {
			return resp
		}
		if err := c.ReportWorkUnitFinished(p.SessionID, p.MinionID, p.Targets); err != nil {
			return errorResponse(err)
		}
		return rpc.SuccessResponse(AckResult{Acknowledged: true})
	})

	c.server.Handle(CmdIsBuildFinished, func(req *rpc.Request) *rpc.Response {
		var p SessionParams
		if resp := decodeParams(req, &p); resp != nil {
			return resp
		}
		finished, err := c.IsBuildFinished(p.SessionID)
		if err != nil {
			return errorResponse(err)
		}
		return rpc.SuccessResponse(IsBuildFinishedResult{Finished: finished})
	})

	c.server.Handle(CmdGetBuildStatus, func(req *rpc.Request) *rpc.Response {
		var p SessionParams
		if resp := decodeParams(req, &p); resp != nil {
			return resp
		}
		st, err := c.GetBuildStatus(p.SessionID)
		if err != nil {
			return errorResponse(err)
		}
		return rpc.SuccessResponse(st)
	})

	c.server.Handle(CmdReportBuildFailed, func(req *rpc.Request) *rpc.Response {
		var p ReportBuildFailedParams
		if resp := decodeParams(req, &p); resp != nil {
			return resp
		}
		if err := c.ReportBuildFailed(p.SessionID, p.MinionID, p.ExitCode); err != nil {
			return errorResponse(err)
		}
		return rpc.SuccessResponse(AckResult{Acknowledged: true})
	})
}

func decodeParams(req *rpc.Request, v any) *rpc.Response {
	if len(req.Params) == 0 {
		return rpc.ErrorResponse(rpc.ErrCodeValidation, "missing params")
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return rpc.ErrorResponse(rpc.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}

func errorResponse(err error) *rpc.Response {
	switch {
	case errors.Is(err, ErrSessionMismatch):
		return rpc.ErrorResponse(rpc.ErrCodeNotFound, err.Error())
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, queue.ErrUnknownTarget),
		errors.Is(err, queue.ErrNotAssigned):
		return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
	default:
		return rpc.ErrorResponse(rpc.ErrCodeInternal, err.Error())
	}
}
