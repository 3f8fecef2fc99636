package coordinator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/stampede/internal/events"
	"github.com/msageha/stampede/internal/graph"
	"github.com/msageha/stampede/internal/model"
	"github.com/msageha/stampede/internal/queue"
	"github.com/msageha/stampede/internal/rpc"
)

const session = "stampede-test"

func diamond(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.New([]string{"X", "P", "Q", "Y"}, map[string][]string{
		"P": {"X"},
		"Q": {"X"},
		"Y": {"P", "Q"},
	})
	require.NoError(t, err)
	return g
}

func newCoordinator(t *testing.T, g *graph.Graph, opts ...func(*Options)) *Coordinator {
	t.Helper()
	o := Options{
		SessionID: session,
		Graph:     g,
		Config:    model.CoordinatorConfig{Listen: "127.0.0.1:0", MaxParallelWorkUnits: 10},
	}
	for _, fn := range opts {
		fn(&o)
	}
	c, err := New(o)
	require.NoError(t, err)
	return c
}

func startCoordinator(t *testing.T, g *graph.Graph, opts ...func(*Options)) *Coordinator {
	t.Helper()
	c := newCoordinator(t, g, opts...)
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Close() })
	return c
}

func targets(units []model.WorkUnit) [][]string {
	out := make([][]string, 0, len(units))
	for _, u := range units {
		out = append(out, u.Targets)
	}
	return out
}

type checkerFunc func() bool

func (f checkerFunc) IsFinished() bool { return f() }

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Graph: diamond(t)})
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = New(Options{SessionID: session})
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestDiamondSchedule(t *testing.T) {
	c := newCoordinator(t, diamond(t))

	units, err := c.RequestWorkUnits(session, "m1", 10)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"X"}}, targets(units))

	units, err = c.RequestWorkUnits(session, "m1", 10)
	require.NoError(t, err)
	assert.Empty(t, units, "nothing is ready while X is assigned")

	require.NoError(t, c.ReportWorkUnitFinished(session, "m1", []string{"X"}))
	units, err = c.RequestWorkUnits(session, "m1", 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]string{{"P"}, {"Q"}}, targets(units))

	require.NoError(t, c.ReportWorkUnitFinished(session, "m1", []string{"P", "Q"}))
	units, err = c.RequestWorkUnits(session, "m1", 10)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Y"}}, targets(units))

	finished, err := c.IsBuildFinished(session)
	require.NoError(t, err)
	assert.False(t, finished)

	require.NoError(t, c.ReportWorkUnitFinished(session, "m1", []string{"Y"}))
	finished, err = c.IsBuildFinished(session)
	require.NoError(t, err)
	assert.True(t, finished)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after the last report")
	}
	code, ok := c.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 0, code)
}

func TestRequestWorkUnits_ClampsMaxUnits(t *testing.T) {
	g, err := graph.New([]string{"a", "b", "c", "d"}, nil)
	require.NoError(t, err)
	c := newCoordinator(t, g, func(o *Options) { o.Config.MaxParallelWorkUnits = 2 })

	units, err := c.RequestWorkUnits(session, "m1", 0)
	require.NoError(t, err)
	assert.Len(t, units, 1, "max units below one is treated as one")

	units, err = c.RequestWorkUnits(session, "m1", 100)
	require.NoError(t, err)
	assert.Len(t, units, 2, "capped by max_parallel_work_units")
}

func TestSessionMismatch(t *testing.T) {
	c := newCoordinator(t, diamond(t))

	_, err := c.RequestWorkUnits("other", "m1", 1)
	assert.True(t, errors.Is(err, ErrSessionMismatch))
	assert.True(t, errors.Is(c.ReportWorkUnitFinished("other", "m1", []string{"X"}), ErrSessionMismatch))
	_, err = c.IsBuildFinished("other")
	assert.True(t, errors.Is(err, ErrSessionMismatch))
	_, err = c.GetBuildStatus("other")
	assert.True(t, errors.Is(err, ErrSessionMismatch))
	assert.True(t, errors.Is(c.ReportBuildFailed("other", "m1", 1), ErrSessionMismatch))
}

func TestReportWorkUnitFinished_ContractViolations(t *testing.T) {
	c := newCoordinator(t, diamond(t))

	err := c.ReportWorkUnitFinished(session, "m1", []string{"nope"})
	assert.True(t, errors.Is(err, queue.ErrUnknownTarget))

	err = c.ReportWorkUnitFinished(session, "m1", []string{"X"})
	assert.True(t, errors.Is(err, queue.ErrNotAssigned))
}

func TestReportBuildFailed(t *testing.T) {
	bus := events.NewBus(16)
	var failed, finished atomic.Int32
	bus.Subscribe(events.EventBuildFailed, func(events.Event) { failed.Add(1) })
	bus.Subscribe(events.EventBuildFinished, func(events.Event) { finished.Add(1) })

	c := newCoordinator(t, diamond(t), func(o *Options) { o.Bus = bus })
	_, err := c.RequestWorkUnits(session, "m1", 1)
	require.NoError(t, err)

	assert.True(t, errors.Is(c.ReportBuildFailed(session, "m1", 0), ErrInvalidRequest))

	require.NoError(t, c.ReportBuildFailed(session, "m1", 4))
	require.NoError(t, c.ReportBuildFailed(session, "m2", 9))

	done, err := c.IsBuildFinished(session)
	require.NoError(t, err)
	assert.True(t, done)

	code, ok := c.ExitCode()
	require.True(t, ok)
	assert.Equal(t, 4, code, "first failure decides the exit code")

	units, err := c.RequestWorkUnits(session, "m3", 10)
	require.NoError(t, err)
	assert.Empty(t, units, "no work is handed out after a failure")

	st, err := c.GetBuildStatus(session)
	require.NoError(t, err)
	assert.Equal(t, model.BuildFailed, st.State)
	assert.Equal(t, 1, st.Targets[model.TargetAssigned], "targets are not marked failed")

	bus.Close()
	assert.Equal(t, int32(2), failed.Load())
	assert.Equal(t, int32(1), finished.Load())
}

func TestIsBuildFinished_ExternalChecker(t *testing.T) {
	var external atomic.Bool
	var calls atomic.Int32
	c := newCoordinator(t, diamond(t), func(o *Options) {
		o.Checker = checkerFunc(func() bool {
			calls.Add(1)
			return external.Load()
		})
	})

	finished, err := c.IsBuildFinished(session)
	require.NoError(t, err)
	assert.False(t, finished)

	external.Store(true)
	finished, err = c.IsBuildFinished(session)
	require.NoError(t, err)
	assert.True(t, finished)

	_, ok := c.ExitCode()
	assert.False(t, ok, "external completion does not invent an exit code")

	before := calls.Load()
	finished, err = c.IsBuildFinished(session)
	require.NoError(t, err)
	assert.True(t, finished)
	assert.Equal(t, before, calls.Load(), "checker is not consulted once done")
}

func TestExternalFinishStopsAssignment(t *testing.T) {
	g, err := graph.New([]string{"a", "b"}, nil)
	require.NoError(t, err)
	c := newCoordinator(t, g, func(o *Options) {
		o.Checker = checkerFunc(func() bool { return true })
	})

	finished, err := c.IsBuildFinished(session)
	require.NoError(t, err)
	require.True(t, finished)

	units, err := c.RequestWorkUnits(session, "m1", 5)
	require.NoError(t, err)
	assert.Empty(t, units)

	st, err := c.GetBuildStatus(session)
	require.NoError(t, err)
	assert.Equal(t, model.BuildFinishedExternally, st.State)
	assert.Nil(t, st.ExitCode)
	assert.Equal(t, 2, st.Targets[model.TargetReady])
	assert.Empty(t, st.Minions)
}

func TestIsBuildFinished_CoalescesChecks(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	c := newCoordinator(t, diamond(t), func(o *Options) {
		o.Checker = checkerFunc(func() bool {
			calls.Add(1)
			<-release
			return false
		})
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.IsBuildFinished(session)
		}()
	}
	// Give the goroutines time to join the in-flight check.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Less(t, calls.Load(), int32(8))
}

func TestEmptyGraphIsFinished(t *testing.T) {
	g, err := graph.New(nil, nil)
	require.NoError(t, err)
	c := newCoordinator(t, g)

	finished, err := c.IsBuildFinished(session)
	require.NoError(t, err)
	assert.True(t, finished)

	units, err := c.RequestWorkUnits(session, "m1", 5)
	require.NoError(t, err)
	assert.NotNil(t, units)
	assert.Empty(t, units)
}

func TestGetBuildStatus(t *testing.T) {
	c := newCoordinator(t, diamond(t))
	_, err := c.RequestWorkUnits(session, "m1", 1)
	require.NoError(t, err)

	st, err := c.GetBuildStatus(session)
	require.NoError(t, err)
	assert.Equal(t, session, st.SessionID)
	assert.Equal(t, model.BuildInProgress, st.State)
	assert.Nil(t, st.ExitCode)
	assert.Equal(t, 1, st.Targets[model.TargetAssigned])
	assert.Equal(t, 3, st.Targets[model.TargetUnstarted])
	assert.Equal(t, map[string]int{"m1": 1}, st.Minions)

	require.NoError(t, c.ReportWorkUnitFinished(session, "m1", []string{"X"}))
	st, err = c.GetBuildStatus(session)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"m1": 0}, st.Minions)
	assert.Equal(t, []string{"m1"}, c.Minions())
}

func TestMetrics(t *testing.T) {
	c := newCoordinator(t, diamond(t))
	m := c.Metrics()

	assert.Equal(t, float64(4), testutil.ToFloat64(m.TargetsOutstanding))

	_, _ = c.RequestWorkUnits(session, "m1", 10)
	_, _ = c.RequestWorkUnits(session, "m1", 10)
	require.NoError(t, c.ReportWorkUnitFinished(session, "m1", []string{"X"}))
	require.NoError(t, c.ReportWorkUnitFinished(session, "m1", []string{"X"}))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkUnitsAssigned))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TargetsAssigned))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EmptyPolls))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TargetsFinished), "duplicate reports are not counted")
	assert.Equal(t, float64(3), testutil.ToFloat64(m.TargetsOutstanding))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Requests.WithLabelValues(CmdRequestWorkUnits)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Requests.WithLabelValues(CmdReportWorkUnitFinished)))
}

func TestMetricsEndpoint(t *testing.T) {
	c := startCoordinator(t, diamond(t), func(o *Options) { o.Config.MetricsListen = "127.0.0.1:0" })
	require.NotEmpty(t, c.MetricsAddr())

	_, err := c.RequestWorkUnits(session, "m1", 1)
	require.NoError(t, err)

	resp, err := http.Get("http://" + c.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "stampede_work_units_assigned_total"))
}

func TestRPC_FullBuild(t *testing.T) {
	c := startCoordinator(t, diamond(t))
	assert.NotZero(t, c.Port())

	ctx := context.Background()
	client := NewClient(c.Addr(), session, "minion-1", 5*time.Second)
	require.NoError(t, client.Ping(ctx))

	var order []string
	for {
		units, err := client.RequestWorkUnits(ctx, 10)
		require.NoError(t, err)
		if len(units) == 0 {
			finished, err := client.IsBuildFinished(ctx)
			require.NoError(t, err)
			if finished {
				break
			}
			t.Fatal("no work while unfinished with a single minion")
		}
		batch := model.FlattenWorkUnits(units)
		order = append(order, batch...)
		require.NoError(t, client.ReportWorkUnitFinished(ctx, batch))
	}

	require.Len(t, order, 4)
	assert.Equal(t, "X", order[0])
	assert.Equal(t, "Y", order[3])

	st, err := client.GetBuildStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BuildSucceeded, st.State)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 0, *st.ExitCode)
	assert.Equal(t, 4, st.Targets[model.TargetFinished])
}

func TestRPC_ErrorCodes(t *testing.T) {
	c := startCoordinator(t, diamond(t))
	ctx := context.Background()

	wrong := NewClient(c.Addr(), "other", "m1", 5*time.Second)
	_, err := wrong.RequestWorkUnits(ctx, 1)
	assert.Equal(t, rpc.ErrCodeNotFound, rpc.RemoteCode(err))

	client := NewClient(c.Addr(), session, "m1", 5*time.Second)
	err = client.ReportWorkUnitFinished(ctx, []string{"X"})
	assert.Equal(t, rpc.ErrCodeValidation, rpc.RemoteCode(err))

	err = client.ReportWorkUnitFinished(ctx, []string{"missing"})
	assert.Equal(t, rpc.ErrCodeValidation, rpc.RemoteCode(err))

	anon := NewClient(c.Addr(), session, "", 5*time.Second)
	_, err = anon.RequestWorkUnits(ctx, 1)
	assert.Equal(t, rpc.ErrCodeValidation, rpc.RemoteCode(err))

	raw := rpc.NewClient(c.Addr())
	err = raw.Call(CmdRequestWorkUnits, nil, nil)
	assert.Equal(t, rpc.ErrCodeValidation, rpc.RemoteCode(err))
}

func TestRPC_ReportBuildFailed(t *testing.T) {
	c := startCoordinator(t, diamond(t))
	ctx := context.Background()
	client := NewClient(c.Addr(), session, "m1", 5*time.Second)

	require.NoError(t, client.ReportBuildFailed(ctx, 2))
	finished, err := client.IsBuildFinished(ctx)
	require.NoError(t, err)
	assert.True(t, finished)
}

func TestRPC_ConcurrentMinionsNoDoubleAssignment(t *testing.T) {
	names := []string{"root"}
	deps := map[string][]string{}
	for i := 0; i < 40; i++ {
		n := "leaf" + string(rune('A'+i%26)) + string(rune('a'+i/26))
		names = append(names, n)
		deps[n] = []string{"root"}
	}
	g, err := graph.New(names, deps)
	require.NoError(t, err)
	c := startCoordinator(t, g, func(o *Options) { o.Config.MaxParallelWorkUnits = 3 })

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ctx := context.Background()
			client := NewClient(c.Addr(), session, "m"+string(rune('0'+id)), 5*time.Second)
			for {
				units, err := client.RequestWorkUnits(ctx, 3)
				if !assert.NoError(t, err) {
					return
				}
				if len(units) == 0 {
					finished, err := client.IsBuildFinished(ctx)
					if !assert.NoError(t, err) || finished {
						return
					}
					time.Sleep(5 * time.Millisecond)
					continue
				}
				batch := model.FlattenWorkUnits(units)
				mu.Lock()
				for _, tgt := range batch {
					seen[tgt]++
				}
				mu.Unlock()
				if !assert.NoError(t, client.ReportWorkUnitFinished(ctx, batch)) {
					return
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, seen, len(names))
	for tgt, n := range seen {
		assert.Equal(t, 1, n, "target %s assigned %d times", tgt, n)
	}
	_, ok := c.ExitCode()
	assert.True(t, ok)
}
