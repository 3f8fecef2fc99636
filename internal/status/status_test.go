package status

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/stampede/internal/buildstatus"
	"github.com/msageha/stampede/internal/coordinator"
	"github.com/msageha/stampede/internal/graph"
	"github.com/msageha/stampede/internal/model"
)

const session = "stampede-status"

func newStore(t *testing.T) *buildstatus.Store {
	t.Helper()
	return buildstatus.NewStore(filepath.Join(t.TempDir(), "status"))
}

func TestCollect_ListsRecordedSessions(t *testing.T) {
	store := newStore(t)
	_, err := store.Put("stampede-b", 2, buildstatus.SourceRemote)
	require.NoError(t, err)
	_, err = store.Put("stampede-a", 0, buildstatus.SourceCoordinator)
	require.NoError(t, err)

	r, err := Collect(context.Background(), Options{Store: store})
	require.NoError(t, err)
	require.Len(t, r.Sessions, 2)
	assert.Equal(t, "stampede-a", r.Sessions[0].SessionID)
	assert.Equal(t, 2, r.Sessions[1].ExitCode)
	assert.Nil(t, r.Coordinator)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, r, false))
	assert.Contains(t, buf.String(), "stampede-a")
	assert.Contains(t, buf.String(), "remote")
}

func TestCollect_SingleSessionNotRecorded(t *testing.T) {
	r, err := Collect(context.Background(), Options{Store: newStore(t), SessionID: session})
	require.NoError(t, err)
	assert.Empty(t, r.Sessions)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, r, false))
	assert.Contains(t, buf.String(), "none recorded")
}

func TestCollect_LiveCoordinator(t *testing.T) {
	g, err := graph.New([]string{"a", "b", "top"}, map[string][]string{"top": {"a", "b"}})
	require.NoError(t, err)
	c, err := coordinator.New(coordinator.Options{
		SessionID: session,
		Graph:     g,
		Config:    model.CoordinatorConfig{Listen: "127.0.0.1:0", MaxParallelWorkUnits: 4},
	})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Close()

	units, err := c.RequestWorkUnits(session, "minion-1", 1)
	require.NoError(t, err)
	require.Len(t, units, 1)

	r, err := Collect(context.Background(), Options{
		Store:           newStore(t),
		SessionID:       session,
		CoordinatorAddr: c.Addr(),
		Timeout:         2 * time.Second,
	})
	require.NoError(t, err)
	require.NotNil(t, r.Coordinator)
	assert.True(t, r.Coordinator.Reachable)
	require.NotNil(t, r.Coordinator.Build)
	assert.Equal(t, model.BuildInProgress, r.Coordinator.Build.State)
	assert.Equal(t, 1, r.Coordinator.Build.Targets[model.TargetAssigned])
	assert.Equal(t, 1, r.Coordinator.Build.Minions["minion-1"])

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, r, true))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded, "coordinator")

	buf.Reset()
	require.NoError(t, Write(&buf, r, false))
	assert.Contains(t, buf.String(), "(reachable)")
	assert.Contains(t, buf.String(), "minion-1")
}

func TestCollect_UnreachableCoordinator(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	r, err := Collect(context.Background(), Options{SessionID: session, CoordinatorAddr: addr, Timeout: time.Second})
	require.NoError(t, err)
	require.NotNil(t, r.Coordinator)
	assert.False(t, r.Coordinator.Reachable)
	assert.NotEmpty(t, r.Coordinator.Error)
}

func TestCollect_CoordinatorNeedsSession(t *testing.T) {
	_, err := Collect(context.Background(), Options{CoordinatorAddr: "127.0.0.1:1"})
	assert.Error(t, err)
}
