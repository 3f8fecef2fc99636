package events

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger_WriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	logger, err := NewAuditLogger(path, 0)
	require.NoError(t, err)

	code := 3
	require.NoError(t, logger.Record(Event{
		Type:      EventWorkUnitsAssigned,
		SessionID: "stampede-1",
		MinionID:  "minion-1",
		Targets:   []string{"//a:a", "//a:b"},
	}))
	require.NoError(t, logger.Record(Event{
		Type:      EventBuildFailed,
		SessionID: "stampede-1",
		MinionID:  "minion-1",
		ExitCode:  &code,
	}))
	require.NoError(t, logger.Close())

	entries, err := ReadEntries(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "work_units_assigned", entries[0].EventType)
	assert.Equal(t, []string{"//a:a", "//a:b"}, entries[0].Targets)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Nil(t, entries[0].ExitCode)

	assert.Equal(t, "build_failed", entries[1].EventType)
	require.NotNil(t, entries[1].ExitCode)
	assert.Equal(t, 3, *entries[1].ExitCode)
}

func TestAuditLogger_AppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	for i := 0; i < 2; i++ {
		logger, err := NewAuditLogger(path, 0)
		require.NoError(t, err)
		require.NoError(t, logger.Record(Event{Type: EventBuildFinished, SessionID: "s"}))
		require.NoError(t, logger.Close())
	}

	entries, err := ReadEntries(path)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAuditLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	logger, err := NewAuditLogger(path, 200)
	require.NoError(t, err)
	defer logger.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, logger.Record(Event{
			Type:      EventTargetsFinished,
			SessionID: "stampede-rotation",
			Targets:   []string{"//pkg:target"},
		}))
	}

	archived, err := os.ReadDir(filepath.Join(dir, ArchiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(200))
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(path, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				assert.NoError(t, logger.Record(Event{Type: EventTargetsFinished, SessionID: "s"}))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, logger.Close())

	entries, err := ReadEntries(path)
	require.NoError(t, err)
	assert.Len(t, entries, 200)
}

func TestAuditLogger_WriteAfterClose(t *testing.T) {
	logger, err := NewAuditLogger(filepath.Join(t.TempDir(), "audit.jsonl"), 0)
	require.NoError(t, err)
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	assert.Error(t, logger.Record(Event{Type: EventBuildFinished}))
}

func TestAuditLogger_AttachToBus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(path, 0)
	require.NoError(t, err)

	bus := NewBus(16)
	logger.Attach(bus, func(err error) { t.Errorf("audit write: %v", err) })

	bus.Publish(Event{Type: EventWorkUnitsAssigned, SessionID: "s", Targets: []string{"A"}})
	bus.Publish(Event{Type: EventTargetsFinished, SessionID: "s", Targets: []string{"A"}})
	bus.Publish(Event{Type: EventBuildFinished, SessionID: "s", Timestamp: time.Unix(100, 0).UTC()})
	bus.Close()
	require.NoError(t, logger.Close())

	entries, err := ReadEntries(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	types := map[string]bool{}
	for _, e := range entries {
		types[e.EventType] = true
	}
	assert.True(t, types["work_units_assigned"])
	assert.True(t, types["targets_finished"])
	assert.True(t, types["build_finished"])
}

func TestReadEntries_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	content := `{"timestamp":"2026-01-01T00:00:00Z","event_type":"build_finished"}` + "\n" + "not json\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	entries, err := ReadEntries(path)
	assert.Error(t, err)
	assert.Len(t, entries, 1)
}
