package yaml

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Header  `yaml:",inline"`
	Session string         `yaml:"session"`
	Counts  map[string]int `yaml:"counts"`
}

func TestWriteFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "status.yaml")

	in := doc{Header: NewHeader(FileTypeBuildStatus), Session: "stampede-1", Counts: map[string]int{"finished": 3}}
	require.NoError(t, WriteFile(path, in))

	var out doc
	require.NoError(t, ReadFile(path, &out))
	assert.Equal(t, in, out)
	assert.NoError(t, out.Validate(FileTypeBuildStatus))
}

func TestWriteFile_KeepsBackupAndNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.yaml")

	require.NoError(t, WriteFile(path, doc{Session: "v1"}))
	require.NoError(t, WriteFile(path, doc{Session: "v2"}))

	var bak doc
	require.NoError(t, ReadFile(path+BackupSuffix, &bak))
	assert.Equal(t, "v1", bak.Session)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".stampede-tmp-"), "leftover temp file %s", e.Name())
	}
}

func TestWriteRaw_RejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.yaml")
	require.NoError(t, WriteRaw(path, []byte("session: ok\n")))

	err := WriteRaw(path, []byte("session: [unterminated\n"))
	require.Error(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "session: ok\n", string(content))
}

func TestReadFile_Missing(t *testing.T) {
	var out doc
	err := ReadFile(filepath.Join(t.TempDir(), "absent.yaml"), &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.False(t, IsCorrupt(err))
}

func TestReadFileRecover_UsesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.yaml")

	require.NoError(t, WriteFile(path, doc{Session: "good"}))
	require.NoError(t, WriteFile(path, doc{Session: "newer"}))
	require.NoError(t, os.WriteFile(path, []byte("session: [broken\n"), 0644))

	var out doc
	recovered, err := ReadFileRecover(path, &out)
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Equal(t, "good", out.Session)

	quarantined, err := os.ReadDir(filepath.Join(dir, QuarantineDir))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)

	// The restored file is readable again without recovery.
	var again doc
	require.NoError(t, ReadFile(path, &again))
	assert.Equal(t, "good", again.Session)
}

func TestReadFileRecover_NoBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session: [broken\n"), 0644))

	var out doc
	recovered, err := ReadFileRecover(path, &out)
	assert.Error(t, err)
	assert.False(t, recovered)
}

func TestReadFileRecover_Healthy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.yaml")
	require.NoError(t, WriteFile(path, doc{Session: "fine"}))

	var out doc
	recovered, err := ReadFileRecover(path, &out)
	require.NoError(t, err)
	assert.False(t, recovered)
	assert.Equal(t, "fine", out.Session)
}

func TestHeaderValidate(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
		wantErr  bool
	}{
		{"valid", "schema_version: 1\nfile_type: build_status\n", FileTypeBuildStatus, false},
		{"any type accepted", "schema_version: 1\nfile_type: target_graph\n", "", false},
		{"zero version", "schema_version: 0\nfile_type: build_status\n", "", true},
		{"future version", "schema_version: 2\nfile_type: build_status\n", "", true},
		{"missing type", "schema_version: 1\n", "", true},
		{"unknown type", "schema_version: 1\nfile_type: queue_task\n", "", true},
		{"mismatch", "schema_version: 1\nfile_type: target_graph\n", FileTypeBuildStatus, true},
		{"not yaml", "[", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHeaderBytes([]byte(tt.content), tt.expected)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
