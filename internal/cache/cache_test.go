package cache

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackup/internal/errs"
)

func TestDefault(t *testing.T) {
	d := Default()
	assert.Equal(t, 5433, d.DatabasePort)
	assert.Equal(t, 5001, d.BackendPort)
	assert.Equal(t, 1, d.SchemaVersion)
	assert.Nil(t, d.LastSuccessfulStartup)
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg.MarkSuccessfulStartup(5436, 5004, at)
	require.NoError(t, Save(dir, cfg))

	got := Load(dir)
	assert.Equal(t, 5436, got.DatabasePort)
	assert.Equal(t, 5004, got.BackendPort)
	ts, ok := got.LastStartup()
	require.True(t, ok)
	assert.True(t, ts.Equal(at))
}

func TestLoadMissingCorruptAndVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, Default(), Load(dir))

	require.NoError(t, os.WriteFile(Path(dir), []byte("{not json"), 0o600))
	assert.Equal(t, Default(), Load(dir))

	require.NoError(t, os.WriteFile(Path(dir), []byte(`{"postgres_port":6000,"backend_port":6001,"schema_version":2}`), 0o600))
	assert.Equal(t, Default(), Load(dir))
}

func TestLoadRejectsUnusablePorts(t *testing.T) {
	dir := t.TempDir()
	for _, body := range []string{
		`{"postgres_port":70000,"backend_port":5001,"last_successful_startup":1700000000,"schema_version":1}`,
		`{"postgres_port":5433,"backend_port":-1,"last_successful_startup":1700000000,"schema_version":1}`,
		`{"postgres_port":0,"backend_port":5001,"last_successful_startup":1700000000,"schema_version":1}`,
		`{"postgres_port":443,"backend_port":5001,"last_successful_startup":1700000000,"schema_version":1}`,
	} {
		require.NoError(t, os.WriteFile(Path(dir), []byte(body), 0o600))
		assert.Equal(t, Default(), Load(dir), body)
	}
}

func TestSaveCreatesDirAndLeavesNoTemp(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	require.NoError(t, Save(dir, Default()))
	require.NoError(t, Save(dir, Default()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())
}

func TestSavePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	dir := t.TempDir()
	require.NoError(t, Save(dir, Default()))
	fi, err := os.Stat(Path(dir))
	require.NoError(t, err)
	assert.Equal(t, FileMode, fi.Mode().Perm())
}

func TestOnDiskFieldNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, Default()))
	b, err := os.ReadFile(Path(dir))
	require.NoError(t, err)
	for _, k := range []string{`"postgres_port"`, `"backend_port"`, `"last_successful_startup"`, `"schema_version"`} {
		assert.Contains(t, string(b), k)
	}
}

func TestValidateFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir), []byte(`{"postgres_port":80,"backend_port":5001,"schema_version":1}`), 0o600))
	_, err := ValidateFile(Path(dir))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConfig))

	require.NoError(t, Save(dir, Default()))
	cfg, err := ValidateFile(Path(dir))
	require.NoError(t, err)
	assert.Equal(t, 5433, cfg.DatabasePort)

	_, err = ValidateFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
