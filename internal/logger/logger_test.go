package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWriters_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{Dir: dir}}
	outW, errW, err := cfg.ServiceWriters("postgres")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)

	_, _ = outW.Write([]byte("database system is ready\n"))
	_, _ = errW.Write([]byte("LOG: listening\n"))
	closeIf(outW)
	closeIf(errW)

	assert.FileExists(t, filepath.Join(dir, "postgres.stdout.log"))
	assert.FileExists(t, filepath.Join(dir, "postgres.stderr.log"))
}

func TestWriters_CreatesDirFirst(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	cfg := Config{File: FileConfig{Dir: dir}}
	outW, errW, err := cfg.ServiceWriters("backend")
	require.NoError(t, err)
	defer closeIf(outW)
	defer closeIf(errW)
	assert.DirExists(t, dir, "created before anything is written")
}

func TestWriters_UnusableDir(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	cfg := Config{File: FileConfig{Dir: filepath.Join(blocker, "logs")}}
	outW, errW, err := cfg.ServiceWriters("backend")
	require.Error(t, err)
	assert.Nil(t, outW)
	assert.Nil(t, errW)
}

func TestWriters_WithExplicitPaths(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "s.out.log")
	ep := filepath.Join(dir, "s.err.log")
	cfg := Config{File: FileConfig{StdoutPath: sp, StderrPath: ep}}
	outW, errW, err := cfg.ServiceWriters("ignored-name")
	require.NoError(t, err)
	_, _ = outW.Write([]byte("x"))
	_, _ = errW.Write([]byte("y"))
	closeIf(outW)
	closeIf(errW)
	assert.FileExists(t, sp)
	assert.FileExists(t, ep)
}

func TestWriters_Defaults(t *testing.T) {
	cfg := Config{}
	outW, errW, _ := cfg.ServiceWriters("n")
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers when no Dir/stdout/stderr set")
	}

	cfg = Config{File: FileConfig{StdoutPath: "x", StderrPath: "y"}}
	outW, errW, _ = cfg.ServiceWriters("n")
	ol, ok1 := outW.(*lj.Logger)
	el, ok2 := errW.(*lj.Logger)
	if !ok1 || !ok2 {
		t.Fatalf("writers are not lumberjack.Logger")
	}
	if ol.MaxSize != 10 || ol.MaxBackups != 3 || ol.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", ol.MaxSize, ol.MaxBackups, ol.MaxAge)
	}
	if el.MaxSize != 10 || el.MaxBackups != 3 || el.MaxAge != 7 {
		t.Fatalf("unexpected defaults (stderr): size=%d backups=%d age=%d", el.MaxSize, el.MaxBackups, el.MaxAge)
	}
}

func TestWriters_Overrides(t *testing.T) {
	cfg := Config{File: FileConfig{StdoutPath: "x2", StderrPath: "y2", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}
	outW, errW, _ := cfg.ServiceWriters("n")
	ol := outW.(*lj.Logger)
	el := errW.(*lj.Logger)
	for _, l := range []*lj.Logger{ol, el} {
		assert.Equal(t, 1, l.MaxSize)
		assert.Equal(t, 9, l.MaxBackups)
		assert.Equal(t, 11, l.MaxAge)
		assert.True(t, l.Compress)
	}
}

func TestWriters_OnlyOneStream(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{StdoutPath: filepath.Join(dir, "only-stdout.log")}}
	outW, errW, _ := cfg.ServiceWriters("n")
	if outW == nil || errW != nil {
		t.Fatalf("expected stdout writer only")
	}
	_, _ = outW.Write([]byte("a"))
	closeIf(outW)
	if _, err := os.Stat(filepath.Join(dir, "only-stdout.log")); err != nil {
		t.Fatalf("stdout not created: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNew_JSONToConsole(t *testing.T) {
	var buf bytes.Buffer
	l, c := New(Config{Format: "json", Level: "debug"}, &buf)
	defer closeIf(c)
	l.Debug("spawned", "service", "backend", "port", 5001)
	out := buf.String()
	assert.Contains(t, out, `"msg":"spawned"`)
	assert.Contains(t, out, `"port":5001`)
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(Config{Level: "warn"}, &buf)
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_FileDirTeesOutput(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	l, c := New(Config{File: FileConfig{Dir: dir}}, &buf)
	l.Info("all services ready")
	require.NoError(t, c.Close())

	data, err := os.ReadFile(filepath.Join(dir, "stackup.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "all services ready")
	assert.Contains(t, buf.String(), "all services ready")
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, nil, false)).With("service", "postgres")
	l.Error("spawn failed")
	out := buf.String()
	assert.True(t, strings.Contains(out, "\033[31mERROR\033[0m"), out)
	assert.Contains(t, out, "service=postgres")
	assert.NotContains(t, out, "time=")
}
