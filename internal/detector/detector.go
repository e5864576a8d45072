// Package detector decides whether a pid file left in a data directory still
// names a running server.
package detector

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PIDFile is the parsed head of a postmaster.pid style file: the pid on the
// first line, the data directory on the second and the start time in Unix
// seconds on the third. Port is read from the fourth line when present.
type PIDFile struct {
	Path      string
	PID       int
	DataDir   string
	StartUnix int64
	Port      int
}

// ErrNoPIDFile is returned by Read when the file does not exist.
var ErrNoPIDFile = errors.New("no pid file")

func Read(path string) (PIDFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return PIDFile{}, ErrNoPIDFile
		}
		return PIDFile{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return PIDFile{}, fmt.Errorf("invalid pid in %s", path)
	}
	f := PIDFile{Path: path, PID: pid}
	if len(lines) > 1 {
		f.DataDir = strings.TrimSpace(lines[1])
	}
	if len(lines) > 2 {
		f.StartUnix, _ = strconv.ParseInt(strings.TrimSpace(lines[2]), 10, 64)
	}
	if len(lines) > 3 {
		f.Port, _ = strconv.Atoi(strings.TrimSpace(lines[3]))
	}
	return f, nil
}

// Alive reports whether the recorded process still runs. A live pid whose
// start time differs from the recorded one by more than a second was reused
// by an unrelated process and counts as dead.
func (f PIDFile) Alive() bool {
	if !pidAlive(f.PID) {
		return false
	}
	if f.StartUnix > 0 {
		if cur := getProcStartUnix(f.PID); cur > 0 && absDiff(cur, f.StartUnix) > 1 {
			return false
		}
	}
	return true
}

func (f PIDFile) Describe() string { return fmt.Sprintf("pid:%d (%s)", f.PID, f.Path) }

// RemoveStale deletes the pid file at path when the process it names is gone.
// It returns the parsed file and whether it was removed; a live owner is
// reported through the returned PIDFile with removed false. A missing file is
// not an error.
func RemoveStale(path string) (PIDFile, bool, error) {
	f, err := Read(path)
	if errors.Is(err, ErrNoPIDFile) {
		return PIDFile{}, false, nil
	}
	if err != nil {
		// unreadable garbage cannot belong to a running server
		if rmErr := os.Remove(path); rmErr != nil {
			return PIDFile{}, false, rmErr
		}
		return PIDFile{Path: path}, true, nil
	}
	if f.Alive() {
		return f, false, nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return f, false, err
	}
	return f, true, nil
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
