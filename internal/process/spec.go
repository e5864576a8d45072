package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/logger"
)

// Spec describes one child process: what to execute and how its output is kept.
type Spec struct {
	Name       string            `json:"name"`
	Executable string            `json:"executable"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`      // merged over the parent environment
	WorkDir    string            `json:"work_dir"` // optional working dir
	Log        logger.Config     `json:"log"`      // optional rotating files for stdout/stderr
}

// Validate checks the fields that do not need the filesystem.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process name is required")
	}
	if strings.TrimSpace(s.Executable) == "" {
		return errors.New("process executable is required")
	}
	return nil
}

// ResolveExecutable returns the absolute executable path. Bare names are
// looked up in PATH. Missing files and directories yield errs.ErrBinaryNotFound.
func (s Spec) ResolveExecutable() (string, error) {
	exe := s.Executable
	if !strings.ContainsRune(exe, filepath.Separator) && !strings.ContainsRune(exe, '/') {
		p, err := exec.LookPath(exe)
		if err != nil {
			return "", fmt.Errorf("%w: %s", errs.ErrBinaryNotFound, exe)
		}
		return p, nil
	}
	fi, err := os.Stat(exe)
	if err != nil || fi.IsDir() {
		return "", fmt.Errorf("%w: %s", errs.ErrBinaryNotFound, exe)
	}
	return exe, nil
}

// BuildCommand constructs the *exec.Cmd for path. Stdio is left unset; the
// Handle attaches pipes.
func (s Spec) BuildCommand(path string) *exec.Cmd {
	// #nosec G204 executable and args come from service definitions, not user input
	cmd := exec.Command(path, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	cmd.Env = MergeEnv(os.Environ(), s.Env)
	configureSysProcAttr(cmd)
	return cmd
}

// MergeEnv overlays extra onto base KEY=VALUE pairs. Keys from extra replace
// base entries; the extra keys are appended in sorted order.
func MergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, override := extra[k]; override {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
