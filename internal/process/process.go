// Package process owns one running child: it starts the executable in its own
// process group, drains stdout and stderr line by line and delivers signals.
package process

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/stackup/internal/errs"
)

// drainGrace bounds how long the reaper waits for drains after the child
// exits. Grandchildren holding the pipe open would otherwise stall it.
const drainGrace = 2 * time.Second

// Options tune a Handle. All fields are optional.
type Options struct {
	Logger *slog.Logger
	// OnStdoutEOF runs once when stdout closes and no stop was requested.
	OnStdoutEOF func()
}

// Handle is a started child. It is owned by exactly one supervisor.
type Handle struct {
	spec Spec
	log  *slog.Logger
	cmd  *exec.Cmd

	mu        sync.Mutex
	stopping  bool
	exited    bool
	exitErr   error
	waitDone  chan struct{}
	outCloser io.WriteCloser
	errCloser io.WriteCloser

	pipes  []io.Closer
	drains sync.WaitGroup
	onEOF  func()
}

// Start resolves the executable and launches it with piped stdout/stderr.
// On any error no process is left behind.
func Start(spec Spec, opts Options) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	path, err := spec.ResolveExecutable()
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	h := &Handle{
		spec:     spec,
		log:      log.With("service", spec.Name),
		waitDone: make(chan struct{}),
		onEOF:    opts.OnStdoutEOF,
	}

	outW, errW, err := spec.Log.ServiceWriters(spec.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrSpawnFailed, err)
	}
	h.outCloser, h.errCloser = outW, errW

	cmd := spec.BuildCommand(path)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.closeWriters()
		return nil, fmt.Errorf("%w: %v", errs.ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		h.closeWriters()
		return nil, fmt.Errorf("%w: %v", errs.ErrSpawnFailed, err)
	}
	if err := cmd.Start(); err != nil {
		// exec closes both pipe ends when Start fails
		h.closeWriters()
		return nil, fmt.Errorf("%w: %v", errs.ErrSpawnFailed, err)
	}
	h.cmd = cmd
	h.pipes = []io.Closer{stdout, stderr}

	h.drains.Add(2)
	go h.drain(stdout, "stdout", outW, true)
	go h.drain(stderr, "stderr", errW, false)
	go h.reap()

	h.log.Debug("child started", "pid", cmd.Process.Pid, "executable", path)
	return h, nil
}

func (h *Handle) drain(r io.Reader, stream string, file io.Writer, isStdout bool) {
	defer h.drains.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			text := strings.TrimRight(line, "\r\n")
			h.log.Info(text, "stream", stream)
			if file != nil {
				_, _ = io.WriteString(file, text+"\n")
			}
		}
		if err != nil {
			break
		}
	}
	if isStdout && !h.StopRequested() && h.onEOF != nil {
		h.onEOF()
	}
}

// reap waits for the exit status, then gives the drains a bounded window to
// finish before closing pipes and log files.
func (h *Handle) reap() {
	st, err := h.cmd.Process.Wait()
	if err == nil && !st.Success() {
		err = &exec.ExitError{ProcessState: st}
	}
	h.mu.Lock()
	h.exited = true
	h.exitErr = err
	close(h.waitDone)
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.drains.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainGrace):
		for _, p := range h.pipes {
			_ = p.Close()
		}
		<-done
	}
	h.closeWriters()
	h.log.Debug("child exited", "err", err)
}

func (h *Handle) closeWriters() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outCloser != nil {
		_ = h.outCloser.Close()
		h.outCloser = nil
	}
	if h.errCloser != nil {
		_ = h.errCloser.Close()
		h.errCloser = nil
	}
}

func (h *Handle) Name() string { return h.spec.Name }

// PID of the child (and its process group).
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Done is closed once the child has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.waitDone }

// ExitErr is the wait error once Done is closed.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// MarkStopping records that a stop was requested, so stdout EOF is no longer
// reported as an unexpected exit.
func (h *Handle) MarkStopping() {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()
}

func (h *Handle) StopRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

// Alive is a non-blocking liveness check.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return false
	}
	pid := h.PID()
	// On Linux, a quickly-exiting child can be a zombie; treat that as not alive.
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return processExists(pid)
}

// Terminate asks the process group to exit.
func (h *Handle) Terminate() error {
	return h.signal(syscall.SIGTERM)
}

// Kill sends SIGKILL to the process group.
func (h *Handle) Kill() error {
	return h.signal(syscall.SIGKILL)
}

func (h *Handle) signal(sig syscall.Signal) error {
	select {
	case <-h.waitDone:
		return nil
	default:
	}
	err := signalGroup(h.PID(), sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Wait blocks until the child is reaped or d elapses and reports which happened.
func (h *Handle) Wait(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-h.waitDone:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.waitDone:
		return true
	case <-t.C:
		return false
	}
}

// Stop sends SIGTERM, waits up to grace, then SIGKILLs the group.
func (h *Handle) Stop(grace time.Duration) error {
	h.MarkStopping()
	if err := h.Terminate(); err != nil {
		h.log.Warn("terminate failed", "err", err)
	}
	if h.Wait(grace) {
		return nil
	}
	h.log.Warn("child ignored terminate, killing", "grace", grace)
	if err := h.Kill(); err != nil {
		return err
	}
	if !h.Wait(killWait) {
		return fmt.Errorf("pid %d still running after kill", h.PID())
	}
	return nil
}

// killWait bounds the wait for a reap after SIGKILL.
const killWait = 2 * time.Second

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	path := "/proc/" + strconv.Itoa(pid) + "/status"
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
