//go:build windows

package process

import (
	"os/exec"
	"strconv"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// signalGroup has no graceful form on Windows: any signal other than 0 ends
// the whole tree rooted at pid with taskkill.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if sig == 0 {
		if !processExists(pid) {
			return syscall.ESRCH
		}
		return nil
	}
	if !processExists(pid) {
		return syscall.ESRCH
	}
	// #nosec G204 pid is an integer we spawned
	return exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
}

func processExists(pid int) bool {
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}
