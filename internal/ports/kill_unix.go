//go:build !windows

package ports

import (
	"context"
	"os"
	"syscall"
)

// KillOccupants force-kills every process listening on port except the caller
// and returns the PIDs signalled. This is a last-resort sweep: the port may
// have been taken over by an unrelated process since we last used it.
func KillOccupants(ctx context.Context, port int) []int {
	self := os.Getpid()
	var killed []int
	for _, pid := range listeners(ctx, port) {
		if int(pid) == self {
			continue
		}
		if err := syscall.Kill(int(pid), syscall.SIGKILL); err == nil {
			killed = append(killed, int(pid))
		}
	}
	return killed
}
