package ports

import (
	"context"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// LookupOccupant returns the first process listening on port, or nil when the
// platform cannot tell us or nothing is listening.
func LookupOccupant(ctx context.Context, port int) *ProcessInfo {
	pids := listeners(ctx, port)
	if len(pids) == 0 {
		return nil
	}
	info := &ProcessInfo{PID: int(pids[0])}
	if p, err := gopsproc.NewProcessWithContext(ctx, pids[0]); err == nil {
		if name, err := p.NameWithContext(ctx); err == nil {
			info.Name = name
		}
	}
	return info
}

// listeners returns the distinct PIDs owning a listening TCP socket on port.
func listeners(ctx context.Context, port int) []int32 {
	if port <= 0 || port > MaxPort {
		return nil
	}
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil
	}
	seen := make(map[int32]bool)
	var out []int32
	for _, c := range conns {
		if c.Laddr.Port != uint32(port) || c.Pid <= 0 {
			continue
		}
		if c.Status != "LISTEN" && c.Status != "" {
			continue
		}
		if !seen[c.Pid] {
			seen[c.Pid] = true
			out = append(out, c.Pid)
		}
	}
	return out
}
