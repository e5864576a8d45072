package detector

import gopsproc "github.com/shirou/gopsutil/v4/process"

// getProcStartUnix returns the start time of pid in Unix seconds, or 0 when
// it cannot be determined.
func getProcStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if t := linuxStartUnix(pid); t > 0 {
		return t
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}
