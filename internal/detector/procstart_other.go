//go:build !linux

package detector

// linuxStartUnix has no /proc to read; gopsutil answers instead.
func linuxStartUnix(int) int64 { return 0 }
