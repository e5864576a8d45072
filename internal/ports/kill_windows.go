//go:build windows

package ports

import "context"

// KillOccupants is a no-op on Windows; only supervised stop applies there.
func KillOccupants(_ context.Context, _ int) []int { return nil }
