//go:build !windows

package cache

import (
	"os"

	"github.com/google/renameio/v2"
)

func writeAtomic(path string, data []byte) error {
	if err := renameio.WriteFile(path, data, FileMode); err != nil {
		return err
	}
	// WriteFile applies the umask; force the exact mode
	return os.Chmod(path, FileMode)
}
