package storage

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrInsufficientSpace is returned by CheckFreeSpace.
var ErrInsufficientSpace = errors.New("insufficient free space")

// CheckFreeSpace fails when the filesystem holding dir has less than need
// bytes available. A need of zero disables the check.
func CheckFreeSpace(dir string, need uint64) error {
	if need == 0 {
		return nil
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", dir, err)
	}
	if usage.Free < need {
		return fmt.Errorf("%s has %s free, need %s: %w",
			dir, humanBytes(usage.Free), humanBytes(need), ErrInsufficientSpace)
	}
	return nil
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
