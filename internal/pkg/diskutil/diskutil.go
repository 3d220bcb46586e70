// Package diskutil reports filesystem usage for the disk guard.
package diskutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Usage holds filesystem capacity figures for a path.
type Usage struct {
	Total int64 // total bytes on the filesystem
	Free  int64 // bytes available to unprivileged users
	Used  int64 // Total - Free
}

// FreePercent returns the share of the filesystem still available, 0-100.
func (u Usage) FreePercent() float64 {
	if u.Total == 0 {
		return 0
	}
	return float64(u.Free) / float64(u.Total) * 100
}

// Stat returns the usage of the filesystem containing path.
func Stat(path string) (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", path, err)
	}

	total := int64(st.Blocks) * int64(st.Bsize)
	free := int64(st.Bavail) * int64(st.Bsize)

	return Usage{
		Total: total,
		Free:  free,
		Used:  total - free,
	}, nil
}
