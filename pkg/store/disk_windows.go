//go:build windows

package store

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// CheckDiskSpace returns disk space information for the store directory.
func (s *Store) CheckDiskSpace() (*DiskSpaceInfo, error) {
	pathPtr, err := windows.UTF16PtrFromString(s.dir)
	if err != nil {
		return nil, fmt.Errorf("store: failed to convert path: %w", err)
	}

	var available, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &available, &total, &free); err != nil {
		return nil, fmt.Errorf("store: failed to get disk stats: %w", err)
	}

	usedPct := 0
	if total > 0 {
		usedPct = int(100 * (total - free) / total)
	}
	return &DiskSpaceInfo{Total: total, Free: free, Available: available, UsedPct: usedPct}, nil
}
