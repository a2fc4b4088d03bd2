package store

import "fmt"

// DiskSpaceInfo contains disk usage information for the store directory.
type DiskSpaceInfo struct {
	Total     uint64 `json:"total"`     // Total disk space in bytes
	Free      uint64 `json:"free"`      // Free disk space in bytes
	Available uint64 `json:"available"` // Available to non-root users
	UsedPct   int    `json:"used_pct"`  // Percentage of disk used
}

// checkDiskSpaceForWrite verifies there is room for a write. Failure to read
// disk stats is logged and does not block the write.
func (s *Store) checkDiskSpaceForWrite(dataSize int) error {
	info, err := s.CheckDiskSpace()
	if err != nil {
		s.logger.Warn("failed to check disk space", "error", err.Error())
		return nil
	}

	required := s.minFree
	if uint64(dataSize)*2 > required {
		required = uint64(dataSize) * 2
	}
	if info.Available < required {
		return fmt.Errorf("%w: %d bytes available, need %d", ErrInsufficientDisk, info.Available, required)
	}
	return nil
}
