//go:build !linux && !darwin && !windows

package store

import "errors"

// CheckDiskSpace is not implemented on this platform; writes proceed with a
// logged warning.
func (s *Store) CheckDiskSpace() (*DiskSpaceInfo, error) {
	return nil, errors.New("store: disk stats not supported on this platform")
}
