//go:build windows

package console

import (
	"os"
)

// openPolicyFile opens the policy file on Windows, where O_NOFOLLOW is not
// available.
func openPolicyFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}
	return f, nil
}

// checkFileOwnership is a no-op on Windows; ownership lives in ACLs.
func checkFileOwnership(_ os.FileInfo) error {
	return nil
}
