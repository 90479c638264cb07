//go:build !linux

package runner

import "errors"

func applyMemoryLimit(int, int64) error {
	return errors.New("address space limits require linux")
}
