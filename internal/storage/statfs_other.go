//go:build !linux && !darwin

package storage

import "errors"

// Stat is not supported on this platform
func Stat(path string) (Usage, error) {
	return Usage{}, errors.New("storage: statfs not supported on this platform")
}
