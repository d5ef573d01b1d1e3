//go:build !linux && !darwin

package store

import "errors"

func filesystemSpace(string) (int64, int64, error) {
	return 0, 0, errors.New("filesystem usage is not supported on this platform")
}
