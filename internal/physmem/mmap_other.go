//go:build !unix

package physmem

import "errors"

func mapAnonymous(size int) ([]byte, func() error, error) {
	return nil, nil, errors.New("mmap backing is not supported on this platform")
}
