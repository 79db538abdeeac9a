//go:build !unix

package linker

import (
	"errors"
)

var errNoMmap = errors.New("executable memory is not supported on this platform")

var pageSize = 4096

func mapMemory(int) ([]byte, error) {
	return nil, errNoMmap
}

func protectMemory([]byte, bool, bool) error {
	return errNoMmap
}

func unmapMemory([]byte) error {
	return nil
}
