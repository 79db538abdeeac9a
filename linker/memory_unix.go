//go:build unix

package linker

import (
	"golang.org/x/sys/unix"
)

var pageSize = unix.Getpagesize()

func mapMemory(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func protectMemory(b []byte, exec, write bool) error {
	prot := unix.PROT_READ
	if exec {
		prot |= unix.PROT_EXEC
	}
	if write {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(b, prot)
}

func unmapMemory(b []byte) error {
	return unix.Munmap(b)
}
