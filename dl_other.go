//go:build !(darwin || linux)

package jitlink

import (
	"errors"
)

var errNoDl = errors.New("dynamic libraries are not supported on this platform")

const processHandle uintptr = 0

func dlopen(string) (uintptr, error) {
	return 0, errNoDl
}

func dlsym(uintptr, string) (uintptr, error) {
	return 0, errNoDl
}

func dlclose(uintptr) error {
	return errNoDl
}
