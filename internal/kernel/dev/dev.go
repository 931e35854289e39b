// Package dev is the kernel's device registry: drivers register named
// instances at attach time, and DEVOPEN resolves (name, instance) pairs to
// IO interfaces.
package dev

import (
	"fmt"

	"github.com/tinyrange/rvos/internal/kernel/kio"
)

// OpenFn opens one registered device instance.
type OpenFn func() (kio.Intf, error)

var devices = map[string][]OpenFn{}

// Register adds a device instance under a name and returns its instance
// number.
func Register(name string, open OpenFn) int {
	devices[name] = append(devices[name], open)
	return len(devices[name]) - 1
}

// Open opens the given instance of a named device.
func Open(name string, instno int) (kio.Intf, error) {
	insts, ok := devices[name]
	if !ok || instno < 0 || instno >= len(insts) {
		return nil, fmt.Errorf("dev: no device %s%d", name, instno)
	}
	return insts[instno]()
}

// Reset clears the registry. Used at kernel boot.
func Reset() {
	devices = map[string][]OpenFn{}
}
