//go:build !linux
// +build !linux

package comm

import (
	"errors"
)

// ErrNoMapping is returned by MapResource on platforms without PCI
// resource files
var ErrNoMapping = errors.New("comm: memory mapped PCI resources are only supported on linux")

// Mapping is a register window backed by a memory mapped PCI resource.
// It is unavailable on this platform.
type Mapping struct{}

// MapResource always fails on this platform
func MapResource(path string, size int) (*Mapping, error) {
	return nil, ErrNoMapping
}

// Read32 always returns 0
func (m *Mapping) Read32(off uintptr) uint32 { return 0 }

// Write32 does nothing
func (m *Mapping) Write32(off uintptr, v uint32) {}

// Size returns 0
func (m *Mapping) Size() int { return 0 }

// Close does nothing
func (m *Mapping) Close() error { return nil }
