//go:build linux
// +build linux

package comm

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapping is a register window backed by a memory mapped PCI resource,
// e.g. /sys/bus/pci/devices/0000:03:00.0/resource2
type Mapping struct {
	path string
	mem  []byte
}

// MapResource maps size bytes of the resource file at path.  The mapping is
// shared, so writes reach the device.
func MapResource(path string, size int) (*Mapping, error) {
	if size <= 0 || size%WordSize != 0 {
		return nil, fmt.Errorf("comm: invalid mapping size %d for %s", size, path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	// the mapping survives the close of the file descriptor
	defer f.Close()
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("comm: mmap %s: %w", path, err)
	}
	return &Mapping{path: path, mem: mem}, nil
}

func (m *Mapping) word(off uintptr) *uint32 {
	if off%WordSize != 0 || int(off)+WordSize > len(m.mem) {
		panic(fmt.Errorf("comm: register offset 0x%x invalid for %d byte mapping of %s", off, len(m.mem), m.path))
	}
	return (*uint32)(unsafe.Pointer(&m.mem[off]))
}

// Read32 performs a single 32-bit load from the device
func (m *Mapping) Read32(off uintptr) uint32 {
	return atomic.LoadUint32(m.word(off))
}

// Write32 performs a single 32-bit store to the device
func (m *Mapping) Write32(off uintptr, v uint32) {
	atomic.StoreUint32(m.word(off), v)
}

// Size returns the length of the mapping in bytes
func (m *Mapping) Size() int {
	return len(m.mem)
}

// Close unmaps the resource.  The Mapping must not be used afterwards.
func (m *Mapping) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
