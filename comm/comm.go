/*
Package comm provides the register access layer for memory-mapped boards.

Every protocol engine talks to its hardware through a Window: a flat, 32-bit
word addressed register file.  Offsets are computed from a Layout as

	(ModuleStride*module + ChannelStride*channel + register) * WordSize

and all waiting on the hardware is done with a Poller, which checks a
condition until it holds or a timeout elapses.  The Poller never retries a
command on its own; a timeout is returned to the caller, who is responsible
for putting the hardware back to idle.

A minimal example, polling a busy bit after starting a transfer:

	w := comm.NewMemory(1024)
	l := comm.Layout{ModuleStride: 64, ChannelStride: 16}
	p := comm.NewPoller(comm.SystemClock, 0)

	comm.WriteRegister(w, l, 0, 1, 0, 1) // module 0, channel 1, start bit
	err := p.PollBit(w, l.Offset(0, 1, 1), 0, false, time.Second)
	if errors.Is(err, comm.ErrTimeout) {
		// abort the transfer
	}
*/
package comm

import (
	"errors"
	"fmt"
	"sync"
)

// WordSize is the size of one register, in bytes
const WordSize = 4

var (
	// ErrTimeout is generated when the hardware does not reach the expected
	// state before the deadline
	ErrTimeout = errors.New("timeout waiting for hardware")
)

// Window is a memory-mapped register window.  Offsets are in bytes and must
// be word aligned.
type Window interface {
	Read32(off uintptr) uint32
	Write32(off uintptr, v uint32)
}

// Layout describes how a register window is divided between modules and
// channels.  Strides are expressed in words.
type Layout struct {
	ModuleStride  int
	ChannelStride int
}

// Offset returns the byte offset of a register
func (l Layout) Offset(module, channel, register int) uintptr {
	return uintptr(l.ModuleStride*module+l.ChannelStride*channel+register) * WordSize
}

// ReadRegister reads one register of a module/channel
func ReadRegister(w Window, l Layout, module, channel, register int) uint32 {
	return w.Read32(l.Offset(module, channel, register))
}

// WriteRegister writes one register of a module/channel
func WriteRegister(w Window, l Layout, module, channel, register int, v uint32) {
	w.Write32(l.Offset(module, channel, register), v)
}

// Memory is a plain register file held in RAM.  It is concurrent safe.
type Memory struct {
	mu    sync.Mutex
	words []uint32
}

// NewMemory creates a zeroed register file of size bytes
func NewMemory(size int) *Memory {
	return &Memory{words: make([]uint32, (size+WordSize-1)/WordSize)}
}

func (m *Memory) index(off uintptr) int {
	if off%WordSize != 0 {
		panic(fmt.Errorf("comm: unaligned register offset 0x%x", off))
	}
	i := int(off / WordSize)
	if i >= len(m.words) {
		panic(fmt.Errorf("comm: register offset 0x%x outside of %d byte window", off, len(m.words)*WordSize))
	}
	return i
}

// Read32 reads the word at off
func (m *Memory) Read32(off uintptr) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.words[m.index(off)]
}

// Write32 writes the word at off
func (m *Memory) Write32(off uintptr, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.words[m.index(off)] = v
}

// Size returns the size of the register file in bytes
func (m *Memory) Size() int {
	return len(m.words) * WordSize
}
