package apci1710

import (
	"sync"

	"github.com/nasa-jpl/apci1710/comm"
	"github.com/nasa-jpl/apci1710/config"
)

// Access is one register access observed by a Mock
type Access struct {
	Write bool

	// Module and Register locate the word; Module is NumModules for the
	// functionality registers
	Module   int
	Register int
	Value    uint32
}

// Mock is a simulated APCIe-1711.  It implements comm.Window and answers
// register traffic the way the firmware does, with sensors behind each
// EnDat channel and slaves behind each BiSS master.
//
// The simulations are exported so tests can script them.  Configure them
// before handing the Mock to a Board.
type Mock struct {
	mu    sync.Mutex
	mem   *comm.Memory
	funcs [NumModules]Functionality
	trace []Access

	// EnDat holds the sensors of the EnDat modules, nil for other modules
	EnDat [NumModules][NumEnDatChannels]*EnDatSim

	// BiSS holds the slaves of the BiSS master modules, nil for other modules
	BiSS [NumModules]*BiSSSim

	// Clock times the simulations that take time, such as BiSSSim.RoundTime.
	// Give it the clock of the Board.
	Clock comm.Clock
}

// NewMock creates a simulated board with the given module functionalities
func NewMock(funcs [NumModules]Functionality) *Mock {
	m := &Mock{mem: comm.NewMemory(config.DefaultResourceSize), funcs: funcs}
	for i, f := range funcs {
		m.mem.Write32(FunctionalityOffset(i), uint32(f)<<16)
		switch f {
		case FuncEnDat:
			for ch := range m.EnDat[i] {
				m.EnDat[i][ch] = NewEnDatSim()
			}
		case FuncBiSSMaster:
			m.BiSS[i] = NewBiSSSim()
			m.mem.Write32(bissLayout.Offset(i, 0, bissStatus), m.BiSS[i].status.Pack())
		}
	}
	return m
}

func locate(off uintptr) (module, register int) {
	word := int(off / comm.WordSize)
	if word >= functionalityRegister {
		return NumModules, word - functionalityRegister
	}
	return word / moduleStride, word % moduleStride
}

// Read32 implements comm.Window
func (m *Mock) Read32(off uintptr) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	module, reg := locate(off)
	if module < NumModules {
		switch m.funcs[module] {
		case FuncEnDat:
			ch, r := reg/endatLayout.ChannelStride, reg%endatLayout.ChannelStride
			if ch < NumEnDatChannels && r == endatStatus {
				m.endatStatusRead(module, ch)
			}
		case FuncBiSSMaster:
			if reg == bissStatus {
				m.bissStatusRead(module)
			}
		}
	}
	v := m.mem.Read32(off)
	m.trace = append(m.trace, Access{Module: module, Register: reg, Value: v})
	return v
}

// Write32 implements comm.Window
func (m *Mock) Write32(off uintptr, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	module, reg := locate(off)
	m.trace = append(m.trace, Access{Write: true, Module: module, Register: reg, Value: v})
	m.mem.Write32(off, v)
	if module >= NumModules {
		return
	}
	switch m.funcs[module] {
	case FuncEnDat:
		ch, r := reg/endatLayout.ChannelStride, reg%endatLayout.ChannelStride
		if ch < NumEnDatChannels {
			m.endatWrite(module, ch, r, v)
		}
	case FuncBiSSMaster:
		if reg == bissCommand {
			m.bissCommand(module, byte(v))
		}
	}
}

// Trace returns a copy of the accesses since the last ResetTrace
func (m *Mock) Trace() []Access {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Access(nil), m.trace...)
}

// ResetTrace forgets the recorded accesses
func (m *Mock) ResetTrace() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trace = nil
}

// Writes returns the values written to a register of a module, in order.
// EnDat registers are addressed as channel*16 + register.
func (m *Mock) Writes(module, register int) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint32
	for _, a := range m.trace {
		if a.Write && a.Module == module && a.Register == register {
			out = append(out, a.Value)
		}
	}
	return out
}

// Peek reads a register without side effects or tracing
func (m *Mock) Peek(off uintptr) uint32 {
	return m.mem.Read32(off)
}

// EnDatFailure is a scripted failure of one EnDat transmission
type EnDatFailure struct {
	// Hang keeps the channel busy until aborted
	Hang bool

	// Errors are error source bits raised at the end of the transmission
	Errors uint16
}

// EnDatCommand is a transmission executed by a simulated EnDat channel
type EnDatCommand struct {
	Mode    uint8
	MRS     uint8
	Address uint8
	Word    uint32

	// Extra is the extra command word, when one was written for this
	// transmission
	Extra    uint32
	HasExtra bool
}

// EnDatSim is a sensor behind a simulated EnDat channel
type EnDatSim struct {
	// EnDat22 is reported as AllowEnDat22Command
	EnDat22 bool

	Position     uint64
	PositionBits uint32
	AddInfo      [2]uint32

	// Params holds the sensor memory, keyed by MRS code << 8 | address
	Params map[uint16]uint16

	// Fail scripts failures by transmission number, from 1
	Fail map[int]EnDatFailure

	// Commands records the executed transmissions
	Commands []EnDatCommand

	// Aborts counts the abort patterns received
	Aborts int

	transmissions int
	pending       bool
	hung          bool
	extra         bool
	errors        uint16
}

// ParamKey is the key of a parameter in EnDatSim.Params
func ParamKey(mrs, address uint8) uint16 {
	return uint16(mrs)<<8 | uint16(address)
}

// NewEnDatSim returns an EnDat 2.2 sensor with a 25 bit position
func NewEnDatSim() *EnDatSim {
	return &EnDatSim{
		EnDat22:      true,
		PositionBits: 25,
		Params: map[uint16]uint16{
			ParamKey(0xA1, 0xD): 25,
			ParamKey(0xA5, 5):   0x22,
		},
		Fail: map[int]EnDatFailure{},
	}
}

// RaiseErrors sets error source bits, as a sensor fault would
func (s *EnDatSim) RaiseErrors(mask uint16) {
	s.errors |= mask
}

// Transmissions returns the number of transmissions started so far
func (s *EnDatSim) Transmissions() int {
	return s.transmissions
}

func (m *Mock) endatReg(module, channel, register int) uintptr {
	return endatLayout.Offset(module, channel, register)
}

func (m *Mock) endatWrite(module, channel, register int, v uint32) {
	s := m.EnDat[module][channel]
	switch register {
	case endatControl:
		c := UnpackEnDatControl(v)
		if c.Abort {
			s.Aborts++
			s.pending, s.hung = false, false
		}
		if c.Start && !s.pending {
			s.pending, s.hung, s.extra = true, false, false
		}
	case endatExtraCommand:
		if s.pending {
			s.extra = true
		}
	case endatErrorReset:
		if v&1 == 1 {
			s.errors = 0
			m.mem.Write32(m.endatReg(module, channel, endatErrorReset), 0)
		}
	}
}

// endatStatusRead runs a pending transmission and refreshes the status word
func (m *Mock) endatStatusRead(module, channel int) {
	s := m.EnDat[module][channel]
	if s.pending && !s.hung {
		m.endatExecute(module, channel)
	}
	st := EnDatStatus{Busy: s.pending, EnDat22: s.EnDat22, Errors: s.errors}
	m.mem.Write32(m.endatReg(module, channel, endatStatus), st.Pack())
}

func (m *Mock) endatExecute(module, channel int) {
	s := m.EnDat[module][channel]
	read := func(r int) uint32 { return m.mem.Read32(m.endatReg(module, channel, r)) }
	write := func(r int, v uint32) { m.mem.Write32(m.endatReg(module, channel, r), v) }

	s.transmissions++
	ma := read(endatMRSAddress)
	c := EnDatCommand{
		Mode:    UnpackEnDatMode(read(endatMode)).Mode,
		MRS:     uint8(ma >> 8),
		Address: uint8(ma),
		Word:    read(endatCommand),
	}
	if s.extra {
		c.Extra, c.HasExtra = read(endatExtraCommand), true
	}
	s.Commands = append(s.Commands, c)
	f, failed := s.Fail[s.transmissions]
	if failed && f.Hang {
		s.hung = true
		return
	}
	s.pending = false
	ctl := UnpackEnDatControl(read(endatControl))
	ctl.Start = false
	write(endatControl, ctl.Pack())

	position := func() {
		write(endatPositionLow, uint32(s.Position))
		write(endatPositionHigh, uint32(s.Position>>32))
		write(endatPositionSize, s.PositionBits)
	}
	switch c.Mode {
	case ModeSendParameter:
		write(endatParameter, uint32(s.Params[ParamKey(c.MRS, c.Address)]))
	case ModeReceiveParameter:
		_, addr, v := DecodeCommand(c.Word)
		s.Params[ParamKey(c.MRS, addr)] = v
	case ModePosition, ModePositionMemArea:
		position()
	case ModePositionAddInfo:
		position()
		write(endatAddInfo1, s.AddInfo[0])
		write(endatAddInfo2, s.AddInfo[1])
	}
	if failed && f.Errors != 0 {
		s.errors |= f.Errors | ErrBitSummary
	}
}
