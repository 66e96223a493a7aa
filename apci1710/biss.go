package apci1710

import (
	"time"

	"github.com/nasa-jpl/apci1710/comm"
	"github.com/nasa-jpl/apci1710/util"
)

// ChannelMode is the protocol of a BiSS master channel
type ChannelMode uint8

const (
	// ModeBiSS is the BiSS protocol
	ModeBiSS ChannelMode = 0

	// ModeSSI is plain SSI, without register access
	ModeSSI ChannelMode = 1
)

// BiSSMode is the BiSS submode of a channel
type BiSSMode uint8

const (
	// BiSSModeB completes a register access in one round
	BiSSModeB BiSSMode = 0

	// BiSSModeC needs several command rounds to complete a register access
	BiSSModeC BiSSMode = 1
)

const bissTimeout = 500 * time.Millisecond

// ChannelSetup is the protocol of one channel of a BiSS master
type ChannelSetup struct {
	Mode    ChannelMode
	SubMode BiSSMode
}

// SlaveSetup describes one slave given to MasterInitSingleCycle
type SlaveSetup struct {
	// Channel the slave is wired to, 0 or 1.  Slaves on channel 0 come first.
	Channel int

	// DataLength is the number of data bits, in [0,64].  The hardware holds
	// the length minus one in six bits, so 0 is programmed like 64; the data
	// read of such a slave is masked to zero.
	DataLength int

	// Option is the gray encoding flag, 0 or 1
	Option int

	// CRCPolynom is the CRC polynomial of the sensor data, with the constant
	// term
	CRCPolynom uint8

	// CRCInvert is 1 when the CRC is sent inverted
	CRCInvert int
}

// MasterSetup is the configuration of a BiSS master in single cycle mode
type MasterSetup struct {
	// SensorDivisor divides the sensor data clock, in [0,31] except 16
	SensorDivisor int

	// RegisterDivisor divides the register data clock, in [0,7]
	RegisterDivisor int

	Channels [2]ChannelSetup

	// Slaves holds 1 to 6 slaves
	Slaves []SlaveSetup
}

// SlaveInfo is the state kept for a configured slave
type SlaveInfo struct {
	Channel     int
	ChannelMode ChannelMode
	BiSSMode    BiSSMode
	DataLength  int
	Option      bool
	CRCPolynom  uint8
	CRCInvert   bool

	// DataSlaveIndex is the slot of the slave in the sensor data block of its
	// channel.  The last slave of a channel is in slot 0.
	DataSlaveIndex int

	// RegisterSlaveID is the rank of the slave on its channel, from 0
	RegisterSlaveID int
}

type bissModule struct {
	initialized bool
	count       int
	slaves      [MaxBiSSSlaves]SlaveInfo
}

func (b *Board) bissRead(module, register int) uint32 {
	return b.win.Read32(bissLayout.Offset(module, 0, register))
}

func (b *Board) bissWrite(module, register int, v uint32) {
	b.win.Write32(bissLayout.Offset(module, 0, register), v)
}

func (b *Board) bissStatus(module int) BiSSStatus {
	return UnpackBiSSStatus(b.bissRead(module, bissStatus))
}

func (b *Board) bissWait(module int, bit uint) error {
	return b.poll.PollBit(b.win, bissLayout.Offset(module, 0, bissStatus), bit, true, bissTimeout)
}

// breakCommand aborts the transmission in progress and waits for the master
// to go idle.  Called with the BiSS lock held.
func (b *Board) breakCommand(op string, module int) error {
	b.bissWrite(module, bissCommand, cmdBreak)
	err := b.poll.PollBit(b.win, bissLayout.Offset(module, 0, bissStatus), bissBusyBit, false, bissTimeout)
	if err != nil {
		b.Logger.Printf("biss module %d: master still busy after break", module)
		return timeout(op, "break")
	}
	return nil
}

// breakAfter breaks the transmission after a failure and returns err
func (b *Board) breakAfter(op string, module int, err error) error {
	b.Logger.Printf("biss module %d: %v, sending break", module, err)
	b.breakCommand(op, module)
	return err
}

func (b *Board) checkBiSS(op string, module int, moduleCode, funcCode uint16) error {
	if module < 0 || module >= NumModules {
		return invalid(op, moduleCode, "module %d out of range", module)
	}
	if b.funcs[module] != FuncBiSSMaster {
		return invalid(op, funcCode, "module %d is %v, not a biss master", module, b.funcs[module])
	}
	return nil
}

// checkBiSSSlave validates the module, its state and a slave index, codes
// 1 to 4.  Called with the BiSS lock held.
func (b *Board) checkBiSSSlave(op string, module, slave int) error {
	if err := b.checkBiSS(op, module, 1, 2); err != nil {
		return err
	}
	m := &b.biss[module]
	if !m.initialized {
		return invalid(op, 3, "module %d single cycle not initialised", module)
	}
	if slave < 0 || slave >= m.count {
		return invalid(op, 4, "slave %d out of range, %d initialised", slave, m.count)
	}
	return nil
}

// BreakCommand aborts the transmission in progress on a BiSS master.
//
// Validation codes: 1 module, 2 functionality.
func (b *Board) BreakCommand(module int) error {
	const op = "BreakCommand"
	if err := b.checkBiSS(op, module, 1, 2); err != nil {
		return err
	}
	b.bissMu.Lock()
	defer b.bissMu.Unlock()
	return b.breakCommand(op, module)
}

// MasterInitSingleCycle programs a BiSS master and its slaves for single
// cycle operation.
//
// Validation codes: 1 module, 2 sensor divisor, 3 register divisor,
// 4 channel 0 mode, 5 channel 1 mode, 6 slave count, 7 slave channel,
// 8 data length, 9 first slave not on channel 0, 10 channel 0 slave after a
// channel 1 slave, 11 CRC invert, 12 option, 13 functionality.
func (b *Board) MasterInitSingleCycle(module int, setup MasterSetup) error {
	const op = "MasterInitSingleCycle"
	if module < 0 || module >= NumModules {
		return invalid(op, 1, "module %d out of range", module)
	}
	if setup.SensorDivisor < 0 || setup.SensorDivisor > 31 || setup.SensorDivisor == 16 {
		return invalid(op, 2, "sensor divisor %d not in [0,31] or 16", setup.SensorDivisor)
	}
	if setup.RegisterDivisor < 0 || setup.RegisterDivisor > 7 {
		return invalid(op, 3, "register divisor %d not in [0,7]", setup.RegisterDivisor)
	}
	for ch, c := range setup.Channels {
		if c.Mode > ModeSSI || c.SubMode > BiSSModeC {
			return invalid(op, uint16(4+ch), "channel %d mode %d submode %d", ch, c.Mode, c.SubMode)
		}
	}
	n := len(setup.Slaves)
	if n < 1 || n > MaxBiSSSlaves {
		return invalid(op, 6, "slave count %d not in [1,%d]", n, MaxBiSSSlaves)
	}

	var (
		perChannel [2]int
		infos      [MaxBiSSSlaves]SlaveInfo
		words      [MaxBiSSSlaves]uint32
		cc         = ChannelConfig{}
	)
	for i, s := range setup.Slaves {
		if s.Channel < 0 || s.Channel > 1 {
			return invalid(op, 7, "slave %d channel %d", i, s.Channel)
		}
		if s.DataLength < 0 || s.DataLength > 64 {
			return invalid(op, 8, "slave %d data length %d not in [0,64]", i, s.DataLength)
		}
		if i == 0 && s.Channel != 0 {
			return invalid(op, 9, "first slave must be on channel 0")
		}
		if i > 0 && s.Channel < setup.Slaves[i-1].Channel {
			return invalid(op, 10, "slave %d on channel 0 declared after a channel 1 slave", i)
		}
		if s.CRCInvert < 0 || s.CRCInvert > 1 {
			return invalid(op, 11, "slave %d CRC invert %d", i, s.CRCInvert)
		}
		if s.Option < 0 || s.Option > 1 {
			return invalid(op, 12, "slave %d option %d", i, s.Option)
		}
		ch := setup.Channels[s.Channel]
		infos[i] = SlaveInfo{
			Channel:         s.Channel,
			ChannelMode:     ch.Mode,
			BiSSMode:        ch.SubMode,
			DataLength:      s.DataLength,
			Option:          s.Option == 1,
			CRCPolynom:      s.CRCPolynom,
			CRCInvert:       s.CRCInvert == 1,
			RegisterSlaveID: perChannel[s.Channel],
		}
		perChannel[s.Channel]++
		words[i] = SlaveConfig{
			DataLength: uint8(s.DataLength),
			Option:     s.Option == 1,
			Polynom:    s.CRCPolynom,
			Invert:     s.CRCInvert == 1,
		}.Pack()
		if s.Channel == 1 {
			cc.OnChannel1 |= 1 << uint(i)
		}
	}
	for i := 0; i < n; i++ {
		infos[i].DataSlaveIndex = perChannel[infos[i].Channel] - 1 - infos[i].RegisterSlaveID
	}
	if b.funcs[module] != FuncBiSSMaster {
		return invalid(op, 13, "module %d is %v, not a biss master", module, b.funcs[module])
	}
	for ch := range setup.Channels {
		cc.Modes[ch] = setup.Channels[ch].Mode
		cc.SubModes[ch] = setup.Channels[ch].SubMode
	}

	b.bissMu.Lock()
	defer b.bissMu.Unlock()
	if err := b.breakCommand(op, module); err != nil {
		return err
	}
	freq := PackBiSSFrequency(b.bissRead(module, bissFrequency), uint8(setup.SensorDivisor), uint8(setup.RegisterDivisor))
	b.bissWrite(module, bissFrequency, freq)
	b.bissWrite(module, bissFrequency, util.SetField(b.bissRead(module, bissFrequency), 16, 7, freqAGS))
	for i := 0; i < MaxBiSSSlaves; i++ {
		b.bissWrite(module, bissSlaveConfig+i, 0)
	}
	b.bissWrite(module, bissChannelConfig, 0)
	for i := 0; i < n; i++ {
		b.bissWrite(module, bissSlaveConfig+i, words[i])
	}
	b.bissWrite(module, bissChannelConfig, cc.Pack())
	b.bissWrite(module, bissCommunication, commRegisterModelC)
	b.bissWrite(module, bissCommand, cmdInit)
	if err := b.bissWait(module, bissEOTBit); err != nil {
		return b.breakAfter(op, module, timeout(op, "master init"))
	}
	if !b.bissStatus(module).NoError {
		return b.breakAfter(op, module, transmission(op, "master init"))
	}

	m := &b.biss[module]
	m.slaves = infos
	m.count = n
	m.initialized = true
	return nil
}

// maskData clears the bits of a sensor reading beyond the data length.
// The legacy policy keeps a single bit, as the vendor driver does.
func maskData(lo, hi uint32, length int, legacy bool) (uint32, uint32) {
	mask := func(n int) uint32 {
		if legacy {
			if n <= 0 {
				return 0
			}
			return uint32(2) << uint(n-1)
		}
		return util.Mask(uint(n))
	}
	if length > 32 {
		return lo, hi & mask(length-32)
	}
	return lo & mask(length), 0
}

// MasterSingleCycleDataRead reads the sensor data of a slave.
//
// Validation codes: 1 module, 2 functionality, 3 not initialised, 4 slave.
func (b *Board) MasterSingleCycleDataRead(module, slave int) (lo, hi uint32, err error) {
	const op = "MasterSingleCycleDataRead"
	b.bissMu.Lock()
	defer b.bissMu.Unlock()
	if err := b.checkBiSSSlave(op, module, slave); err != nil {
		return 0, 0, err
	}
	b.bissWrite(module, bissCommand, cmdGetSensorData)
	if err := b.bissWait(module, bissEOTBit); err != nil {
		return 0, 0, b.breakAfter(op, module, timeout(op, "sensor data"))
	}
	if !b.bissStatus(module).NoError {
		return 0, 0, transmission(op, "sensor data")
	}
	s := b.biss[module].slaves[slave]
	reg := sensorDataRegister(s.Channel, s.DataSlaveIndex)
	lo = b.bissRead(module, reg)
	hi = b.bissRead(module, reg+1)
	lo, hi = maskData(lo, hi, s.DataLength, b.legacyMasks)
	return lo, hi, nil
}

func (b *Board) checkRegisterAccess(op string, module, slave, address, size int) error {
	if err := b.checkBiSSSlave(op, module, slave); err != nil {
		return err
	}
	if address < 0 || address > 127 {
		return invalid(op, 5, "register address %d not in [0,127]", address)
	}
	if size < 1 || size > bissRegWindowBytes {
		return invalid(op, 6, "size %d not in [1,%d]", size, bissRegWindowBytes)
	}
	if b.biss[module].slaves[slave].ChannelMode != ModeBiSS {
		return invalid(op, 7, "slave %d is an SSI slave, no register access", slave)
	}
	return nil
}

// roundDone waits on d for the mode C round in progress to end.  A new
// round must not be started before the previous one has ended.
func (b *Board) roundDone(module int, d *comm.Deadline) bool {
	for {
		st := b.bissStatus(module)
		if !st.Busy && st.RegPhase {
			return true
		}
		if !d.Wait() {
			return false
		}
	}
}

// registerAccess runs one register read or write.  Called with the BiSS
// lock held.
func (b *Board) registerAccess(op string, module, slave, address, size int, data []byte) ([]byte, error) {
	s := b.biss[module].slaves[slave]
	write := data != nil
	if write {
		for i := 0; i < size; i++ {
			reg := bissRegWindow + i/4
			w := b.bissRead(module, reg)
			b.bissWrite(module, reg, util.SetByteLane(w, uint(i%4), data[i]))
		}
	}
	b.bissWrite(module, bissRegisterCtrl, RegisterAccess{Address: uint8(address), Size: uint8(size), Write: write}.Pack())
	b.bissWrite(module, bissCommConfig, CommConfig{
		ModeC:   s.BiSSMode == BiSSModeC,
		SlaveID: uint8(s.RegisterSlaveID),
		Channel: uint8(s.Channel),
	}.Pack())

	if s.BiSSMode == BiSSModeB {
		b.bissWrite(module, bissCommand, cmdRegisterAccess)
		if err := b.bissWait(module, bissRegReadyBit); err != nil {
			return nil, b.breakAfter(op, module, timeout(op, "register access, mode B"))
		}
	} else {
		b.bissWrite(module, bissCommand, cmdRegisterAccess)
		if err := b.bissWait(module, bissRegPhaseBit); err != nil {
			return nil, b.breakAfter(op, module, timeout(op, "register access, mode C"))
		}
		// the handshake takes several rounds, all within one deadline
		d := b.poll.Deadline(bissTimeout)
		for b.bissStatus(module).DoneValid != 3 {
			if !d.Wait() {
				return nil, b.breakAfter(op, module, timeout(op, "register access, mode C done and valid"))
			}
			b.bissWrite(module, bissCommand, cmdRegisterAccess)
			if !b.roundDone(module, d) {
				return nil, b.breakAfter(op, module, timeout(op, "register access, mode C round"))
			}
		}
	}
	if !b.bissStatus(module).NoError {
		return nil, transmission(op, "register access")
	}
	if write {
		return nil, nil
	}
	out := make([]byte, size)
	for i := range out {
		out[i] = util.ByteLane(b.bissRead(module, bissRegWindow+i/4), uint(i%4))
	}
	return out, nil
}

// MasterSingleCycleRegisterRead reads size bytes of the registers of a slave
// starting at address.
//
// Validation codes: 1 module, 2 functionality, 3 not initialised, 4 slave,
// 5 address, 6 size, 7 SSI slave.
func (b *Board) MasterSingleCycleRegisterRead(module, slave, address, size int) ([]byte, error) {
	const op = "MasterSingleCycleRegisterRead"
	b.bissMu.Lock()
	defer b.bissMu.Unlock()
	if err := b.checkRegisterAccess(op, module, slave, address, size); err != nil {
		return nil, err
	}
	return b.registerAccess(op, module, slave, address, size, nil)
}

// MasterSingleCycleRegisterWrite writes the first size bytes of data to the
// registers of a slave starting at address.
//
// Validation codes: 1 module, 2 functionality, 3 not initialised, 4 slave,
// 5 address, 6 size, 7 SSI slave, 8 data shorter than size.
func (b *Board) MasterSingleCycleRegisterWrite(module, slave, address, size int, data []byte) error {
	const op = "MasterSingleCycleRegisterWrite"
	b.bissMu.Lock()
	defer b.bissMu.Unlock()
	if err := b.checkRegisterAccess(op, module, slave, address, size); err != nil {
		return err
	}
	if len(data) < size {
		return invalid(op, 8, "%d bytes given, %d to write", len(data), size)
	}
	_, err := b.registerAccess(op, module, slave, address, size, data)
	return err
}

// MasterReleaseSingleCycle forgets the single cycle configuration of a
// module.
//
// Validation codes: 1 module, 2 functionality.
func (b *Board) MasterReleaseSingleCycle(module int) error {
	const op = "MasterReleaseSingleCycle"
	if err := b.checkBiSS(op, module, 1, 2); err != nil {
		return err
	}
	b.bissMu.Lock()
	defer b.bissMu.Unlock()
	b.biss[module].initialized = false
	b.biss[module].count = 0
	return nil
}

// Slaves returns the configured slaves of a module, nil when the module is
// not initialised.
//
// Validation codes: 1 module, 2 functionality.
func (b *Board) Slaves(module int) ([]SlaveInfo, error) {
	if err := b.checkBiSS("Slaves", module, 1, 2); err != nil {
		return nil, err
	}
	b.bissMu.Lock()
	defer b.bissMu.Unlock()
	m := &b.biss[module]
	if !m.initialized {
		return nil, nil
	}
	return append([]SlaveInfo(nil), m.slaves[:m.count]...), nil
}
