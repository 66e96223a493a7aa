package apci1710

import (
	"encoding/binary"
	"math/bits"
	"time"

	"github.com/snksoft/crc"
)

// SimSlave is a sensor on a simulated BiSS channel
type SimSlave struct {
	Data      uint64
	Registers [128]byte

	// CRCPolynom and CRCInvert describe the CRC the sensor appends to its
	// data.  A master configured with another CRC flags every frame.
	CRCPolynom uint8
	CRCInvert  bool
}

// BiSSSim is the set of slaves behind a simulated BiSS master
type BiSSSim struct {
	// Slaves are the sensors on the wire, in the order they are declared to
	// MasterInitSingleCycle
	Slaves []SimSlave

	// RoundsNeeded is the number of register access commands a mode C
	// handshake takes to report done and valid
	RoundsNeeded int

	// Hang lists commands that never complete
	Hang map[byte]bool

	// BreakHang keeps the master busy after a break
	BreakHang bool

	// Fail lists commands that complete with nERR cleared
	Fail map[byte]bool

	// RoundTime is how long one mode C round keeps the master busy, measured
	// on Mock.Clock.  Zero ends every round at once.
	RoundTime time.Duration

	// Commands records the commands received, in order
	Commands []byte

	// Overlapped counts the commands received while a round was running.
	// The master ignores them.
	Overlapped int

	rounds   int
	inRound  bool
	roundEnd time.Time
	status   BiSSStatus
}

// NewBiSSSim returns an idle master with no slaves
func NewBiSSSim() *BiSSSim {
	return &BiSSSim{
		RoundsNeeded: 1,
		Hang:         map[byte]bool{},
		Fail:         map[byte]bool{},
		status:       BiSSStatus{NoError: true},
	}
}

// Count returns the number of times cmd was received
func (s *BiSSSim) Count(cmd byte) int {
	n := 0
	for _, c := range s.Commands {
		if c == cmd {
			n++
		}
	}
	return n
}

// frameCRC is the CRC over the data bits of a frame, most significant byte
// first.  A polynomial of degree 0 means no CRC.
func frameCRC(data uint64, length int, polynom uint8, invert bool) uint64 {
	width := bits.Len8(polynom) - 1
	if width <= 0 {
		return 0
	}
	mask := uint64(1)<<uint(width) - 1
	p := &crc.Parameters{
		Width:      uint(width),
		Polynomial: uint64(polynom) & mask,
		Init:       0,
	}
	if invert {
		p.FinalXor = mask
	}
	nbytes := (length + 7) / 8
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, data)
	return crc.CalculateCRC(p, buf[8-nbytes:])
}

// declared returns the configured slaves per channel, in declaration order
func (m *Mock) declared(module int) (cfgs [MaxBiSSSlaves]SlaveConfig, onChannel [2][]int) {
	cc := UnpackChannelConfig(m.mem.Read32(bissLayout.Offset(module, 0, bissChannelConfig)))
	for i := 0; i < MaxBiSSSlaves; i++ {
		cfg, valid := UnpackSlaveConfig(m.mem.Read32(bissLayout.Offset(module, 0, bissSlaveConfig+i)))
		if !valid {
			continue
		}
		cfgs[i] = cfg
		ch := int(cc.OnChannel1>>uint(i)) & 1
		onChannel[ch] = append(onChannel[ch], i)
	}
	return cfgs, onChannel
}

// sensorData shifts the data of every slave into the data block.  It reports
// false when a slave is missing or its CRC does not match the configuration.
func (m *Mock) sensorData(module int) bool {
	s := m.BiSS[module]
	cfgs, onChannel := m.declared(module)
	ok := true
	for ch, list := range onChannel {
		for k, i := range list {
			if i >= len(s.Slaves) {
				ok = false
				continue
			}
			sl := s.Slaves[i]
			cfg := cfgs[i]
			length := int(cfg.DataLength)
			if frameCRC(sl.Data, length, sl.CRCPolynom, sl.CRCInvert) != frameCRC(sl.Data, length, cfg.Polynom, cfg.Invert) {
				ok = false
			}
			reg := sensorDataRegister(ch, len(list)-1-k)
			m.mem.Write32(bissLayout.Offset(module, 0, reg), uint32(sl.Data))
			m.mem.Write32(bissLayout.Offset(module, 0, reg+1), uint32(sl.Data>>32))
		}
	}
	return ok
}

// registerTransfer moves bytes between the register window and the slave
// addressed by the communication configuration
func (m *Mock) registerTransfer(module int) bool {
	s := m.BiSS[module]
	cc := UnpackCommConfig(m.mem.Read32(bissLayout.Offset(module, 0, bissCommConfig)))
	ra := UnpackRegisterAccess(m.mem.Read32(bissLayout.Offset(module, 0, bissRegisterCtrl)))
	_, onChannel := m.declared(module)
	list := onChannel[cc.Channel]
	if int(cc.SlaveID) >= len(list) || list[cc.SlaveID] >= len(s.Slaves) {
		return false
	}
	sl := &s.Slaves[list[cc.SlaveID]]
	for i := 0; i < int(ra.Size); i++ {
		addr := (int(ra.Address) + i) % len(sl.Registers)
		off := bissLayout.Offset(module, 0, bissRegWindow+i/4)
		w := m.mem.Read32(off)
		if ra.Write {
			sl.Registers[addr] = byte(w >> (8 * uint(i%4)))
			continue
		}
		shift := 8 * uint(i%4)
		w = w&^(0xFF<<shift) | uint32(sl.Registers[addr])<<shift
		m.mem.Write32(off, w)
	}
	return true
}

func (m *Mock) bissCommand(module int, cmd byte) {
	s := m.BiSS[module]
	s.Commands = append(s.Commands, cmd)
	defer func() {
		m.mem.Write32(bissLayout.Offset(module, 0, bissStatus), s.status.Pack())
	}()

	if cmd == cmdBreak {
		s.rounds, s.inRound = 0, false
		s.status = BiSSStatus{Busy: s.BreakHang, NoError: true}
		return
	}
	if s.inRound {
		s.Overlapped++
		return
	}
	if s.Hang[cmd] {
		s.status = BiSSStatus{Busy: true, NoError: true}
		return
	}
	st := BiSSStatus{EOT: true, NoError: !s.Fail[cmd]}
	switch cmd {
	case cmdInit:
		s.rounds = 0
	case cmdGetSensorData:
		if !m.sensorData(module) {
			st.NoError = false
		}
	case cmdRegisterAccess:
		cc := UnpackCommConfig(m.mem.Read32(bissLayout.Offset(module, 0, bissCommConfig)))
		if !cc.ModeC {
			st.RegReady = true
			if !m.registerTransfer(module) {
				st.NoError = false
			}
			break
		}
		s.rounds++
		if s.RoundTime > 0 && m.Clock != nil {
			s.inRound = true
			s.roundEnd = m.Clock.Now().Add(s.RoundTime)
			st = BiSSStatus{Busy: true, NoError: true}
			break
		}
		st = m.endRound(module)
	}
	s.status = st
}

// endRound is the status at the end of a mode C round
func (m *Mock) endRound(module int) BiSSStatus {
	s := m.BiSS[module]
	st := BiSSStatus{EOT: true, RegPhase: true, DoneValid: 1, NoError: !s.Fail[cmdRegisterAccess]}
	if s.rounds >= s.RoundsNeeded {
		s.rounds = 0
		st.DoneValid = 3
		if !m.registerTransfer(module) {
			st.NoError = false
		}
	}
	return st
}

// bissStatusRead ends a timed round once its time has passed
func (m *Mock) bissStatusRead(module int) {
	s := m.BiSS[module]
	if !s.inRound || m.Clock.Now().Before(s.roundEnd) {
		return
	}
	s.inRound = false
	s.status = m.endRound(module)
	m.mem.Write32(bissLayout.Offset(module, 0, bissStatus), s.status.Pack())
}
