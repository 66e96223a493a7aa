package apci1710

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/apci1710/config"
)

// slaves A and B on channel 0 in mode B, slave C on channel 1 in mode C
func threeSlaves() MasterSetup {
	return MasterSetup{
		SensorDivisor:   4,
		RegisterDivisor: 2,
		Channels:        [2]ChannelSetup{{ModeBiSS, BiSSModeB}, {ModeBiSS, BiSSModeC}},
		Slaves: []SlaveSetup{
			{Channel: 0, DataLength: 24},
			{Channel: 0, DataLength: 8},
			{Channel: 1, DataLength: 32},
		},
	}
}

func newBiSSBoard(t *testing.T, cfg config.Board) (*Board, *Mock, *BiSSSim) {
	t.Helper()
	b, mock, _ := newTestBoardConfig(t, cfg)
	sim := mock.BiSS[1]
	sim.Slaves = make([]SimSlave, 3)
	if err := b.MasterInitSingleCycle(1, threeSlaves()); err != nil {
		t.Fatal(err)
	}
	sim.Commands = nil
	mock.ResetTrace()
	return b, mock, sim
}

func TestMasterInitThreeSlaves(t *testing.T) {
	b, mock, _ := newTestBoard(t)
	sim := mock.BiSS[1]
	sim.Slaves = make([]SimSlave, 3)
	if err := b.MasterInitSingleCycle(1, threeSlaves()); err != nil {
		t.Fatal(err)
	}
	got, err := b.Slaves(1)
	if err != nil {
		t.Fatal(err)
	}
	want := []SlaveInfo{
		{Channel: 0, ChannelMode: ModeBiSS, BiSSMode: BiSSModeB, DataLength: 24, DataSlaveIndex: 1, RegisterSlaveID: 0},
		{Channel: 0, ChannelMode: ModeBiSS, BiSSMode: BiSSModeB, DataLength: 8, DataSlaveIndex: 0, RegisterSlaveID: 1},
		{Channel: 1, ChannelMode: ModeBiSS, BiSSMode: BiSSModeC, DataLength: 32, DataSlaveIndex: 0, RegisterSlaveID: 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("slave metadata mismatch (-want +got):\n%s", diff)
	}

	reg := func(r int) uint32 { return mock.Peek(bissLayout.Offset(1, 0, r)) }
	for i, s := range threeSlaves().Slaves {
		if w, want := reg(bissSlaveConfig+i), (SlaveConfig{DataLength: uint8(s.DataLength)}).Pack(); w != want {
			t.Errorf("slave %d: expected config %#x got %#x", i, want, w)
		}
	}
	for i := 3; i < MaxBiSSSlaves; i++ {
		if w := reg(bissSlaveConfig + i); w != 0 {
			t.Errorf("slave slot %d: expected cleared, got %#x", i, w)
		}
	}
	if w := reg(bissChannelConfig); w != 0x408 {
		t.Errorf("expected channel word 0x408 got %#x", w)
	}
	if w := reg(bissCommunication); w != commRegisterModelC {
		t.Errorf("expected communication word 3 got %#x", w)
	}
	if w := reg(bissFrequency); w != 0x00320204 {
		t.Errorf("expected frequency word 0x00320204 got %#x", w)
	}
	if diff := cmp.Diff([]byte{cmdBreak, cmdInit}, sim.Commands); diff != "" {
		t.Errorf("command sequence mismatch (-want +got):\n%s\ntrace:\n%s", diff, spew.Sdump(mock.Trace()))
	}
}

func TestMasterInitValidation(t *testing.T) {
	cases := []struct {
		name   string
		module int
		edit   func(*MasterSetup)
		code   uint16
	}{
		{"module", 4, func(*MasterSetup) {}, 1},
		{"sensor divisor 16", 1, func(s *MasterSetup) { s.SensorDivisor = 16 }, 2},
		{"sensor divisor 32", 1, func(s *MasterSetup) { s.SensorDivisor = 32 }, 2},
		{"register divisor", 1, func(s *MasterSetup) { s.RegisterDivisor = 8 }, 3},
		{"channel 0 mode", 1, func(s *MasterSetup) { s.Channels[0].Mode = 2 }, 4},
		{"channel 1 submode", 1, func(s *MasterSetup) { s.Channels[1].SubMode = 2 }, 5},
		{"no slaves", 1, func(s *MasterSetup) { s.Slaves = nil }, 6},
		{"seven slaves", 1, func(s *MasterSetup) { s.Slaves = make([]SlaveSetup, 7) }, 6},
		{"slave channel", 1, func(s *MasterSetup) { s.Slaves[2].Channel = 2 }, 7},
		{"data length", 1, func(s *MasterSetup) { s.Slaves[1].DataLength = 65 }, 8},
		{"first slave on channel 1", 1, func(s *MasterSetup) { s.Slaves[0].Channel = 1 }, 9},
		{"channel 0 after channel 1", 1, func(s *MasterSetup) {
			s.Slaves[1].Channel = 1
			s.Slaves[2].Channel = 0
		}, 10},
		{"crc invert", 1, func(s *MasterSetup) { s.Slaves[0].CRCInvert = 2 }, 11},
		{"option", 1, func(s *MasterSetup) { s.Slaves[0].Option = -1 }, 12},
		{"endat module", 0, func(*MasterSetup) {}, 13},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, mock, _ := newTestBoard(t)
			s := threeSlaves()
			c.edit(&s)
			expectCode(t, b.MasterInitSingleCycle(c.module, s), c.code, ErrValidation)
			expectUntouched(t, mock)
		})
	}
}

func TestMasterInitFailures(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		b, mock, _ := newTestBoard(t)
		sim := mock.BiSS[1]
		sim.Hang[cmdInit] = true
		expectCode(t, b.MasterInitSingleCycle(1, threeSlaves()), CodeTimeout, ErrTimeout)
		if diff := cmp.Diff([]byte{cmdBreak, cmdInit, cmdBreak}, sim.Commands); diff != "" {
			t.Errorf("expected a break after the timeout (-want +got):\n%s", diff)
		}
		_, _, err := b.MasterSingleCycleDataRead(1, 0)
		expectCode(t, err, 3, ErrValidation)
	})
	t.Run("nERR", func(t *testing.T) {
		b, mock, _ := newTestBoard(t)
		sim := mock.BiSS[1]
		sim.Fail[cmdInit] = true
		expectCode(t, b.MasterInitSingleCycle(1, threeSlaves()), CodeTransmission, ErrTransmission)
		if last := sim.Commands[len(sim.Commands)-1]; last != cmdBreak {
			t.Errorf("expected a break after the error, got commands %v", sim.Commands)
		}
		if s, _ := b.Slaves(1); s != nil {
			t.Errorf("expected no slaves, got %v", s)
		}
	})
	t.Run("break", func(t *testing.T) {
		b, mock, _ := newTestBoard(t)
		mock.BiSS[1].BreakHang = true
		expectCode(t, b.MasterInitSingleCycle(1, threeSlaves()), CodeTimeout, ErrTimeout)
	})
}

func TestDataReadReverseSlots(t *testing.T) {
	cfg := config.DefaultBoard()
	cfg.DataMask = config.MaskWidth
	b, mock, sim := newBiSSBoard(t, cfg)
	sim.Slaves[0].Data = 0x01ABCDEF
	sim.Slaves[1].Data = 0x1FF
	sim.Slaves[2].Data = 0x1CAFEBABE

	want := [][2]uint32{{0xABCDEF, 0}, {0xFF, 0}, {0xCAFEBABE, 0}}
	for i, w := range want {
		lo, hi, err := b.MasterSingleCycleDataRead(1, i)
		if err != nil {
			t.Fatal(err)
		}
		if lo != w[0] || hi != w[1] {
			t.Errorf("slave %d: expected %#x %#x got %#x %#x", i, w[0], w[1], lo, hi)
		}
	}
	// the last slave of a channel occupies slot 0
	slots := map[int]uint32{16: 0x1FF, 18: 0x01ABCDEF, 28: 0xCAFEBABE}
	for r, v := range slots {
		if got := mock.Peek(bissLayout.Offset(1, 0, r)); got != v {
			t.Errorf("data register %d: expected %#x got %#x", r, v, got)
		}
	}
	if sim.Count(cmdGetSensorData) != 3 {
		t.Errorf("expected one get sensor data command per read, got %v", sim.Commands)
	}
}

func TestDataReadLegacyMask(t *testing.T) {
	b, _, sim := newBiSSBoard(t, config.DefaultBoard())
	sim.Slaves[0].Data = 0x01ABCDEF
	lo, hi, err := b.MasterSingleCycleDataRead(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if lo != 0x01000000 || hi != 0 {
		t.Errorf("expected the single bit mask to leave 0x01000000, got %#x %#x", lo, hi)
	}
}

func TestDataReadZeroLength(t *testing.T) {
	cfg := config.DefaultBoard()
	cfg.DataMask = config.MaskWidth
	b, mock, _ := newTestBoardConfig(t, cfg)
	sim := mock.BiSS[1]
	sim.Slaves = make([]SimSlave, 3)
	setup := threeSlaves()
	setup.Slaves[1].DataLength = 0
	if err := b.MasterInitSingleCycle(1, setup); err != nil {
		t.Fatal(err)
	}
	if w := mock.Peek(bissLayout.Offset(1, 0, bissSlaveConfig+1)); w&0x3F != 63 {
		t.Errorf("expected the length field of a zero length slave to wrap to 63, got %d", w&0x3F)
	}
	sim.Slaves[1].Data = 0xFFFFFFFFFFFFFFFF
	lo, hi, err := b.MasterSingleCycleDataRead(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if lo != 0 || hi != 0 {
		t.Errorf("expected a zero length slave to read as zero, got %#x %#x", lo, hi)
	}
}

func TestDataReadValidation(t *testing.T) {
	b, mock, _ := newBiSSBoard(t, config.DefaultBoard())
	cases := []struct {
		module, slave int
		code          uint16
	}{
		{-1, 0, 1},
		{4, 0, 1},
		{0, 0, 2},
		{2, 0, 2},
		{3, 0, 3},
		{1, 3, 4},
		{1, -1, 4},
	}
	for _, c := range cases {
		_, _, err := b.MasterSingleCycleDataRead(c.module, c.slave)
		expectCode(t, err, c.code, ErrValidation)
	}
	expectUntouched(t, mock)
}

func TestDataReadCRCMismatch(t *testing.T) {
	b, mock, _ := newTestBoard(t)
	sim := mock.BiSS[1]
	sim.Slaves = []SimSlave{{Data: 0x2A5, CRCPolynom: 0x43, CRCInvert: true}}
	setup := MasterSetup{Slaves: []SlaveSetup{{Channel: 0, DataLength: 12, CRCPolynom: 0x43}}}
	if err := b.MasterInitSingleCycle(1, setup); err != nil {
		t.Fatal(err)
	}
	_, _, err := b.MasterSingleCycleDataRead(1, 0)
	expectCode(t, err, CodeTransmission, ErrTransmission)

	setup.Slaves[0].CRCInvert = 1
	if err := b.MasterInitSingleCycle(1, setup); err != nil {
		t.Fatal(err)
	}
	if _, _, err := b.MasterSingleCycleDataRead(1, 0); err != nil {
		t.Errorf("expected matching CRC settings to read cleanly, got %v", err)
	}
}

func TestDataReadTimeoutBreaks(t *testing.T) {
	b, _, sim := newBiSSBoard(t, config.DefaultBoard())
	sim.Hang[cmdGetSensorData] = true
	_, _, err := b.MasterSingleCycleDataRead(1, 0)
	expectCode(t, err, CodeTimeout, ErrTimeout)
	if diff := cmp.Diff([]byte{cmdGetSensorData, cmdBreak}, sim.Commands); diff != "" {
		t.Errorf("expected a break after the timeout (-want +got):\n%s", diff)
	}
}

func TestRegisterAccessModeB(t *testing.T) {
	b, mock, sim := newBiSSBoard(t, config.DefaultBoard())
	data := []byte{1, 2, 3, 4, 5}
	if err := b.MasterSingleCycleRegisterWrite(1, 1, 10, len(data), data); err != nil {
		t.Fatal(err)
	}
	if got := sim.Slaves[1].Registers[10:15]; !bytes.Equal(got, data) {
		t.Errorf("expected slave 1 registers %v got %v", data, got)
	}
	if w := mock.Peek(bissLayout.Offset(1, 0, bissCommConfig)); w != (CommConfig{SlaveID: 1}).Pack() {
		t.Errorf("unexpected communication configuration %#x", w)
	}
	if w := mock.Peek(bissLayout.Offset(1, 0, bissRegisterCtrl)); w != 0x840A {
		t.Errorf("expected access word 0x840A got %#x", w)
	}
	if n := sim.Count(cmdRegisterAccess); n != 1 {
		t.Errorf("expected a single round in mode B, got %d", n)
	}

	got, err := b.MasterSingleCycleRegisterRead(1, 1, 10, len(data))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("expected to read %v back, got %v", data, got)
	}
	if sim.Slaves[0].Registers[10] != 0 {
		t.Error("expected slave 0 to be left alone")
	}
	if n := sim.Count(cmdRegisterAccess); n != 2 {
		t.Errorf("expected a single round per access in mode B, got %d", n)
	}
}

func TestRegisterWriteKeepsOtherLanes(t *testing.T) {
	b, mock, _ := newBiSSBoard(t, config.DefaultBoard())
	off := bissLayout.Offset(1, 0, bissRegWindow)
	mock.Write32(off, 0xAABBCCDD)
	if err := b.MasterSingleCycleRegisterWrite(1, 0, 0, 2, []byte{0x11, 0x22}); err != nil {
		t.Fatal(err)
	}
	if w := mock.Peek(off); w != 0xAABB2211 {
		t.Errorf("expected 0xAABB2211 got %#x", w)
	}
}

func TestRegisterAccessModeCRounds(t *testing.T) {
	b, _, sim := newBiSSBoard(t, config.DefaultBoard())
	sim.Slaves[2].Registers[0x7F] = 0x99
	sim.Slaves[2].Registers[0] = 0x42

	sim.RoundsNeeded = 1
	got, err := b.MasterSingleCycleRegisterRead(1, 2, 0x7F, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x99, 0x42}) {
		t.Errorf("expected the read to wrap to address 0, got %v", got)
	}
	if n := sim.Count(cmdRegisterAccess); n != 1 {
		t.Errorf("expected one round when done and valid come at once, got %d", n)
	}

	sim.Commands = nil
	sim.RoundsNeeded = 3
	if _, err := b.MasterSingleCycleRegisterRead(1, 2, 0, 1); err != nil {
		t.Fatal(err)
	}
	if n := sim.Count(cmdRegisterAccess); n != 3 {
		t.Errorf("expected 3 rounds, got %d: %v", n, sim.Commands)
	}
}

func TestRegisterAccessModeCTimedRounds(t *testing.T) {
	b, mock, sim := newBiSSBoard(t, config.DefaultBoard())
	mock.Clock = b.poll.Clock()
	sim.RoundTime = time.Millisecond
	sim.RoundsNeeded = 3
	sim.Slaves[2].Registers[5] = 0x5A

	got, err := b.MasterSingleCycleRegisterRead(1, 2, 5, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x5A}) {
		t.Errorf("expected to read 0x5A, got %v", got)
	}
	if n := sim.Count(cmdRegisterAccess); n != 3 {
		t.Errorf("expected 3 rounds, got %d: %v", n, sim.Commands)
	}

	data := []byte{7, 8}
	if err := b.MasterSingleCycleRegisterWrite(1, 2, 0x10, len(data), data); err != nil {
		t.Fatal(err)
	}
	if got := sim.Slaves[2].Registers[0x10:0x12]; !bytes.Equal(got, data) {
		t.Errorf("expected slave 2 registers %v got %v", data, got)
	}
	if n := sim.Count(cmdRegisterAccess); n != 6 {
		t.Errorf("expected 3 more rounds for the write, got %d in total", n)
	}
	if sim.Overlapped != 0 {
		t.Errorf("expected each round to end before the next command, %d commands sent over a running round", sim.Overlapped)
	}
}

func TestRegisterAccessModeCSlowRounds(t *testing.T) {
	b, mock, sim := newBiSSBoard(t, config.DefaultBoard())
	mock.Clock = b.poll.Clock()
	sim.RoundTime = 400 * time.Millisecond
	sim.RoundsNeeded = 3

	// the first round has its own timeout, the next two share one 500ms
	// deadline and cannot both finish
	_, err := b.MasterSingleCycleRegisterRead(1, 2, 0, 1)
	expectCode(t, err, CodeTimeout, ErrTimeout)
	if diff := cmp.Diff([]byte{cmdRegisterAccess, cmdRegisterAccess, cmdRegisterAccess, cmdBreak}, sim.Commands); diff != "" {
		t.Errorf("unexpected commands (-want +got):\n%s", diff)
	}
	if sim.Overlapped != 0 {
		t.Errorf("expected no command over a running round, got %d", sim.Overlapped)
	}
}

func TestRegisterAccessModeCDeadline(t *testing.T) {
	b, mock, _ := newTestBoard(t)
	sim := mock.BiSS[1]
	sim.Slaves = make([]SimSlave, 3)
	if err := b.MasterInitSingleCycle(1, threeSlaves()); err != nil {
		t.Fatal(err)
	}
	sim.Commands = nil
	sim.RoundsNeeded = 1 << 30
	clk := b.poll.Clock().(interface{ Slept() time.Duration })
	start := clk.Slept()

	_, err := b.MasterSingleCycleRegisterRead(1, 2, 0, 1)
	expectCode(t, err, CodeTimeout, ErrTimeout)
	if n := sim.Count(cmdRegisterAccess); n < 2 {
		t.Errorf("expected retried rounds, got %d", n)
	}
	if last := sim.Commands[len(sim.Commands)-1]; last != cmdBreak {
		t.Errorf("expected a break after the timeout, got %#x", last)
	}
	// one deadline for all rounds
	if waited := clk.Slept() - start; waited < 500*time.Millisecond || waited > 510*time.Millisecond {
		t.Errorf("expected to give up after about 500ms, waited %v", waited)
	}
}

func TestRegisterAccessFirstPollTimeout(t *testing.T) {
	for _, slave := range []int{0, 2} {
		b, _, sim := newBiSSBoard(t, config.DefaultBoard())
		sim.Hang[cmdRegisterAccess] = true
		_, err := b.MasterSingleCycleRegisterRead(1, slave, 0, 1)
		expectCode(t, err, CodeTimeout, ErrTimeout)
		if diff := cmp.Diff([]byte{cmdRegisterAccess, cmdBreak}, sim.Commands); diff != "" {
			t.Errorf("slave %d: expected one round then a break (-want +got):\n%s", slave, diff)
		}
	}
}

func TestRegisterAccessError(t *testing.T) {
	b, _, sim := newBiSSBoard(t, config.DefaultBoard())
	sim.Fail[cmdRegisterAccess] = true
	err := b.MasterSingleCycleRegisterWrite(1, 0, 0, 1, []byte{1})
	expectCode(t, err, CodeTransmission, ErrTransmission)
}

func TestRegisterAccessValidation(t *testing.T) {
	b, mock, _ := newTestBoard(t)
	bs := mock.BiSS[1]
	bs.Slaves = make([]SimSlave, 3)
	setup := threeSlaves()
	setup.Channels[1].Mode = ModeSSI
	if err := b.MasterInitSingleCycle(1, setup); err != nil {
		t.Fatal(err)
	}
	bs.Commands = nil
	mock.ResetTrace()

	read := func(module, slave, addr, size int) error {
		_, err := b.MasterSingleCycleRegisterRead(module, slave, addr, size)
		return err
	}
	expectCode(t, read(5, 0, 0, 1), 1, ErrValidation)
	expectCode(t, read(0, 0, 0, 1), 2, ErrValidation)
	expectCode(t, read(3, 0, 0, 1), 3, ErrValidation)
	expectCode(t, read(1, 3, 0, 1), 4, ErrValidation)
	expectCode(t, read(1, 0, 128, 1), 5, ErrValidation)
	expectCode(t, read(1, 0, -1, 1), 5, ErrValidation)
	expectCode(t, read(1, 0, 0, 0), 6, ErrValidation)
	expectCode(t, read(1, 0, 0, 65), 6, ErrValidation)
	expectCode(t, read(1, 2, 0, 1), 7, ErrValidation)
	expectCode(t, b.MasterSingleCycleRegisterWrite(1, 2, 0, 1, []byte{1}), 7, ErrValidation)
	expectCode(t, b.MasterSingleCycleRegisterWrite(1, 0, 0, 4, []byte{1, 2}), 8, ErrValidation)
	expectUntouched(t, mock)
	if len(bs.Commands) != 0 {
		t.Errorf("expected no command, got %v", bs.Commands)
	}
}

func TestMasterRelease(t *testing.T) {
	b, mock, _ := newBiSSBoard(t, config.DefaultBoard())
	expectCode(t, b.MasterReleaseSingleCycle(-1), 1, ErrValidation)
	expectCode(t, b.MasterReleaseSingleCycle(0), 2, ErrValidation)
	if err := b.MasterReleaseSingleCycle(1); err != nil {
		t.Fatal(err)
	}
	expectUntouched(t, mock)
	_, _, err := b.MasterSingleCycleDataRead(1, 0)
	expectCode(t, err, 3, ErrValidation)
	if s, err := b.Slaves(1); err != nil || s != nil {
		t.Errorf("expected no slaves after release, got %v %v", s, err)
	}
}

func TestBreakCommand(t *testing.T) {
	b, mock, _ := newTestBoard(t)
	expectCode(t, b.BreakCommand(0), 2, ErrValidation)
	if err := b.BreakCommand(3); err != nil {
		t.Fatal(err)
	}
	if w := mock.Writes(3, bissCommand); len(w) != 1 || w[0] != cmdBreak {
		t.Errorf("expected a break command, got %v", w)
	}
	mock.BiSS[3].BreakHang = true
	expectCode(t, b.BreakCommand(3), CodeTimeout, ErrTimeout)
}

func TestBiSSLockScope(t *testing.T) {
	cfg := config.DefaultBoard()
	a, _, _ := newTestBoardConfig(t, cfg)
	b, _, _ := newTestBoardConfig(t, cfg)
	if a.bissMu == b.bissMu {
		t.Error("expected per board locks by default")
	}
	cfg.BiSSLock = config.LockProcess
	c, _, _ := newTestBoardConfig(t, cfg)
	d, _, _ := newTestBoardConfig(t, cfg)
	if c.bissMu != d.bissMu || c.bissMu != &processBiSS {
		t.Error("expected the process lock to be shared")
	}
}

func TestBiSSConcurrentBoards(t *testing.T) {
	cfg := config.DefaultBoard()
	cfg.BiSSLock = config.LockProcess
	cfg.DataMask = config.MaskWidth
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 2; i++ {
		b, _, sim := newBiSSBoard(t, cfg)
		sim.Slaves[2].Data = uint64(i + 1)
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func(b *Board, want uint32) {
				defer wg.Done()
				for n := 0; n < 50; n++ {
					lo, _, err := b.MasterSingleCycleDataRead(1, 2)
					if err == nil && lo != want {
						err = fmt.Errorf("read %d expected %d", lo, want)
					}
					if err != nil {
						mu.Lock()
						errs = append(errs, err)
						mu.Unlock()
						return
					}
				}
			}(b, uint32(i+1))
		}
	}
	wg.Wait()
	if len(errs) != 0 {
		t.Errorf("concurrent reads failed: %v", errs)
	}
}
