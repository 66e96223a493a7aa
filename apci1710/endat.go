package apci1710

import (
	"time"

	"github.com/nasa-jpl/apci1710/util"
)

// EnDat mode commands
const (
	ModeSelectMemoryArea  = 0x0E
	ModePositionMemArea   = 0x09
	ModeSendParameter     = 0x23
	ModeReceiveParameter  = 0x1C
	ModePosition          = 0x07
	ModeReset             = 0x2A
	ModePositionAddInfo   = 0x38
	DeactivateAddInfo1MRS = 0x4F
	DeactivateAddInfo2MRS = 0x5F
)

const (
	endatTransmissionTimeout = 1000 * time.Millisecond
	endatAbortRecovery       = 30 * time.Millisecond
	endatSettle              = time.Millisecond
	endatParameterDelay      = 10 * time.Millisecond
	endatResetDelay          = 50 * time.Millisecond
)

// memory areas reachable with EnDat 2.1 commands
var baseMRS = []uint8{0xB9, 0xA1, 0xA3, 0xA5, 0xA7, 0xA9, 0xAB, 0xAD, 0xAF, 0xB1, 0xB3, 0xB5, 0xB7}

// memory areas only reachable with EnDat 2.2 commands
var extendedMRS = []uint8{0xBD, 0xBF, 0xBB}

func isBaseMRS(mrs uint8) bool {
	for _, v := range baseMRS {
		if v == mrs {
			return true
		}
	}
	return false
}

func isExtendedMRS(mrs uint8) bool {
	for _, v := range extendedMRS {
		if v == mrs {
			return true
		}
	}
	return false
}

// BaseMRSCodes returns the memory area codes accepted by every EnDat call
func BaseMRSCodes() []uint8 {
	return append([]uint8(nil), baseMRS...)
}

// ExtendedMRSCodes returns the memory area codes that need EnDat 2.2
func ExtendedMRSCodes() []uint8 {
	return append([]uint8(nil), extendedMRS...)
}

// Position is a position word read from an EnDat sensor
type Position struct {
	Low  uint32
	High uint32

	// Bits is the width of the position reported by the interface
	Bits uint32
}

// Value returns the position as a single integer
func (p Position) Value() uint64 {
	return uint64(p.High)<<32 | uint64(p.Low)
}

// PositionAddInfo is a position with the two additional information words
type PositionAddInfo struct {
	Position
	AddInfo1 uint32
	AddInfo2 uint32
}

// SensorInfo is what InitialiseSensor learns from the sensor
type SensorInfo struct {
	Alarms       uint16
	Warnings     uint16
	PositionBits uint16
	EnDatType    uint16
}

type endatChannel struct {
	initialized bool
}

type endatCmd struct {
	mode    uint8
	mrs     uint8
	address uint8
	word    uint32
	extra   uint32
	// hasExtra is true when extra is written after the start of the transmission
	hasExtra bool
}

func (b *Board) endatRead(module, channel, register int) uint32 {
	return b.win.Read32(endatLayout.Offset(module, channel, register))
}

func (b *Board) endatWrite(module, channel, register int, v uint32) {
	b.win.Write32(endatLayout.Offset(module, channel, register), v)
}

func (b *Board) checkEnDat(op string, module, channel int) error {
	if module < 0 || module >= NumModules {
		return invalid(op, 1, "module %d out of range", module)
	}
	if channel < 0 || channel >= NumEnDatChannels {
		return invalid(op, 2, "channel %d out of range", channel)
	}
	if b.funcs[module] != FuncEnDat {
		return invalid(op, 3, "module %d is %v, not endat", module, b.funcs[module])
	}
	return nil
}

func (b *Board) checkEnDatInit(op string, module, channel int) error {
	if err := b.checkEnDat(op, module, channel); err != nil {
		return err
	}
	if !b.endat[module][channel].initialized {
		return invalid(op, 4, "sensor on module %d channel %d is not initialised", module, channel)
	}
	return nil
}

func (b *Board) endat22(module, channel int) bool {
	return UnpackEnDatStatus(b.endatRead(module, channel, endatStatus)).EnDat22
}

// sendCommand performs one EnDat transmission and waits for its end.
// On timeout the transmission is aborted.
func (b *Board) sendCommand(op string, module, channel int, c endatCmd) error {
	ctl := UnpackEnDatControl(b.endatRead(module, channel, endatControl))
	ctl.Start, ctl.Abort = false, false
	b.endatWrite(module, channel, endatMRSAddress, PackMRSAddress(c.mrs, c.address))
	b.endatWrite(module, channel, endatMode, EnDatMode{Mode: c.mode, AddInfoCount: ctl.AddInfoCount}.Pack())
	b.endatWrite(module, channel, endatCommand, c.word)
	start := ctl
	start.Start = true
	b.endatWrite(module, channel, endatControl, start.Pack())
	if c.hasExtra {
		b.endatWrite(module, channel, endatExtraCommand, c.extra)
	}

	off := endatLayout.Offset(module, channel, endatStatus)
	if err := b.poll.PollBit(b.win, off, endatBusyBit, false, endatTransmissionTimeout); err != nil {
		b.Logger.Printf("endat module %d channel %d: mode 0x%02X did not complete, aborting", module, channel, c.mode)
		abort := ctl
		abort.Abort = true
		b.endatWrite(module, channel, endatControl, abort.Pack())
		b.poll.Sleep(endatAbortRecovery)
		b.endatWrite(module, channel, endatControl, ctl.Pack())
		return timeout(op, "waiting for end of transmission")
	}
	b.poll.Sleep(endatSettle)
	return nil
}

// checkErrors reports a transmission error when any error source is set
func (b *Board) checkErrors(op string, module, channel int) error {
	st := UnpackEnDatStatus(b.endatRead(module, channel, endatStatus))
	if st.Errors != 0 {
		b.Logger.Printf("endat module %d channel %d: error sources 0x%03X", module, channel, st.Errors)
		return transmission(op, "error sources set")
	}
	return nil
}

func (b *Board) command(op string, module, channel int, c endatCmd) error {
	if err := b.sendCommand(op, module, channel, c); err != nil {
		return err
	}
	return b.checkErrors(op, module, channel)
}

func (b *Board) receiveReset(op string, module, channel int) error {
	b.endat[module][channel].initialized = false
	b.endatWrite(module, channel, endatFrequency, 0)
	b.endatWrite(module, channel, endatMode, 0)
	return b.command(op, module, channel, endatCmd{mode: ModeReset, word: EncodeCommand(ModeReset, 0, 0)})
}

func (b *Board) selectArea(op string, module, channel int, mrs uint8) error {
	return b.command(op, module, channel, endatCmd{
		mode: ModeSelectMemoryArea,
		mrs:  mrs,
		word: EncodeCommand(ModeSelectMemoryArea, mrs, 0),
	})
}

func (b *Board) sendParameter(op string, module, channel int, mrs, address uint8) (uint16, error) {
	err := b.sendCommand(op, module, channel, endatCmd{
		mode:    ModeSendParameter,
		mrs:     mrs,
		address: address,
		word:    EncodeCommand(ModeSendParameter, address, 0),
	})
	if err != nil {
		return 0, err
	}
	b.poll.Sleep(endatParameterDelay)
	v := uint16(b.endatRead(module, channel, endatParameter))
	return v, b.checkErrors(op, module, channel)
}

func (b *Board) receiveParameter(op string, module, channel int, mrs, address uint8, value uint16) error {
	return b.command(op, module, channel, endatCmd{
		mode:    ModeReceiveParameter,
		mrs:     mrs,
		address: address,
		word:    EncodeCommand(ModeReceiveParameter, address, value),
	})
}

func (b *Board) readPosition(module, channel int) Position {
	return Position{
		Low:  b.endatRead(module, channel, endatPositionLow),
		High: b.endatRead(module, channel, endatPositionHigh),
		Bits: b.endatRead(module, channel, endatPositionSize),
	}
}

// InitialiseSensor resets the sensor on a channel, clears its alarms and
// warnings, reads its position width and type, and programs the clock
// frequency in kHz.  Supported frequencies are 250, 500, 800, 1000, 1250,
// 2000, 2500, 4000, 5000, and 6666 kHz.
//
// Validation codes: 1 module, 2 channel, 3 functionality, 4 frequency.
// A failed step leaves the channel uninitialised and returns the code of the
// step: 5 reset, 6 select 0xB9, 7 read alarms, 8 read warnings, 9 clear
// alarms, 10 clear warnings, 11 select 0xA1, 12 read position width,
// 13 select 0xA5, 14 read EnDat type.
func (b *Board) InitialiseSensor(module, channel, kHz int) (SensorInfo, error) {
	const op = "InitialiseSensor"
	b.mu.Lock()
	defer b.mu.Unlock()
	var info SensorInfo
	if err := b.checkEnDat(op, module, channel); err != nil {
		return info, err
	}
	divider, ok := FrequencyDivider(kHz)
	if !ok {
		return info, invalid(op, 4, "unsupported frequency %d kHz", kHz)
	}

	if err := b.receiveReset(op, module, channel); err != nil {
		return info, stepFailed(op, 5, "reset", err)
	}
	b.poll.Sleep(endatResetDelay)
	// set before the sequence so a half initialised sensor is visible as
	// such; rolled back on failure
	b.endat[module][channel].initialized = true

	steps := []struct {
		code uint16
		name string
		fn   func() error
	}{
		{6, "select memory area 0xB9", func() error { return b.selectArea(op, module, channel, 0xB9) }},
		{7, "read alarms", func() (err error) { info.Alarms, err = b.sendParameter(op, module, channel, 0xB9, 0); return }},
		{8, "read warnings", func() (err error) { info.Warnings, err = b.sendParameter(op, module, channel, 0xB9, 1); return }},
		{9, "clear alarms", func() error { return b.receiveParameter(op, module, channel, 0xB9, 0, 0) }},
		{10, "clear warnings", func() error { return b.receiveParameter(op, module, channel, 0xB9, 1, 0) }},
		{11, "select memory area 0xA1", func() error { return b.selectArea(op, module, channel, 0xA1) }},
		{12, "read position width", func() (err error) { info.PositionBits, err = b.sendParameter(op, module, channel, 0xA1, 0xD); return }},
		{13, "select memory area 0xA5", func() error { return b.selectArea(op, module, channel, 0xA5) }},
		{14, "read EnDat type", func() (err error) { info.EnDatType, err = b.sendParameter(op, module, channel, 0xA5, 5); return }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			b.endat[module][channel].initialized = false
			return info, stepFailed(op, s.code, s.name, err)
		}
	}

	b.endatWrite(module, channel, endatFrequency, divider)
	if err := b.checkErrors(op, module, channel); err != nil {
		b.endat[module][channel].initialized = false
		return info, err
	}
	return info, nil
}

// SensorInitialized reports whether the sensor on a channel is initialised
func (b *Board) SensorInitialized(module, channel int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkEnDat("SensorInitialized", module, channel); err != nil {
		return false, err
	}
	return b.endat[module][channel].initialized, nil
}

// EnDat22 reports whether the channel currently allows EnDat 2.2 commands.
// The capability is read from the hardware on every call.
func (b *Board) EnDat22(module, channel int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkEnDat("EnDat22", module, channel); err != nil {
		return false, err
	}
	return b.endat22(module, channel), nil
}

// SensorReceiveReset reboots the sensor on a channel and marks it
// uninitialised.  The clock is stopped until the next InitialiseSensor.
//
// Validation codes: 1 module, 2 channel, 3 functionality.
func (b *Board) SensorReceiveReset(module, channel int) error {
	const op = "SensorReceiveReset"
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkEnDat(op, module, channel); err != nil {
		return err
	}
	return b.receiveReset(op, module, channel)
}

// ResetErrorBits clears the sticky error sources of a channel, and reports a
// transmission error if some remain set.
//
// Validation codes: 1 module, 2 channel, 3 functionality.
func (b *Board) ResetErrorBits(module, channel int) error {
	const op = "ResetErrorBits"
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkEnDat(op, module, channel); err != nil {
		return err
	}
	b.endatWrite(module, channel, endatErrorReset, 1)
	return b.checkErrors(op, module, channel)
}

// GetErrorSources decodes the error sources of a channel
//
// Validation codes: 1 module, 2 channel, 3 functionality.
func (b *Board) GetErrorSources(module, channel int) (ErrorSources, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkEnDat("GetErrorSources", module, channel); err != nil {
		return ErrorSources{}, err
	}
	return DecodeErrorSources(UnpackEnDatStatus(b.endatRead(module, channel, endatStatus)).Errors), nil
}

// SelectMemoryArea selects the memory area used by the following parameter
// transfers.
//
// Validation codes: 1 module, 2 channel, 3 functionality, 4 not initialised,
// 5 MRS code.
func (b *Board) SelectMemoryArea(module, channel int, mrs uint8) error {
	const op = "SelectMemoryArea"
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkEnDatInit(op, module, channel); err != nil {
		return err
	}
	if !isBaseMRS(mrs) {
		return invalid(op, 5, "MRS code 0x%02X not allowed", mrs)
	}
	return b.selectArea(op, module, channel, mrs)
}

// SensorSendPositionAndRecvMemArea reads the position and selects a memory
// area in the same transmission.  The areas 0xBD, 0xBF, and 0xBB are
// accepted when the channel allows EnDat 2.2 commands.
//
// Validation codes: 1 module, 2 channel, 3 functionality, 4 not initialised,
// 5 MRS code, 6 EnDat 2.2 not allowed.
func (b *Board) SensorSendPositionAndRecvMemArea(module, channel int, mrs uint8) (Position, error) {
	const op = "SensorSendPositionAndRecvMemArea"
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkEnDatInit(op, module, channel); err != nil {
		return Position{}, err
	}
	extended := isExtendedMRS(mrs)
	if !isBaseMRS(mrs) && !extended {
		return Position{}, invalid(op, 5, "MRS code 0x%02X not allowed", mrs)
	}
	if extended && !b.endat22(module, channel) {
		return Position{}, invalid(op, 6, "MRS code 0x%02X needs EnDat 2.2", mrs)
	}
	err := b.command(op, module, channel, endatCmd{
		mode: ModePositionMemArea,
		mrs:  mrs,
		word: EncodeCommand(ModePositionMemArea, mrs, 0),
	})
	if err != nil {
		return Position{}, err
	}
	return b.readPosition(module, channel), nil
}

// SensorSendParameter reads the parameter at address of a memory area.
//
// Validation codes: 1 module, 2 channel, 3 functionality, 4 not initialised,
// 5 MRS code, 6 address, 7 EnDat 2.2 not allowed.
func (b *Board) SensorSendParameter(module, channel int, mrs uint8, address int) (uint16, error) {
	const op = "SensorSendParameter"
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkEnDatInit(op, module, channel); err != nil {
		return 0, err
	}
	extended := isExtendedMRS(mrs)
	if !isBaseMRS(mrs) && !extended {
		return 0, invalid(op, 5, "MRS code 0x%02X not allowed", mrs)
	}
	if address < 0 || address > 0xFF {
		return 0, invalid(op, 6, "address 0x%X out of range", address)
	}
	if extended && !b.endat22(module, channel) {
		return 0, invalid(op, 7, "MRS code 0x%02X needs EnDat 2.2", mrs)
	}
	return b.sendParameter(op, module, channel, mrs, uint8(address))
}

// SensorReceiveParameter writes value to the parameter at address of a
// memory area.  The EnDat 2.2 areas are read only.
//
// Validation codes: 1 module, 2 channel, 3 functionality, 4 not initialised,
// 5 MRS code, 6 address.
func (b *Board) SensorReceiveParameter(module, channel int, mrs uint8, address int, value uint16) error {
	const op = "SensorReceiveParameter"
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkEnDatInit(op, module, channel); err != nil {
		return err
	}
	if !isBaseMRS(mrs) {
		return invalid(op, 5, "MRS code 0x%02X not allowed", mrs)
	}
	if address < 0 || address > 0xFF {
		return invalid(op, 6, "address 0x%X out of range", address)
	}
	return b.receiveParameter(op, module, channel, mrs, uint8(address), value)
}

// SensorSendPositionValue reads the position of the sensor.
//
// Validation codes: 1 module, 2 channel, 3 functionality, 4 not initialised.
func (b *Board) SensorSendPositionValue(module, channel int) (Position, error) {
	const op = "SensorSendPositionValue"
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkEnDatInit(op, module, channel); err != nil {
		return Position{}, err
	}
	err := b.command(op, module, channel, endatCmd{mode: ModePosition, word: EncodeCommand(ModePosition, 0, 0)})
	if err != nil {
		return Position{}, err
	}
	return b.readPosition(module, channel), nil
}

// setAddInfoState records the active additional information in the control
// and bookkeeping registers
func (b *Board) setAddInfoState(module, channel int, count, ai1, ai2 uint8) {
	ctl := UnpackEnDatControl(b.endatRead(module, channel, endatControl))
	ctl.Start, ctl.Abort = false, false
	ctl.AddInfoCount = count
	b.endatWrite(module, channel, endatControl, ctl.Pack())
	b.endatWrite(module, channel, endatAddInfoCodes, PackAddInfoCodes(ai1, ai2))
}

// SelectAdditionalData sets the number of additional information words sent
// with each position, 0, 1 or 2, and their MRS codes.  ai1 must be in
// [0x40,0x4E] when count >= 1, ai2 in [0x50,0x5B] when count is 2.  Only the
// changes from the current state are transmitted: the second word is
// deactivated, then the first, then the first is activated, then the second.
//
// Validation codes: 1 module, 2 channel, 3 functionality, 4 not initialised,
// 5 EnDat 2.2 not allowed, 6 count, 7 ai1, 8 ai2.
// A failed transmission returns 9 deactivate second, 10 deactivate first,
// 11 activate first, 12 activate second.
func (b *Board) SelectAdditionalData(module, channel, count int, ai1, ai2 uint8) error {
	const op = "SelectAdditionalData"
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkEnDatInit(op, module, channel); err != nil {
		return err
	}
	if !b.endat22(module, channel) {
		return invalid(op, 5, "additional information needs EnDat 2.2")
	}
	if count < 0 || count > 2 {
		return invalid(op, 6, "additional information count %d not in [0,2]", count)
	}
	if count >= 1 && (ai1 < 0x40 || ai1 > 0x4E) {
		return invalid(op, 7, "additional information 1 code 0x%02X not in [0x40,0x4E]", ai1)
	}
	if count == 2 && (ai2 < 0x50 || ai2 > 0x5B) {
		return invalid(op, 8, "additional information 2 code 0x%02X not in [0x50,0x5B]", ai2)
	}

	cur, cur1, cur2 := b.activeAddInfo(module, channel)
	req := uint8(count)

	toggle := func(mrs uint8, activate bool) error {
		c := endatCmd{mode: ModePositionMemArea, mrs: mrs, word: EncodeCommand(ModePositionMemArea, mrs, 0)}
		if activate {
			c.extra, c.hasExtra = uint32(mrs)<<16, true
		}
		return b.command(op, module, channel, c)
	}

	if cur == 2 && req < 2 {
		if err := toggle(DeactivateAddInfo2MRS, false); err != nil {
			return stepFailed(op, 9, "deactivate additional information 2", err)
		}
		cur, cur2 = 1, 0
		b.setAddInfoState(module, channel, cur, cur1, cur2)
	}
	if cur >= 1 && req == 0 {
		if err := toggle(DeactivateAddInfo1MRS, false); err != nil {
			return stepFailed(op, 10, "deactivate additional information 1", err)
		}
		cur, cur1 = 0, 0
		b.setAddInfoState(module, channel, cur, cur1, cur2)
	}
	if req >= 1 && (cur == 0 || cur1 != ai1) {
		if err := toggle(ai1, true); err != nil {
			return stepFailed(op, 11, "activate additional information 1", err)
		}
		if cur == 0 {
			cur = 1
		}
		cur1 = ai1
		b.setAddInfoState(module, channel, cur, cur1, cur2)
	}
	if req == 2 && (cur < 2 || cur2 != ai2) {
		if err := toggle(ai2, true); err != nil {
			return stepFailed(op, 12, "activate additional information 2", err)
		}
		cur, cur2 = 2, ai2
		b.setAddInfoState(module, channel, cur, cur1, cur2)
	}
	b.endatWrite(module, channel, endatAddInfo1, 0)
	b.endatWrite(module, channel, endatAddInfo2, 0)
	return nil
}

// SensorSendPositionValueWithAdditionalData reads the position and the
// active additional information words.
//
// Validation codes: 1 module, 2 channel, 3 functionality, 4 not initialised,
// 5 EnDat 2.2 not allowed.
func (b *Board) SensorSendPositionValueWithAdditionalData(module, channel int) (PositionAddInfo, error) {
	const op = "SensorSendPositionValueWithAdditionalData"
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkEnDatInit(op, module, channel); err != nil {
		return PositionAddInfo{}, err
	}
	if !b.endat22(module, channel) {
		return PositionAddInfo{}, invalid(op, 5, "additional information needs EnDat 2.2")
	}
	err := b.command(op, module, channel, endatCmd{mode: ModePositionAddInfo, word: EncodeCommand(ModePositionAddInfo, 0, 0)})
	if err != nil {
		return PositionAddInfo{}, err
	}
	return PositionAddInfo{
		Position: b.readPosition(module, channel),
		AddInfo1: b.endatRead(module, channel, endatAddInfo1) & addInfoMask,
		AddInfo2: b.endatRead(module, channel, endatAddInfo2) & addInfoMask,
	}, nil
}

// activeAddInfo returns the count and codes of the active additional
// information as held by the hardware
func (b *Board) activeAddInfo(module, channel int) (count, ai1, ai2 uint8) {
	count = uint8(util.Field(b.endatRead(module, channel, endatControl), 4, 2))
	ai1, ai2 = UnpackAddInfoCodes(b.endatRead(module, channel, endatAddInfoCodes))
	return count, ai1, ai2
}
