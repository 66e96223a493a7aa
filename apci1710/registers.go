package apci1710

import (
	"github.com/nasa-jpl/apci1710/comm"
	"github.com/nasa-jpl/apci1710/util"
)

// moduleStride is the number of words of one module block
const moduleStride = 64

var (
	endatLayout = comm.Layout{ModuleStride: moduleStride, ChannelStride: 16}
	bissLayout  = comm.Layout{ModuleStride: moduleStride}
)

// EnDat channel registers
const (
	endatControl = iota
	endatStatus
	endatErrorReset
	endatFrequency
	endatMode
	endatMRSAddress
	endatCommand
	endatExtraCommand
	endatParameter
	endatPositionLow
	endatPositionHigh
	endatPositionSize
	endatAddInfo1
	endatAddInfo2
	endatAddInfoCodes
)

const (
	endatStartBit = 0
	endatAbortBit = 1
	endatBusyBit  = 0
	endatED22Bit  = 1

	addInfoMask = 0x1FFFFF
)

// EnDatControl is the control register of an EnDat channel
type EnDatControl struct {
	Start        bool
	Abort        bool
	AddInfoCount uint8
}

// Pack encodes the control word
func (c EnDatControl) Pack() uint32 {
	var w uint32
	w = util.SetBit(w, endatStartBit, c.Start)
	w = util.SetBit(w, endatAbortBit, c.Abort)
	return util.SetField(w, 4, 2, uint32(c.AddInfoCount))
}

// UnpackEnDatControl decodes a control word
func UnpackEnDatControl(w uint32) EnDatControl {
	return EnDatControl{
		Start:        util.GetBit(w, endatStartBit),
		Abort:        util.GetBit(w, endatAbortBit),
		AddInfoCount: uint8(util.Field(w, 4, 2)),
	}
}

// EnDatStatus is the status register of an EnDat channel
type EnDatStatus struct {
	Busy bool

	// EnDat22 is AllowEnDat22Command, set once the sensor has reported
	// EnDat 2.2 capability
	EnDat22 bool

	// Errors is the 12-bit error source mask
	Errors uint16
}

// UnpackEnDatStatus decodes a status word
func UnpackEnDatStatus(w uint32) EnDatStatus {
	return EnDatStatus{
		Busy:    util.GetBit(w, endatBusyBit),
		EnDat22: util.GetBit(w, endatED22Bit),
		Errors:  uint16(util.Field(w, 4, 12)),
	}
}

// Pack encodes the status word
func (s EnDatStatus) Pack() uint32 {
	var w uint32
	w = util.SetBit(w, endatBusyBit, s.Busy)
	w = util.SetBit(w, endatED22Bit, s.EnDat22)
	return util.SetField(w, 4, 12, uint32(s.Errors))
}

// Bits of the error source mask of the EnDat status register
const (
	ErrBitPositionCRC uint16 = 1 << iota
	ErrBitAddInfo1CRC
	ErrBitAddInfo2CRC
	ErrBitParameterCRC
	ErrBitAlarm
	ErrBitError2
	ErrBitNoStart
	ErrBitPropagation
	ErrBitMRSMismatch
	ErrBitAddInfoMismatch
	ErrBitOverflow
	ErrBitSummary
)

// ErrorSources are the individual error flags of an EnDat channel
type ErrorSources struct {
	PositionCRC     bool
	AddInfo1CRC     bool
	AddInfo2CRC     bool
	ParameterCRC    bool
	Alarm           bool
	Error2          bool
	NoStart         bool
	Propagation     bool
	MRSMismatch     bool
	AddInfoMismatch bool
	Overflow        bool
}

// DecodeErrorSources splits an error mask into its flags.  The summary bit
// is not reported; it is set whenever any other flag is.
func DecodeErrorSources(mask uint16) ErrorSources {
	return ErrorSources{
		PositionCRC:     mask&ErrBitPositionCRC != 0,
		AddInfo1CRC:     mask&ErrBitAddInfo1CRC != 0,
		AddInfo2CRC:     mask&ErrBitAddInfo2CRC != 0,
		ParameterCRC:    mask&ErrBitParameterCRC != 0,
		Alarm:           mask&ErrBitAlarm != 0,
		Error2:          mask&ErrBitError2 != 0,
		NoStart:         mask&ErrBitNoStart != 0,
		Propagation:     mask&ErrBitPropagation != 0,
		MRSMismatch:     mask&ErrBitMRSMismatch != 0,
		AddInfoMismatch: mask&ErrBitAddInfoMismatch != 0,
		Overflow:        mask&ErrBitOverflow != 0,
	}
}

// EnDatMode is the mode register of an EnDat channel
type EnDatMode struct {
	Mode         uint8
	AddInfoCount uint8
}

// Pack encodes the mode word
func (m EnDatMode) Pack() uint32 {
	w := util.SetField(0, 0, 6, uint32(m.Mode))
	return util.SetField(w, 8, 2, uint32(m.AddInfoCount))
}

// UnpackEnDatMode decodes a mode word
func UnpackEnDatMode(w uint32) EnDatMode {
	return EnDatMode{Mode: uint8(util.Field(w, 0, 6)), AddInfoCount: uint8(util.Field(w, 8, 2))}
}

// PackMRSAddress encodes the MRS code / address register
func PackMRSAddress(mrs, address uint8) uint32 {
	return uint32(mrs)<<8 | uint32(address)
}

// EncodeCommand builds the command word of an EnDat transmission: the mode
// command in the top byte, an MRS code or address in the next byte, and a
// 16-bit parameter
func EncodeCommand(mode, mrsOrAddress uint8, param uint16) uint32 {
	return uint32(mode)<<24 | uint32(mrsOrAddress)<<16 | uint32(param)
}

// DecodeCommand splits a command word
func DecodeCommand(w uint32) (mode, mrsOrAddress uint8, param uint16) {
	return uint8(w >> 24), uint8(w >> 16), uint16(w)
}

// PackAddInfoCodes encodes the bookkeeping register holding the MRS codes of
// the active additional information
func PackAddInfoCodes(ai1, ai2 uint8) uint32 {
	return uint32(ai2)<<8 | uint32(ai1)
}

// UnpackAddInfoCodes decodes the bookkeeping register
func UnpackAddInfoCodes(w uint32) (ai1, ai2 uint8) {
	return uint8(w), uint8(w >> 8)
}

// FrequencyDivider returns the frequency register value for a clock
// frequency in kHz and whether that frequency is supported.  Bits [7:0] are
// the clock divider from 125 MHz, [15:8] the recovery time count, bit 16
// selects the /2 prescaler needed below 500 kHz.
func FrequencyDivider(kHz int) (uint32, bool) {
	switch kHz {
	case 250:
		return 1<<16 | 79<<8 | 249, true
	case 500:
		return 39<<8 | 249, true
	case 800:
		return 24<<8 | 155, true
	case 1000:
		return 19<<8 | 124, true
	case 1250:
		return 15<<8 | 99, true
	case 2000:
		return 9<<8 | 61, true
	case 2500:
		return 7<<8 | 49, true
	case 4000:
		return 4<<8 | 30, true
	case 5000:
		return 3<<8 | 24, true
	case 6666:
		return 2<<8 | 17, true
	default:
		return 0, false
	}
}

// BiSS master registers
const (
	bissCommand       = 0
	bissStatus        = 1
	bissFrequency     = 2
	bissSlaveConfig   = 4
	bissChannelConfig = 10
	bissCommunication = 11
	bissRegisterCtrl  = 12
	bissCommConfig    = 13
	bissSensorData    = 16
	bissRegWindow     = 40

	bissSensorDataStride = 12
	bissRegWindowBytes   = 64
)

// BiSS master commands
const (
	cmdBreak          = 0x01
	cmdGetSensorData  = 0x04
	cmdRegisterAccess = 0x08
	cmdInit           = 0x10

	// commRegisterModelC selects model C, register communication
	commRegisterModelC = 0x3

	// freqAGS is the fixed automatic get sensor field of the frequency register
	freqAGS = 0x32
)

// BiSS status bits
const (
	bissBusyBit     = 0
	bissEOTBit      = 1
	bissRegReadyBit = 2
	bissRegPhaseBit = 3
	bissNoErrorBit  = 6
)

// BiSSStatus is the status register of a BiSS master
type BiSSStatus struct {
	Busy bool

	// EOT is set at the end of a transmission
	EOT bool

	// RegReady signals a finished register access in mode B
	RegReady bool

	// RegPhase signals the start of the register handshake in mode C
	RegPhase bool

	// DoneValid holds the done and valid bits of a mode C register access
	DoneValid uint8

	// NoError is nERR, cleared when the transmission failed
	NoError bool
}

// UnpackBiSSStatus decodes a status word
func UnpackBiSSStatus(w uint32) BiSSStatus {
	return BiSSStatus{
		Busy:      util.GetBit(w, bissBusyBit),
		EOT:       util.GetBit(w, bissEOTBit),
		RegReady:  util.GetBit(w, bissRegReadyBit),
		RegPhase:  util.GetBit(w, bissRegPhaseBit),
		DoneValid: uint8(util.Field(w, 4, 2)),
		NoError:   util.GetBit(w, bissNoErrorBit),
	}
}

// Pack encodes the status word
func (s BiSSStatus) Pack() uint32 {
	var w uint32
	w = util.SetBit(w, bissBusyBit, s.Busy)
	w = util.SetBit(w, bissEOTBit, s.EOT)
	w = util.SetBit(w, bissRegReadyBit, s.RegReady)
	w = util.SetBit(w, bissRegPhaseBit, s.RegPhase)
	w = util.SetField(w, 4, 2, uint32(s.DoneValid))
	return util.SetBit(w, bissNoErrorBit, s.NoError)
}

// PackBiSSFrequency sets the sensor and register divisors of a frequency
// word, leaving the other fields as they are
func PackBiSSFrequency(w uint32, sensorDivisor, registerDivisor uint8) uint32 {
	w = util.SetField(w, 0, 5, uint32(sensorDivisor))
	return util.SetField(w, 8, 3, uint32(registerDivisor))
}

// SlaveConfig is the configuration register of one BiSS slave
type SlaveConfig struct {
	DataLength uint8
	Option     bool
	Polynom    uint8
	Invert     bool
}

// Pack encodes the slave word.  The length is stored minus one on six bits,
// so a length of 0 wraps and is stored like 64.  The polynomial is stored
// without its constant term, and the valid bit is always set.
func (s SlaveConfig) Pack() uint32 {
	w := util.SetField(0, 0, 6, uint32(s.DataLength)-1)
	w = util.SetBit(w, 6, s.Option)
	w = util.SetBit(w, 7, true)
	w = util.SetField(w, 8, 7, uint32(s.Polynom>>1))
	return util.SetBit(w, 15, s.Invert)
}

// UnpackSlaveConfig decodes a slave word.  valid is false for an unused
// slot.  The low bit of the polynomial is restored as 1.
func UnpackSlaveConfig(w uint32) (s SlaveConfig, valid bool) {
	s = SlaveConfig{
		DataLength: uint8(util.Field(w, 0, 6) + 1),
		Option:     util.GetBit(w, 6),
		Polynom:    uint8(util.Field(w, 8, 7)<<1 | 1),
		Invert:     util.GetBit(w, 15),
	}
	return s, util.GetBit(w, 7)
}

// ChannelConfig is the channel configuration register of a BiSS master
type ChannelConfig struct {
	Modes    [2]ChannelMode
	SubModes [2]BiSSMode

	// OnChannel1 has bit i set when slave i is wired to channel 1
	OnChannel1 uint8
}

// Pack encodes the channel word
func (c ChannelConfig) Pack() uint32 {
	var w uint32
	for ch := uint(0); ch < 2; ch++ {
		w = util.SetBit(w, 2*ch, c.Modes[ch] == ModeSSI)
		w = util.SetBit(w, 2*ch+1, c.SubModes[ch] == BiSSModeC)
	}
	return util.SetField(w, 8, 6, uint32(c.OnChannel1))
}

// UnpackChannelConfig decodes a channel word
func UnpackChannelConfig(w uint32) ChannelConfig {
	var c ChannelConfig
	for ch := uint(0); ch < 2; ch++ {
		c.Modes[ch] = ChannelMode(util.Field(w, 2*ch, 1))
		c.SubModes[ch] = BiSSMode(util.Field(w, 2*ch+1, 1))
	}
	c.OnChannel1 = uint8(util.Field(w, 8, 6))
	return c
}

// RegisterAccess is the register access control word of a BiSS master
type RegisterAccess struct {
	Address uint8
	Size    uint8
	Write   bool
}

// Pack encodes the access word, the size is stored minus one
func (r RegisterAccess) Pack() uint32 {
	w := util.SetField(0, 0, 7, uint32(r.Address))
	w = util.SetField(w, 8, 6, uint32(r.Size)-1)
	return util.SetBit(w, 15, r.Write)
}

// UnpackRegisterAccess decodes an access word
func UnpackRegisterAccess(w uint32) RegisterAccess {
	return RegisterAccess{
		Address: uint8(util.Field(w, 0, 7)),
		Size:    uint8(util.Field(w, 8, 6) + 1),
		Write:   util.GetBit(w, 15),
	}
}

// CommConfig is the communication configuration word of a register access
type CommConfig struct {
	ModeC   bool
	SlaveID uint8
	Channel uint8
}

// Pack encodes the communication word
func (c CommConfig) Pack() uint32 {
	w := util.SetBit(0, 0, c.ModeC)
	w = util.SetField(w, 1, 3, uint32(c.SlaveID))
	return util.SetField(w, 4, 1, uint32(c.Channel))
}

// UnpackCommConfig decodes a communication word
func UnpackCommConfig(w uint32) CommConfig {
	return CommConfig{
		ModeC:   util.GetBit(w, 0),
		SlaveID: uint8(util.Field(w, 1, 3)),
		Channel: uint8(util.Field(w, 4, 1)),
	}
}

// sensorDataRegister is the register holding the low word of data slot
// index on a channel, the high word follows
func sensorDataRegister(channel, index int) int {
	return bissSensorData + bissSensorDataStride*channel + 2*index
}
