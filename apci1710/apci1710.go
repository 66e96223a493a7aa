/*
Package apci1710 drives the serial sensor interfaces of ADDI-DATA
APCI-1710 and APCIe-1711 boards: EnDat 2.2 channels and BiSS masters.

A board carries four modules.  Each module has a functionality fixed in
firmware and read once when the board is attached; EnDat calls on a module
that is not an EnDat module (or BiSS calls on a module that is not a BiSS
master) are rejected before any register is touched.

The hardware does not enforce the protocols, the driver does.  Every call
validates its arguments and the state of the module, programs the registers,
starts the transmission, and polls a status bit with a timeout.  A timeout is
always followed by a recovery action (abort pattern for EnDat, break command
for BiSS) so the hardware is idle for the next call.  Nothing is retried.

Basic usage:

	cfg := config.DefaultBoard()
	b, err := apci1710.Open(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer b.Close()
	info, err := b.InitialiseSensor(0, 0, 1000) // module 0, channel 0, 1 MHz
	if err != nil {
		log.Fatal(err)
	}
	pos, err := b.SensorSendPositionValue(0, 0)

Errors are *Error values.  errors.Is with ErrValidation, ErrTimeout and
ErrTransmission selects the tier, CodeOf returns the numeric code.
*/
package apci1710

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/apci1710/comm"
	"github.com/nasa-jpl/apci1710/config"
)

const (
	// NumModules is the number of module slots on a board
	NumModules = 4

	// NumEnDatChannels is the number of EnDat channels of one module
	NumEnDatChannels = 2

	// MaxBiSSSlaves is the number of slaves a BiSS master can address
	MaxBiSSSlaves = 6

	// functionalityRegister is the word index of the functionality of module 0;
	// the other modules follow
	functionalityRegister = NumModules * moduleStride
)

// Functionality is the firmware loaded on a module
type Functionality uint16

const (
	// FuncNone is reported by an empty slot
	FuncNone Functionality = 0

	// FuncEnDat is an EnDat 2.2 interface with two channels, "EN"
	FuncEnDat Functionality = 0x454E

	// FuncBiSSMaster is a BiSS master with two channels, "BM"
	FuncBiSSMaster Functionality = 0x424D

	// FuncCounter is an incremental counter, "SC"
	FuncCounter Functionality = 0x5343

	// FuncSSI is an SSI counter, "SI"
	FuncSSI Functionality = 0x5349

	// FuncTTL is a TTL digital IO, "TI"
	FuncTTL Functionality = 0x5449

	// FuncDIO is a digital IO, "DI"
	FuncDIO Functionality = 0x4449

	// FuncChrono is a chronometer, "CH"
	FuncChrono Functionality = 0x4348

	// FuncPulse is a pulse encoder, "PE"
	FuncPulse Functionality = 0x5045
)

var functionalityNames = map[Functionality]string{
	FuncNone:       "",
	FuncEnDat:      "endat",
	FuncBiSSMaster: "biss",
	FuncCounter:    "counter",
	FuncSSI:        "ssi",
	FuncTTL:        "ttl",
	FuncDIO:        "dio",
	FuncChrono:     "chrono",
	FuncPulse:      "pulse",
}

func (f Functionality) String() string {
	if s, ok := functionalityNames[f]; ok && s != "" {
		return s
	}
	return fmt.Sprintf("0x%04X", uint16(f))
}

// ParseFunctionality converts a configuration name to a Functionality.
// The empty string maps to FuncNone.
func ParseFunctionality(s string) (Functionality, error) {
	s = strings.ToLower(s)
	for f, name := range functionalityNames {
		if name == s {
			return f, nil
		}
	}
	return FuncNone, fmt.Errorf("apci1710: unknown functionality %q", s)
}

// FunctionalityOffset is the byte offset of the functionality register of a
// module.  The functionality is held in the upper 16 bits.
func FunctionalityOffset(module int) uintptr {
	return uintptr(functionalityRegister+module) * comm.WordSize
}

// processBiSS serializes BiSS traffic of every board configured with the
// process wide lock
var processBiSS sync.Mutex

// Board is one APCI-1710/APCIe-1711.  Its methods are safe for concurrent
// use: EnDat calls hold the board lock, BiSS calls hold the BiSS lock.
type Board struct {
	// Name identifies the board in logs
	Name string

	// Logger receives recovery actions and protocol failures
	Logger *log.Logger

	win    comm.Window
	poll   *comm.Poller
	closer io.Closer
	funcs  [NumModules]Functionality

	// mu is the board lock
	mu    sync.Mutex
	endat [NumModules][NumEnDatChannels]endatChannel

	bissMu      *sync.Mutex
	ownBiSSMu   sync.Mutex
	biss        [NumModules]bissModule
	legacyMasks bool
}

// NewBoard attaches to the registers in w.  The functionality of each module
// is read from the board, then overridden by cfg.Modules.  clock paces the
// polling and the settle delays; nil selects the wall clock.
func NewBoard(w comm.Window, cfg config.Board, clock comm.Clock) (*Board, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Board{
		Name:        cfg.Name,
		Logger:      log.New(os.Stderr, "apci1710: "+cfg.Name+" ", log.LstdFlags),
		win:         w,
		poll:        comm.NewPoller(clock, time.Duration(cfg.PollIntervalUs)*time.Microsecond),
		legacyMasks: cfg.DataMask != config.MaskWidth,
	}
	if cfg.BiSSLock == config.LockProcess {
		b.bissMu = &processBiSS
	} else {
		b.bissMu = &b.ownBiSSMu
	}
	for m := 0; m < NumModules; m++ {
		b.funcs[m] = Functionality(w.Read32(FunctionalityOffset(m)) >> 16)
		if m < len(cfg.Modules) && cfg.Modules[m] != "" {
			f, err := ParseFunctionality(cfg.Modules[m])
			if err != nil {
				return nil, err
			}
			b.funcs[m] = f
		}
	}
	return b, nil
}

// Open attaches to the board described by cfg, either the hardware behind
// cfg.Resource or a simulated board when cfg.Mock is set.  A simulated board
// carries EnDat on modules 0 and 2 and BiSS masters on modules 1 and 3
// unless cfg.Modules says otherwise.
func Open(cfg config.Board) (*Board, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mock {
		funcs := [NumModules]Functionality{FuncEnDat, FuncBiSSMaster, FuncEnDat, FuncBiSSMaster}
		for m := 0; m < len(cfg.Modules) && m < NumModules; m++ {
			if cfg.Modules[m] == "" {
				continue
			}
			f, err := ParseFunctionality(cfg.Modules[m])
			if err != nil {
				return nil, err
			}
			funcs[m] = f
		}
		return NewBoard(NewMock(funcs), cfg, nil)
	}
	mapping, err := comm.MapResource(cfg.Resource, cfg.ResourceSize)
	if err != nil {
		return nil, err
	}
	b, err := NewBoard(mapping, cfg, nil)
	if err != nil {
		mapping.Close()
		return nil, err
	}
	b.closer = mapping
	b.Logger.Printf("attached %s, modules %v", cfg.Resource, b.funcs)
	return b, nil
}

// Close releases the register window
func (b *Board) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// Functionality returns the functionality of a module.
//
// Validation codes: 1 module.
func (b *Board) Functionality(module int) (Functionality, error) {
	if module < 0 || module >= NumModules {
		return FuncNone, invalid("Functionality", 1, "module %d out of range [0,%d]", module, NumModules-1)
	}
	return b.funcs[module], nil
}

// Window returns the register window of the board
func (b *Board) Window() comm.Window {
	return b.win
}
