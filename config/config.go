// Package config holds the configuration of the boards driven by a process.
//
// The configuration is a YAML file.  Keys left out of the file take their
// default value; a missing file yields the default configuration, a single
// mock board.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

// FileName is the default name of the configuration file
const FileName = "apci1710.yml"

const (
	// LockBoard scopes the BiSS lock to one board
	LockBoard = "board"

	// LockProcess shares one BiSS lock between every board of the process
	LockProcess = "process"

	// MaskLegacy reproduces the single-bit data mask of the vendor driver
	MaskLegacy = "legacy"

	// MaskWidth keeps the dataLength lowest bits of a sensor word
	MaskWidth = "width"

	// DefaultResourceSize is the size of the register BAR of an APCIe-1711
	DefaultResourceSize = 4096
)

var (
	// ErrNoBoards is generated when the configuration lists no boards
	ErrNoBoards = errors.New("config: no boards configured")

	// ModuleKinds are the accepted values of Board.Modules entries
	ModuleKinds = []string{"", "endat", "biss", "counter", "ssi", "ttl", "dio", "chrono", "pulse"}
)

// Board is the configuration of one APCI-1710/APCIe-1711
type Board struct {
	// Name identifies the board in logs
	Name string `koanf:"name" yaml:"name"`

	// Resource is the path to the PCI resource file of the register BAR,
	// e.g. /sys/bus/pci/devices/0000:03:00.0/resource2
	Resource string `koanf:"resource" yaml:"resource"`

	// ResourceSize is the number of bytes of the BAR to map
	ResourceSize int `koanf:"resource_size" yaml:"resource_size"`

	// Mock replaces the hardware with a simulated board
	Mock bool `koanf:"mock" yaml:"mock"`

	// Modules overrides the functionality read from the board, per module.
	// An empty string keeps the value reported by the hardware.
	Modules []string `koanf:"modules" yaml:"modules"`

	// BiSSLock is the scope of the BiSS lock, "board" or "process"
	BiSSLock string `koanf:"biss_lock" yaml:"biss_lock"`

	// PollIntervalUs is the time between two reads of a status register,
	// in microseconds
	PollIntervalUs int `koanf:"poll_interval_us" yaml:"poll_interval_us"`

	// DataMask is the masking policy of BiSS sensor data, "legacy" or "width"
	DataMask string `koanf:"data_mask" yaml:"data_mask"`
}

// Config is the top level configuration
type Config struct {
	Boards []Board `koanf:"boards" yaml:"boards"`
}

// DefaultBoard returns a board with every field at its default value
func DefaultBoard() Board {
	return Board{
		Name:           "apci1710",
		ResourceSize:   DefaultResourceSize,
		Mock:           true,
		BiSSLock:       LockBoard,
		PollIntervalUs: 100,
		DataMask:       MaskLegacy,
	}
}

// Default returns the default configuration
func Default() Config {
	return Config{Boards: []Board{DefaultBoard()}}
}

// fill replaces zero values of b with defaults
func (b *Board) fill() {
	d := DefaultBoard()
	if b.ResourceSize == 0 {
		b.ResourceSize = d.ResourceSize
	}
	if b.BiSSLock == "" {
		b.BiSSLock = d.BiSSLock
	}
	if b.PollIntervalUs == 0 {
		b.PollIntervalUs = d.PollIntervalUs
	}
	if b.DataMask == "" {
		b.DataMask = d.DataMask
	}
}

// Load reads the configuration file at path on top of the defaults.
// A missing file is not an error.  The result is validated.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) && !strings.Contains(err.Error(), "no such") {
			return Config{}, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}
	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	for i := range c.Boards {
		c.Boards[i].fill()
	}
	return c, c.Validate()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Validate checks a board configuration
func (b Board) Validate() error {
	if !b.Mock && b.Resource == "" {
		return fmt.Errorf("config: board %q: resource is required unless mock is set", b.Name)
	}
	if b.ResourceSize <= 0 || b.ResourceSize%4 != 0 {
		return fmt.Errorf("config: board %q: resource_size %d must be a positive multiple of 4", b.Name, b.ResourceSize)
	}
	if len(b.Modules) > 4 {
		return fmt.Errorf("config: board %q: %d modules listed, a board has 4", b.Name, len(b.Modules))
	}
	for i, m := range b.Modules {
		if !contains(ModuleKinds, m) {
			return fmt.Errorf("config: board %q: module %d: unknown functionality %q", b.Name, i, m)
		}
	}
	if b.BiSSLock != LockBoard && b.BiSSLock != LockProcess {
		return fmt.Errorf("config: board %q: biss_lock must be %q or %q, got %q", b.Name, LockBoard, LockProcess, b.BiSSLock)
	}
	if b.PollIntervalUs < 0 {
		return fmt.Errorf("config: board %q: poll_interval_us must not be negative", b.Name)
	}
	if b.DataMask != MaskLegacy && b.DataMask != MaskWidth {
		return fmt.Errorf("config: board %q: data_mask must be %q or %q, got %q", b.Name, MaskLegacy, MaskWidth, b.DataMask)
	}
	return nil
}

// Validate checks every board and the uniqueness of their names
func (c Config) Validate() error {
	if len(c.Boards) == 0 {
		return ErrNoBoards
	}
	seen := map[string]bool{}
	for _, b := range c.Boards {
		if err := b.Validate(); err != nil {
			return err
		}
		if seen[b.Name] {
			return fmt.Errorf("config: duplicate board name %q", b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}

// Write emits c as YAML
func Write(w io.Writer, c Config) error {
	enc := yml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(c)
}
