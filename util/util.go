// Package util contains misc internal utilities for packing hardware words.
package util

// GetBit returns the value of a given bit in a 32-bit word
func GetBit(w uint32, bitIndex uint) bool {
	return (w>>bitIndex)&1 == 1
}

// SetBit sets or clears a given bit in a 32-bit word and returns the new word
func SetBit(w uint32, bitIndex uint, value bool) uint32 {
	if value {
		return w | (1 << bitIndex)
	}
	return w &^ (1 << bitIndex)
}

// Mask returns a mask with the lowest width bits set.
// widths of 32 and above return a full mask
func Mask(width uint) uint32 {
	if width >= 32 {
		return 0xFFFFFFFF
	}
	return (1 << width) - 1
}

// Field extracts width bits starting at shift
func Field(w uint32, shift, width uint) uint32 {
	return (w >> shift) & Mask(width)
}

// SetField replaces width bits starting at shift with v.
// bits of v above width are discarded
func SetField(w uint32, shift, width uint, v uint32) uint32 {
	m := Mask(width) << shift
	return (w &^ m) | ((v << shift) & m)
}

// BoolToBit converts a bool to 0 or 1
func BoolToBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// ByteLane returns byte number lane (0 = least significant) of a word
func ByteLane(w uint32, lane uint) byte {
	return byte(w >> (8 * lane))
}

// SetByteLane replaces byte number lane of a word, leaving the others untouched
func SetByteLane(w uint32, lane uint, b byte) uint32 {
	return SetField(w, 8*lane, 8, uint32(b))
}
