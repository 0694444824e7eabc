// Package sphericode implements the SpheriCode geo-encoding: a fixed-length,
// lexicographically sortable Crockford Base32 rendering of a Morton-interleaved
// (latitude, longitude) pair.
//
// Codes sharing a prefix identify nested grid cells, which makes a code prefix
// usable directly as a shard key. Prefix adjacency does not imply geographic
// adjacency at cell boundaries; callers that need recall guarantees must
// over-cover (see the cover package).
package sphericode

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Alphabet is the Crockford Base32 alphabet (excludes I, L, O, U).
const Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// DefaultBitsPerAxis yields 32-bit Morton codes rendered as 7 symbols.
const DefaultBitsPerAxis = 16

// MaxBitsPerAxis keeps the interleaved value within 52 bits, safely inside
// both uint64 and float64 integer range.
const MaxBitsPerAxis = 26

// ErrInvalidCoordinate is returned when a latitude/longitude pair or an
// encoded code is outside the valid domain.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

var decodeTable = func() [256]int8 {
	var t [256]int8
	for i := range t {
		t[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		c := Alphabet[i]
		t[c] = int8(i)
		if c >= 'A' && c <= 'Z' {
			t[c+'a'-'A'] = int8(i)
		}
	}
	return t
}()

// CodeLen returns the number of Base32 symbols of a full code at the given
// precision: ceil(2*bitsPerAxis / 5).
func CodeLen(bitsPerAxis int) int {
	return (2*bitsPerAxis + 4) / 5
}

// Validate checks that lat/lon form an encodable coordinate.
func Validate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return fmt.Errorf("%w: non-finite (%v, %v)", ErrInvalidCoordinate, lat, lon)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of [-90,90]", ErrInvalidCoordinate, lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v out of [-180,180]", ErrInvalidCoordinate, lon)
	}
	return nil
}

func checkBits(bitsPerAxis int) error {
	if bitsPerAxis < 1 || bitsPerAxis > MaxBitsPerAxis {
		return fmt.Errorf("%w: bitsPerAxis %d out of [1,%d]", ErrInvalidCoordinate, bitsPerAxis, MaxBitsPerAxis)
	}
	return nil
}

// Quantize maps a validated coordinate to integer cell indices on each axis
// using floor semantics. The inverse of CellCenter up to cell resolution.
func Quantize(lat, lon float64, bitsPerAxis int) (latCell, lonCell uint32, err error) {
	if err := checkBits(bitsPerAxis); err != nil {
		return 0, 0, err
	}
	if err := Validate(lat, lon); err != nil {
		return 0, 0, err
	}
	if lon == 180 {
		lon = -180 // the anti-meridian belongs to the western cell
	}
	maxVal := float64(uint32(1)<<bitsPerAxis - 1)
	latCell = uint32(math.Floor((lat + 90) / 180 * maxVal))
	lonCell = uint32(math.Floor((lon + 180) / 360 * maxVal))
	return latCell, lonCell, nil
}

// CellCenter returns the coordinate at the center of the given quantization
// cell. CellCenter(Quantize(p)) lands in the same cell as p.
func CellCenter(latCell, lonCell uint32, bitsPerAxis int) (lat, lon float64) {
	maxVal := float64(uint32(1)<<bitsPerAxis - 1)
	latNorm := (float64(latCell) + 0.5) / maxVal
	lonNorm := (float64(lonCell) + 0.5) / maxVal
	if latNorm > 1 {
		latNorm = 1
	}
	if lonNorm > 1 {
		lonNorm = 1
	}
	return latNorm*180 - 90, lonNorm*360 - 180
}

// Encode converts a coordinate to its fixed-length SpheriCode.
//
// Latitude bits occupy even Morton positions, longitude bits odd ones, so the
// resulting string order follows a Z-curve over the quantized grid.
func Encode(lat, lon float64, bitsPerAxis int) (string, error) {
	latCell, lonCell, err := Quantize(lat, lon, bitsPerAxis)
	if err != nil {
		return "", err
	}
	return CellCode(latCell, lonCell, bitsPerAxis), nil
}

// CellCode renders the code for a pair of integer cell indices. Indices must
// come from Quantize at the same precision.
func CellCode(latCell, lonCell uint32, bitsPerAxis int) string {
	m := interleave(latCell, lonCell, bitsPerAxis)
	return renderBase32(m, CodeLen(bitsPerAxis))
}

// Decode converts a code back to a coordinate at the center of its
// quantization cell. Decoding is lossy by design: the error is bounded by
// half the cell size (~180deg / 2^bitsPerAxis in latitude).
func Decode(code string, bitsPerAxis int) (lat, lon float64, err error) {
	latCell, lonCell, err := DecodeCell(code, bitsPerAxis)
	if err != nil {
		return 0, 0, err
	}
	lat, lon = CellCenter(latCell, lonCell, bitsPerAxis)
	return lat, lon, nil
}

// DecodeCell parses a full code into its integer cell indices.
// Parsing is case-insensitive.
func DecodeCell(code string, bitsPerAxis int) (latCell, lonCell uint32, err error) {
	if err := checkBits(bitsPerAxis); err != nil {
		return 0, 0, err
	}
	if len(code) != CodeLen(bitsPerAxis) {
		return 0, 0, fmt.Errorf("%w: code %q has length %d, want %d", ErrInvalidCoordinate, code, len(code), CodeLen(bitsPerAxis))
	}
	m, err := parseBase32(code)
	if err != nil {
		return 0, 0, err
	}
	latCell, lonCell = deinterleave(m, bitsPerAxis)
	return latCell, lonCell, nil
}

// PadBits is the number of zero bits at the top of the rendered code:
// 5*CodeLen - 2*bitsPerAxis. Prefix arithmetic must account for it.
func PadBits(bitsPerAxis int) int {
	return 5*CodeLen(bitsPerAxis) - 2*bitsPerAxis
}

// PrefixResolution reports how many leading bits of each axis a prefix of
// `depth` symbols pins down. A truncated code keeps the top 5*depth bits of
// the padded rendering, i.e. 5*depth-PadBits Morton bits.
func PrefixResolution(depth, bitsPerAxis int) (latBits, lonBits int) {
	kept := 5*depth - PadBits(bitsPerAxis)
	if kept < 0 {
		kept = 0
	}
	if kept > 2*bitsPerAxis {
		kept = 2 * bitsPerAxis
	}
	shift := 2*bitsPerAxis - kept
	// Morton bit 2i is latitude bit i, 2i+1 is longitude bit i.
	latBits = bitsPerAxis - (shift+1)/2
	lonBits = bitsPerAxis - shift/2
	return latBits, lonBits
}

// ValidPrefix reports whether s is a plausible code prefix: non-empty, at most
// a full code long, and drawn from the alphabet.
func ValidPrefix(s string, bitsPerAxis int) bool {
	if s == "" || len(s) > CodeLen(bitsPerAxis) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if decodeTable[s[i]] < 0 {
			return false
		}
	}
	return true
}

// Normalize upper-cases a code or prefix for comparison and storage keys.
func Normalize(s string) string {
	return strings.ToUpper(s)
}

func interleave(latCell, lonCell uint32, bitsPerAxis int) uint64 {
	var m uint64
	for i := 0; i < bitsPerAxis; i++ {
		if latCell&(1<<i) != 0 {
			m |= 1 << (2 * i)
		}
		if lonCell&(1<<i) != 0 {
			m |= 1 << (2*i + 1)
		}
	}
	return m
}

func deinterleave(m uint64, bitsPerAxis int) (latCell, lonCell uint32) {
	for i := 0; i < bitsPerAxis; i++ {
		if m&(1<<(2*i)) != 0 {
			latCell |= 1 << i
		}
		if m&(1<<(2*i+1)) != 0 {
			lonCell |= 1 << i
		}
	}
	return latCell, lonCell
}

func renderBase32(m uint64, digits int) string {
	buf := make([]byte, digits)
	for i := digits - 1; i >= 0; i-- {
		buf[i] = Alphabet[m&0x1F]
		m >>= 5
	}
	return string(buf)
}

func parseBase32(s string) (uint64, error) {
	var m uint64
	for i := 0; i < len(s); i++ {
		d := decodeTable[s[i]]
		if d < 0 {
			return 0, fmt.Errorf("%w: invalid code symbol %q", ErrInvalidCoordinate, s[i])
		}
		m = m<<5 | uint64(d)
	}
	return m, nil
}
