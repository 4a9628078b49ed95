package domain

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Marker identifies one committed epoch of a store. It is the block
// number the epoch was committed at.
//
// EmptyMarker is returned by stores that have never committed. Because
// of that, block 0 can not be committed as an epoch.
type Marker uint64

// EmptyMarker is the "never committed" sentinel.
const EmptyMarker Marker = 0

// IsEmpty reports whether m is the "never committed" sentinel.
func (m Marker) IsEmpty() bool {
	return m == EmptyMarker
}

// String renders the marker for logs and diagnostics.
func (m Marker) String() string {
	if m.IsEmpty() {
		return "<empty>"
	}
	return strconv.FormatUint(uint64(m), 10)
}

// Bytes encodes the marker as 8 big-endian bytes.
func (m Marker) Bytes() []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(m))
	return buf[:]
}

// MarkerFromBytes decodes a marker written by Bytes.
func MarkerFromBytes(b []byte) (Marker, error) {
	if len(b) != 8 {
		return EmptyMarker, fmt.Errorf("marker: want 8 bytes, got %d", len(b))
	}
	return Marker(binary.BigEndian.Uint64(b)), nil
}

// RoundDown returns the nearest snapshot boundary at or below block.
// Snapshot boundaries are a deterministic function of chain height, so
// every honest peer produces its snapshot at the same boundary.
func RoundDown(block uint64, interval uint64) uint64 {
	if interval == 0 {
		return block
	}
	return block - block%interval
}

// ParseHexQuantity parses an Ethereum-style hex quantity ("0x1a").
func ParseHexQuantity(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, fmt.Errorf("hex quantity %q: missing 0x prefix", s)
	}
	digits := s[2:]
	if digits == "" {
		return 0, fmt.Errorf("hex quantity %q: no digits", s)
	}
	return strconv.ParseUint(digits, 16, 64)
}

// FormatHexQuantity renders n as an Ethereum-style hex quantity.
func FormatHexQuantity(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}
