package bpf

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// ErrMapAccess is returned when a pinned map is missing or cannot be written.
var ErrMapAccess = errors.New("map access failed")

// Maps pinned by tc for the egress program live under this directory.
const PinDir = "/sys/fs/bpf/tc/globals"

const (
	// InterfaceMapPath holds the interface's IPv4 address.
	InterfaceMapPath = PinDir + "/interface_map"
	// MACMapPath holds the default gateway's hardware address.
	MACMapPath = PinDir + "/mac_map"
)

// SingletonKey is the only key ever written to the shared maps.
const SingletonKey = uint32(0)

// IPv4Value encodes addr in network byte order. The invalid or non-IPv4
// address encodes as zero.
func IPv4Value(addr netip.Addr) [4]byte {
	if !addr.Is4() {
		return [4]byte{}
	}

	return addr.As4()
}

// HardwareAddrValue packs a 6 byte hardware address into the low 48 bits of
// a uint64, first byte most significant: aa:bb:cc:dd:ee:ff -> 0xaabbccddeeff.
func HardwareAddrValue(mac [6]byte) uint64 {
	var b [8]byte
	copy(b[2:], mac[:])

	return binary.BigEndian.Uint64(b[:])
}
