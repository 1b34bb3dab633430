package netinfo

import (
	"bufio"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// NeighborRegex matches `ip neigh` lines which
//   - Start with the neighbor's address (match group 1)
//   - Carry an `lladdr` token followed by a colon separated 6 byte address (match group 2)
var NeighborRegex = regexp.MustCompile(
	`^(\S+)\s.*\blladdr\s+([0-9a-fA-F]{2}(?::[0-9a-fA-F]{2}){5})\b`,
)

// HardwareAddr is an Ethernet address. The zero value means "unknown".
type HardwareAddr [6]byte

// String formats the address with upper case hex digits.
func (h HardwareAddr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", h[0], h[1], h[2], h[3], h[4], h[5])
}

func (h HardwareAddr) IsZero() bool {
	return h == HardwareAddr{}
}

// ParseNeighbor returns the hardware address of the first line of output
// carrying an lladdr token. ok is false (and the address zero) on a miss.
func ParseNeighbor(output string) (addr HardwareAddr, ok bool) {
	return parseNeighbor(output, "")
}

// parseNeighbor is ParseNeighbor restricted to lines whose destination field
// equals dst. An empty dst matches any line.
func parseNeighbor(output, dst string) (HardwareAddr, bool) {
	scanner := bufio.NewScanner(strings.NewReader(output))

	for scanner.Scan() {
		m := NeighborRegex.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}

		if dst != "" && m[1] != dst {
			continue
		}

		mac, err := net.ParseMAC(m[2])
		if err != nil || len(mac) != len(HardwareAddr{}) {
			continue
		}

		var addr HardwareAddr
		copy(addr[:], mac)

		return addr, true
	}

	return HardwareAddr{}, false
}
