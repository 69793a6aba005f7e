// Package testsupport is an internal-only package that provides utilities for testing uniformity.
package testsupport

import (
	"fmt"
	"math"
	"math/rand/v2"
	"net/netip"
	"strconv"
	"sync"
)

// ExpectedActual returns a newline-prefixed string comparing the expected result to the actual result.
// Should be used to add clarity to unit test error messages.
func ExpectedActual[T any](expected, actual T) string {
	return fmt.Sprintf("\n\tExpected: '%v'\n\tActual: '%v'", expected, actual)
}

var (
	usedPorts   = make(map[uint16]bool)
	usedPortsMu sync.Mutex
)

// RandomLocalhostAddrPort returns an addrport on localhost with a randomly
// selected port >= 1024.
// Maintains a map of ports it has given out to avoid handing the same port to
// two tests. Not a perfect solution, but it is just to support testing.
func RandomLocalhostAddrPort() netip.AddrPort {
	var port uint16
	usedPortsMu.Lock()
	for {
		port = uint16(1024 + rand.Uint32N(math.MaxUint16-1024))
		if !usedPorts[port] {
			usedPorts[port] = true
			break
		}
	}
	usedPortsMu.Unlock()

	return netip.MustParseAddrPort("127.0.0.1:" + strconv.FormatUint(uint64(port), 10))
}

// RandomBytes returns n bytes of random data.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rand.Uint32())
	}
	return b
}
