package socket

// File options.go provides options that can be passed to the socket
// constructor to configure it.

import (
	"net/netip"
	"time"

	"github.com/rs/zerolog"
)

// An Option sets various knobs on the socket.
// Defaults are used if an option is not given.
type Option func(*Socket)

// WithLogger replaces the socket's default logger with the given logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(s *Socket) { s.log = l }
}

// WithReassemblyTimeout overwrites the chunk collector's default deadline
// for stalled reassemblies.
func WithReassemblyTimeout(d time.Duration) Option {
	return func(s *Socket) { s.reassemblyTimeout = d }
}

// WithSignalBuffer overwrites the per-subscriber signal channel capacity.
func WithSignalBuffer(n int) Option {
	return func(s *Socket) {
		if n > 0 {
			s.signalBuffer = n
		}
	}
}

// WithStatsAddr serves the socket's introspection HTTP API on the given
// address once the socket starts. Off by default.
func WithStatsAddr(addr netip.AddrPort) Option {
	return func(s *Socket) { s.stats.apiAddr = addr }
}
