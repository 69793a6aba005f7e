// Package slim is the parent package of the SLIM protocol implementation.
// It contains child packages wire (self-describing field codec), packet (packet
// framing), chunk (fragmentation and reassembly), signal (control messages),
// and socket (the UDP dispatcher that ties them together).
// Child packages are mostly self-contained; the parent package provides the few
// shared constants and types.
package slim

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Wire constants shared by every SLIM frame.
// Each magic is a 4-byte constant preceded by a single 0xFF tag byte at the
// start of a datagram, used as a first-pass format discriminator.
const (
	// ChunkMagic opens every chunk datagram.
	ChunkMagic uint32 = 0x47525252
	// PacketMagic opens every reassembled packet body.
	PacketMagic uint32 = 0x4D555354
	// SignalMagic opens every signal datagram.
	SignalMagic uint32 = 0x4D454154
)

const (
	// MaxChunkSize is the size of an entire wire chunk, header included.
	// UDP can theoretically carry payloads nearing 65535 bytes, but 1500B is a
	// common MTU and SLIM assumes each chunk fits into a single datagram.
	MaxChunkSize = 1024
	// ChunkHeaderSize is the fixed size of the chunk header (tags included).
	ChunkHeaderSize = 44
	// MaxChunkBodySize is the largest body a single chunk may carry.
	MaxChunkBodySize = MaxChunkSize - ChunkHeaderSize
	// SnowflakeSize is the width of a packet's fragment identifier.
	SnowflakeSize = 16
)

var ErrNilCtx = errors.New("do not pass nil contexts; use context.TODO or context.Background instead")

// A Snowflake is the 16-byte unique identifier assigned to each packet and
// shared by all chunks of that packet.
type Snowflake [SnowflakeSize]byte

// NewSnowflake returns a fresh identifier drawn from a cryptographically
// seeded UUID source.
func NewSnowflake() Snowflake {
	return Snowflake(uuid.New())
}

// SnowflakeFromBytes copies the first SnowflakeSize bytes of b into a
// Snowflake. Returns an error if b is too short.
func SnowflakeFromBytes(b []byte) (Snowflake, error) {
	var s Snowflake
	if len(b) < SnowflakeSize {
		return s, fmt.Errorf("snowflake requires %d bytes, got %d", SnowflakeSize, len(b))
	}
	copy(s[:], b)
	return s, nil
}

// String returns the snowflake as lowercase hex.
func (s Snowflake) String() string {
	return hex.EncodeToString(s[:])
}
