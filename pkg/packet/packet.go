/*
Package packet implements SLIM's application-level records: typed,
self-describing field collections identified by a 16-byte snowflake.

A packet has one on-wire layout regardless of direction:

	[0xFF][magic u32][0x08][length varInt]
	[0xFE][snowflake 16B][0x08][id varInt][body ... self-describing fields]

The length varInt counts every byte that follows it, up to the end of the
body. Directionality is modelled as two types sharing that layout: an
Outgoing packet accumulates its body through a wire.Writer, an Incoming
packet exposes its body through a wire.Reader and remembers its sender.
*/
package packet

import (
	"errors"
	"fmt"
	"net"

	slim "github.com/SamJakob/SLIM"
	"github.com/SamJakob/SLIM/pkg/wire"
)

//#region errors

var (
	// ErrInvalidMagic indicates bytes that do not open with the packet magic.
	ErrInvalidMagic = errors.New("not a SLIM packet: bad magic")
	// ErrBadLengthField indicates an unreadable packet length varInt.
	ErrBadLengthField = errors.New("unreadable packet length field")
	// ErrLengthMismatch indicates a length field that disagrees with the
	// byte count actually present.
	ErrLengthMismatch = errors.New("packet length field disagrees with payload size")
	// ErrBodyParseFailed wraps a failure to read the snowflake or id.
	ErrBodyParseFailed = errors.New("failed to parse packet")
)

//#endregion errors

// An Outgoing packet is under construction by the local node. Build the body
// through Body, then Pack (or hand the packet to a socket, which packs it).
type Outgoing struct {
	// ID identifies the application-level packet kind; varInt on the wire.
	ID uint32
	// Snowflake is the fragment identifier shared by every chunk of this
	// packet. Assigned at construction.
	Snowflake slim.Snowflake

	body wire.Writer
}

// NewOutgoing returns a packet of the given kind with a freshly generated
// snowflake and an empty body.
func NewOutgoing(id uint32) *Outgoing {
	return &Outgoing{ID: id, Snowflake: slim.NewSnowflake()}
}

// Body returns the field writer that accumulates this packet's body.
func (p *Outgoing) Body() *wire.Writer {
	return &p.body
}

// Pack serializes the packet to its on-wire layout.
func (p *Outgoing) Pack() []byte {
	body := p.body.Bytes()

	// length covers: snowflake tag + snowflake + id tag + id varInt + body
	length := 1 + slim.SnowflakeSize + 1 + wire.VarIntLen(p.ID) + len(body)

	var w wire.Writer
	w.WriteMagic(slim.PacketMagic)
	w.WriteVarInt(uint32(length))
	w.WriteFixedBytes(p.Snowflake[:])
	w.WriteVarInt(p.ID)
	w.WriteRaw(body)
	return w.Bytes()
}

// An Incoming packet was reassembled from the wire.
type Incoming struct {
	// Sender is the remote address the packet's chunks arrived from.
	Sender net.Addr
	// ID identifies the application-level packet kind.
	ID uint32
	// Snowflake is the fragment identifier the packet arrived under.
	Snowflake slim.Snowflake

	body []byte
}

// Body returns a fresh field reader over the packet body. Each call starts
// at the beginning of the body.
func (p *Incoming) Body() *wire.Reader {
	return wire.NewReader(p.body)
}

// BodyLen returns the length of the raw body in bytes.
func (p *Incoming) BodyLen() int {
	return len(p.body)
}

// Parse reads a packet from data, which must start immediately after the
// length varInt (magic and length already stripped and verified by the
// caller; see ParseFramed).
func Parse(sender net.Addr, data []byte) (*Incoming, error) {
	r := wire.NewReader(data)

	sfB, err := r.ReadFixedBytes(slim.SnowflakeSize)
	if err != nil {
		return nil, fmt.Errorf("%w: snowflake: %w", ErrBodyParseFailed, err)
	}
	sf, err := slim.SnowflakeFromBytes(sfB)
	if err != nil {
		return nil, fmt.Errorf("%w: snowflake: %w", ErrBodyParseFailed, err)
	}

	id, found, err := r.ReadVarInt()
	if err != nil {
		return nil, fmt.Errorf("%w: id: %w", ErrBodyParseFailed, err)
	} else if !found {
		return nil, fmt.Errorf("%w: id field is none", ErrBodyParseFailed)
	}

	return &Incoming{
		Sender:    sender,
		ID:        id,
		Snowflake: sf,
		body:      r.Rest(),
	}, nil
}

// ParseFramed reads a full packet frame: magic, length varInt, then the
// Parse payload. The length field must equal the exact number of bytes that
// follow it.
func ParseFramed(sender net.Addr, data []byte) (*Incoming, error) {
	r := wire.NewReader(data)

	magic, err := r.ReadMagic()
	if err != nil || magic != slim.PacketMagic {
		return nil, ErrInvalidMagic
	}

	length, found, err := r.ReadVarInt()
	if err != nil || !found {
		return nil, ErrBadLengthField
	}
	if int(length) != r.Remaining() {
		return nil, fmt.Errorf("%w: declared %d, found %d", ErrLengthMismatch, length, r.Remaining())
	}

	return Parse(sender, r.Rest())
}
