/*
Package signal implements SLIM's control channel: small framed messages that
ride the same datagram transport as chunks but never fragment.

Wire layout (all multi-byte integers big-endian):

	[0xFF][magic u32=0x4D454154][0x02][length u8]
	[0xFE][hash u64][0x02][type u8][body ... length bytes]

The hash is XXH3 over the type byte's tag, the type byte, and the body.
Signals are stateless: receiving a duplicate has the same effect as
receiving one.
*/
package signal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"

	slim "github.com/SamJakob/SLIM"
	"github.com/SamJakob/SLIM/pkg/wire"
	"github.com/zeebo/xxh3"
)

// A Type is the 1-byte discriminator of a signal.
type Type byte

const (
	Acknowledged          Type = 0x00
	PartiallyAcknowledged Type = 0x01
	Rejected              Type = 0x02
	Ping                  Type = 0x10
	Pong                  Type = 0x11
	Close                 Type = 0xFF
)

// String returns the name of the signal type.
func (t Type) String() string {
	switch t {
	case Acknowledged:
		return "acknowledged"
	case PartiallyAcknowledged:
		return "partiallyAcknowledged"
	case Rejected:
		return "rejected"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case Close:
		return "close"
	default:
		return "UNKNOWN"
	}
}

// A Reason explains a rejected signal.
type Reason byte

const (
	ReasonChunkHashMismatch Reason = 0x00
	ReasonInvalidChunk      Reason = 0x01
	ReasonInvalidPacket     Reason = 0x02
	ReasonFieldTypeMismatch Reason = 0x03
	ReasonBadFieldValue     Reason = 0x04
	ReasonTimeout           Reason = 0xEF
	ReasonRequestResend     Reason = 0xFF
)

// String returns the name of the rejection reason.
func (r Reason) String() string {
	switch r {
	case ReasonChunkHashMismatch:
		return "chunkHashMismatch"
	case ReasonInvalidChunk:
		return "invalidChunk"
	case ReasonInvalidPacket:
		return "invalidPacket"
	case ReasonFieldTypeMismatch:
		return "fieldTypeMismatch"
	case ReasonBadFieldValue:
		return "badFieldValue"
	case ReasonTimeout:
		return "timeout"
	case ReasonRequestResend:
		return "requestResend"
	default:
		return "UNKNOWN"
	}
}

//#region errors

var (
	// ErrInvalidMagic indicates bytes that do not open with the signal magic.
	ErrInvalidMagic = errors.New("not a SLIM signal: bad magic")
	// ErrBadLengthField indicates an unreadable or disagreeing length byte.
	ErrBadLengthField = errors.New("bad signal length field")
	// ErrHashMismatch indicates a signal whose hash does not cover its bytes.
	ErrHashMismatch = errors.New("signal hash mismatch")
	// ErrBodyTooLarge indicates a body over the 255-byte signal limit.
	ErrBodyTooLarge = errors.New("signal body exceeds 255 bytes")
	// ErrMalformedBody indicates a typed signal whose body fields are absent
	// or unreadable.
	ErrMalformedBody = errors.New("malformed signal body")
)

// A RejectedError classifies a parse or reassembly failure that should be
// answered with a rejected signal naming the offending snowflake.
type RejectedError struct {
	Snowflake slim.Snowflake
	Reason    Reason
	Err       error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (%s, snowflake %s): %v", e.Reason, e.Snowflake, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

//#endregion errors

// A Signal is a parsed or to-be-sent control message.
// Sender is nil for locally constructed signals.
type Signal struct {
	Sender net.Addr
	Type   Type
	Body   []byte
}

// NewPing returns a keepalive probe.
func NewPing() *Signal {
	return &Signal{Type: Ping}
}

// NewPong returns the answer to a ping.
func NewPong() *Signal {
	return &Signal{Type: Pong}
}

// NewClose announces that the sender is going away.
func NewClose() *Signal {
	return &Signal{Type: Close}
}

// NewAcknowledged reports full reassembly of the packet with the given
// snowflake.
func NewAcknowledged(sf slim.Snowflake) *Signal {
	var w wire.Writer
	w.WriteFixedBytes(sf[:])
	return &Signal{Type: Acknowledged, Body: w.Bytes()}
}

// NewPartiallyAcknowledged reports that only some chunks of the packet with
// the given snowflake arrived, naming the missing chunk indices.
func NewPartiallyAcknowledged(sf slim.Snowflake, missing []uint32) (*Signal, error) {
	var w wire.Writer
	w.WriteFixedBytes(sf[:])
	b := wire.NewArrayBuilder(wire.VarInt)
	for _, idx := range missing {
		b.WriteVarInt(idx)
	}
	if err := w.WriteArray(b); err != nil {
		return nil, err
	}
	if w.Len() > math.MaxUint8 {
		return nil, ErrBodyTooLarge
	}
	return &Signal{Type: PartiallyAcknowledged, Body: w.Bytes()}, nil
}

// NewRejected reports that the packet with the given snowflake was thrown
// away. The reason is optional; if given, only the first is used.
func NewRejected(sf slim.Snowflake, reason ...Reason) *Signal {
	var w wire.Writer
	w.WriteFixedBytes(sf[:])
	if len(reason) >= 1 {
		// reasons are single bytes; the range check cannot fail
		_ = w.WriteByte(int64(reason[0]), false)
	}
	return &Signal{Type: Rejected, Body: w.Bytes()}
}

// hashInput returns the bytes the signal hash covers: the type byte's tag,
// the type byte, then the body.
func hashInput(typ Type, body []byte) []byte {
	in := make([]byte, 0, 2+len(body))
	in = append(in, byte(wire.Byte), byte(typ))
	return append(in, body...)
}

// Pack serializes the signal to a single datagram payload.
func (s *Signal) Pack() ([]byte, error) {
	if len(s.Body) > math.MaxUint8 {
		return nil, ErrBodyTooLarge
	}
	hash := xxh3.Hash(hashInput(s.Type, s.Body))

	var w wire.Writer
	w.WriteMagic(slim.SignalMagic)
	if err := w.WriteByte(int64(len(s.Body)), false); err != nil {
		return nil, err
	}
	var hashB [8]byte
	binary.BigEndian.PutUint64(hashB[:], hash)
	w.WriteFixedBytes(hashB[:])
	if err := w.WriteByte(int64(s.Type), false); err != nil {
		return nil, err
	}
	w.WriteRaw(s.Body)
	return w.Bytes(), nil
}

// IsSignal reports whether data opens with the signal magic.
func IsSignal(data []byte) bool {
	return len(data) >= 5 &&
		data[0] == byte(wire.Magic) &&
		binary.BigEndian.Uint32(data[1:5]) == slim.SignalMagic
}

// Parse decodes a signal datagram, verifying magic and hash.
func Parse(sender net.Addr, data []byte) (*Signal, error) {
	r := wire.NewReader(data)

	magic, err := r.ReadMagic()
	if err != nil || magic != slim.SignalMagic {
		return nil, ErrInvalidMagic
	}

	// the length tag may be byte or none; a none tag means a zero length
	length, found, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadLengthField, err)
	} else if !found {
		length = 0
	}

	hashB, err := r.ReadFixedBytes(8)
	if err != nil {
		return nil, fmt.Errorf("%w: hash: %w", ErrBadLengthField, err)
	}
	wantHash := binary.BigEndian.Uint64(hashB)

	typ, found, err := r.ReadByte()
	if err != nil || !found {
		return nil, fmt.Errorf("%w: type byte unreadable", ErrMalformedBody)
	}

	if r.Remaining() != int(length) {
		return nil, fmt.Errorf("%w: declared %d, found %d", ErrBadLengthField, length, r.Remaining())
	}
	body := r.Rest()

	if got := xxh3.Hash(hashInput(Type(typ), body)); got != wantHash {
		return nil, ErrHashMismatch
	}

	s := &Signal{Sender: sender, Type: Type(typ), Body: body}
	if len(s.Body) == 0 {
		s.Body = nil
	}
	return s, nil
}

// Snowflake extracts the snowflake that opens the body of acknowledged,
// partiallyAcknowledged, and rejected signals.
func (s *Signal) Snowflake() (slim.Snowflake, error) {
	var sf slim.Snowflake
	switch s.Type {
	case Acknowledged, PartiallyAcknowledged, Rejected:
	default:
		return sf, fmt.Errorf("%w: %s signals carry no snowflake", ErrMalformedBody, s.Type)
	}
	r := wire.NewReader(s.Body)
	b, err := r.ReadFixedBytes(slim.SnowflakeSize)
	if err != nil {
		return sf, fmt.Errorf("%w: snowflake: %w", ErrMalformedBody, err)
	}
	return slim.SnowflakeFromBytes(b)
}

// RejectionReason extracts the optional reason byte of a rejected signal.
// found is false if the signal omitted it.
func (s *Signal) RejectionReason() (reason Reason, found bool, err error) {
	if s.Type != Rejected {
		return 0, false, fmt.Errorf("%w: %s signals carry no rejection reason", ErrMalformedBody, s.Type)
	}
	r := wire.NewReader(s.Body)
	if _, err := r.ReadFixedBytes(slim.SnowflakeSize); err != nil {
		return 0, false, fmt.Errorf("%w: snowflake: %w", ErrMalformedBody, err)
	}
	if r.Remaining() == 0 {
		return 0, false, nil
	}
	v, found, err := r.ReadByte()
	if err != nil || !found {
		return 0, false, fmt.Errorf("%w: reason byte unreadable", ErrMalformedBody)
	}
	return Reason(v), true, nil
}

// MissingIndexes extracts the missing chunk indices named by a
// partiallyAcknowledged signal.
func (s *Signal) MissingIndexes() ([]uint32, error) {
	if s.Type != PartiallyAcknowledged {
		return nil, fmt.Errorf("%w: %s signals carry no missing indexes", ErrMalformedBody, s.Type)
	}
	r := wire.NewReader(s.Body)
	if _, err := r.ReadFixedBytes(slim.SnowflakeSize); err != nil {
		return nil, fmt.Errorf("%w: snowflake: %w", ErrMalformedBody, err)
	}
	var missing []uint32
	_, _, err := r.ReadArray(wire.VarInt, func(r *wire.Reader) error {
		v, _, err := r.ReadVarInt()
		missing = append(missing, v)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: index array: %w", ErrMalformedBody, err)
	}
	return missing, nil
}
