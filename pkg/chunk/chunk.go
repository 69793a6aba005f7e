/*
Package chunk implements SLIM's transport-layer fragmentation: splitting a
packed packet into fixed-size, integrity-checked fragments and reassembling
them on the receiver.

Wire layout (all multi-byte integers big-endian):

	[0xFF][magic u32=0x47525252][0x03][length u16]
	[0xFE][snowflake 16B][0xFE][hash u64][0x04][index u32][0x04][count u32]
	[body ... length bytes]

The header is 44 bytes; the body is at most MaxChunkBodySize bytes, so a
whole chunk always fits a 1024-byte datagram. The hash is XXH3 over the body
bytes alone.
*/
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	slim "github.com/SamJakob/SLIM"
	"github.com/SamJakob/SLIM/pkg/packet"
	"github.com/SamJakob/SLIM/pkg/signal"
	"github.com/SamJakob/SLIM/pkg/wire"
	"github.com/zeebo/xxh3"
)

//#region errors

var (
	// ErrInvalidMagic indicates bytes that do not open with the chunk magic.
	ErrInvalidMagic = errors.New("not a SLIM chunk: bad magic")
	// ErrBadLengthField indicates an unreadable chunk length field.
	ErrBadLengthField = errors.New("unreadable chunk length field")
	// ErrLengthExceedsMax indicates a declared body larger than
	// MaxChunkBodySize.
	ErrLengthExceedsMax = errors.New("chunk length field exceeds the maximum body size")
	// ErrLengthMismatch indicates a length field that disagrees with the
	// body bytes actually present.
	ErrLengthMismatch = errors.New("chunk length field disagrees with body size")
	// ErrHashMismatch indicates a chunk whose hash does not cover its body.
	ErrHashMismatch = errors.New("chunk hash mismatch")
	// ErrBadIndex indicates a chunk index outside [0, count).
	ErrBadIndex = errors.New("chunk index out of range")
)

//#endregion errors

// A Chunk is one UDP-sized fragment of a packet.
type Chunk struct {
	// Sender is the remote address the chunk arrived from; nil for locally
	// produced chunks.
	Sender net.Addr
	// Snowflake is shared by every chunk of the parent packet.
	Snowflake slim.Snowflake
	// Hash is XXH3 over Body.
	Hash uint64
	// Index is this fragment's 0-based position.
	Index uint32
	// Count is the total number of fragments for this snowflake.
	Count uint32
	// Body is this fragment's slice of the packed packet.
	Body []byte
}

// Chunkify packs the given packet and splits it into chunks of at most
// MaxChunkBodySize body bytes, all sharing the packet's snowflake.
//
// Concatenating the bodies of the returned chunks in order reproduces
// packet.Pack() exactly.
func Chunkify(p *packet.Outgoing) []*Chunk {
	packed := p.Pack()
	count := uint32((len(packed) + slim.MaxChunkBodySize - 1) / slim.MaxChunkBodySize)

	chunks := make([]*Chunk, 0, count)
	for i := uint32(0); i < count; i++ {
		start := int(i) * slim.MaxChunkBodySize
		end := min(start+slim.MaxChunkBodySize, len(packed))
		body := packed[start:end]
		chunks = append(chunks, &Chunk{
			Snowflake: p.Snowflake,
			Hash:      xxh3.Hash(body),
			Index:     i,
			Count:     count,
			Body:      body,
		})
	}
	return chunks
}

// Pack serializes the chunk to a single datagram payload.
func (c *Chunk) Pack() ([]byte, error) {
	if len(c.Body) > slim.MaxChunkBodySize {
		return nil, ErrLengthExceedsMax
	}

	var w wire.Writer
	w.WriteMagic(slim.ChunkMagic)
	if err := w.WriteShort(int64(len(c.Body)), false); err != nil {
		return nil, err
	}
	w.WriteFixedBytes(c.Snowflake[:])
	var hashB [8]byte
	binary.BigEndian.PutUint64(hashB[:], c.Hash)
	w.WriteFixedBytes(hashB[:])
	if err := w.WriteInteger(int64(c.Index), false); err != nil {
		return nil, err
	}
	if err := w.WriteInteger(int64(c.Count), false); err != nil {
		return nil, err
	}
	w.WriteRaw(c.Body)
	return w.Bytes(), nil
}

// IsChunk reports whether data opens with the chunk magic.
func IsChunk(data []byte) bool {
	return len(data) >= 5 &&
		data[0] == byte(wire.Magic) &&
		binary.BigEndian.Uint32(data[1:5]) == slim.ChunkMagic
}

// Parse decodes a chunk datagram, validating the length bound, the body
// length, the index range, and the body hash.
//
// Failures discovered after the snowflake has been read are returned as
// *signal.RejectedError so the dispatcher can answer the sender.
func Parse(sender net.Addr, data []byte) (*Chunk, error) {
	r := wire.NewReader(data)

	magic, err := r.ReadMagic()
	if err != nil || magic != slim.ChunkMagic {
		return nil, ErrInvalidMagic
	}

	length, found, err := r.ReadShort()
	if err != nil || !found {
		return nil, ErrBadLengthField
	}
	if length < 0 || length > slim.MaxChunkBodySize {
		return nil, fmt.Errorf("%w: %d", ErrLengthExceedsMax, length)
	}

	sfB, err := r.ReadFixedBytes(slim.SnowflakeSize)
	if err != nil {
		return nil, fmt.Errorf("%w: snowflake: %w", ErrBadLengthField, err)
	}
	sf, err := slim.SnowflakeFromBytes(sfB)
	if err != nil {
		return nil, err
	}

	// from here on the snowflake is known; classify failures as rejectable
	reject := func(reason signal.Reason, err error) error {
		return &signal.RejectedError{Snowflake: sf, Reason: reason, Err: err}
	}

	hashB, err := r.ReadFixedBytes(8)
	if err != nil {
		return nil, reject(signal.ReasonInvalidChunk, err)
	}
	hash := binary.BigEndian.Uint64(hashB)

	index, found, err := r.ReadInteger()
	if err != nil || !found {
		return nil, reject(signal.ReasonInvalidChunk, errors.New("unreadable chunk index"))
	}
	count, found, err := r.ReadInteger()
	if err != nil || !found {
		return nil, reject(signal.ReasonInvalidChunk, errors.New("unreadable chunk count"))
	}
	if index < 0 || count <= 0 || index >= count {
		return nil, reject(signal.ReasonInvalidChunk, fmt.Errorf("%w: index %d of %d", ErrBadIndex, index, count))
	}

	body := r.Rest()
	if len(body) != int(length) {
		return nil, reject(signal.ReasonInvalidChunk,
			fmt.Errorf("%w: declared %d, found %d", ErrLengthMismatch, length, len(body)))
	}
	if got := xxh3.Hash(body); got != hash {
		return nil, reject(signal.ReasonChunkHashMismatch, ErrHashMismatch)
	}

	return &Chunk{
		Sender:    sender,
		Snowflake: sf,
		Hash:      hash,
		Index:     uint32(index),
		Count:     uint32(count),
		Body:      body,
	}, nil
}
