package packet_test

import (
	"bytes"
	"errors"
	"net"
	"testing"

	slim "github.com/SamJakob/SLIM"
	. "github.com/SamJakob/SLIM/internal/testsupport"
	"github.com/SamJakob/SLIM/pkg/packet"
	"github.com/SamJakob/SLIM/pkg/wire"
)

var testSender net.Addr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

// Tests the exact frame layout Pack emits: magic, length, snowflake, id,
// body.
func TestPackLayout(t *testing.T) {
	p := packet.NewOutgoing(0x01)
	b := p.Pack()

	if b[0] != 0xFF {
		t.Error("bad magic tag", ExpectedActual(byte(0xFF), b[0]))
	}
	wantMagic := []byte{0x4D, 0x55, 0x53, 0x54}
	if !bytes.Equal(b[1:5], wantMagic) {
		t.Error("bad magic", ExpectedActual(wantMagic, b[1:5]))
	}
	if b[5] != 0x08 {
		t.Error("bad length tag", ExpectedActual(byte(0x08), b[5]))
	}
	// empty body: length = 1 (snowflake tag) + 16 + 1 (id tag) + 1 (id varint)
	if b[6] != 19 {
		t.Error("bad length", ExpectedActual(byte(19), b[6]))
	}
	if b[7] != 0xFE {
		t.Error("bad snowflake tag", ExpectedActual(byte(0xFE), b[7]))
	}
	if !bytes.Equal(b[8:24], p.Snowflake[:]) {
		t.Error("bad snowflake bytes", ExpectedActual(p.Snowflake[:], b[8:24]))
	}
	if b[24] != 0x08 || b[25] != 0x01 {
		t.Errorf("bad id field: % X", b[24:])
	}
	if len(b) != 26 {
		t.Error("bad total length", ExpectedActual(26, len(b)))
	}
}

// For any packet, parse(pack(p)) preserves id, snowflake, and body.
func TestPackParseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		id   uint32
		body func(w *wire.Writer)
	}{
		{"empty body", 0x01, func(w *wire.Writer) {}},
		{"string body", 0x02, func(w *wire.Writer) { w.WriteString("Howdy!") }},
		{"mixed body", 0x7FFFFFFF, func(w *wire.Writer) {
			w.WriteVarInt(42)
			w.WriteBool(false)
			w.WriteBytes(RandomBytes(512))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := packet.NewOutgoing(tt.id)
			tt.body(p.Body())

			in, err := packet.ParseFramed(testSender, p.Pack())
			if err != nil {
				t.Fatal(err)
			}
			if in.ID != tt.id {
				t.Error("bad id", ExpectedActual(tt.id, in.ID))
			}
			if in.Snowflake != p.Snowflake {
				t.Error("bad snowflake", ExpectedActual(p.Snowflake, in.Snowflake))
			}
			if !bytes.Equal(in.Body().Rest(), p.Body().Bytes()) {
				t.Error("bad body", ExpectedActual(p.Body().Bytes(), in.Body().Rest()))
			}
			if in.Sender != testSender {
				t.Error("bad sender", ExpectedActual(testSender, in.Sender))
			}
		})
	}
}

// Fresh outgoing packets must not share snowflakes.
func TestSnowflakeUniqueness(t *testing.T) {
	seen := make(map[slim.Snowflake]bool)
	for range 1000 {
		p := packet.NewOutgoing(1)
		if seen[p.Snowflake] {
			t.Fatal("duplicate snowflake", p.Snowflake)
		}
		seen[p.Snowflake] = true
	}
}

// Body fields written before packing must read back after a round trip.
func TestBodyFieldsSurviveRoundTrip(t *testing.T) {
	p := packet.NewOutgoing(0x02)
	p.Body().WriteString("Howdy!")

	in, err := packet.ParseFramed(testSender, p.Pack())
	if err != nil {
		t.Fatal(err)
	}
	got, found, err := in.Body().ReadString()
	if err != nil {
		t.Fatal(err)
	}
	if !found || got != "Howdy!" {
		t.Error(ExpectedActual("Howdy!", got))
	}
}

// Tests the framing failure modes.
func TestParseFramedErrors(t *testing.T) {
	good := packet.NewOutgoing(7).Pack()

	t.Run("bad magic", func(t *testing.T) {
		b := bytes.Clone(good)
		b[2] ^= 0xFF
		if _, err := packet.ParseFramed(testSender, b); !errors.Is(err, packet.ErrInvalidMagic) {
			t.Error(ExpectedActual(packet.ErrInvalidMagic, err))
		}
	})
	t.Run("truncated", func(t *testing.T) {
		if _, err := packet.ParseFramed(testSender, good[:3]); !errors.Is(err, packet.ErrInvalidMagic) {
			t.Error(ExpectedActual(packet.ErrInvalidMagic, err))
		}
	})
	t.Run("length mismatch", func(t *testing.T) {
		b := bytes.Clone(good)
		b = append(b, 0xAA) // trailing garbage the length field does not cover
		if _, err := packet.ParseFramed(testSender, b); !errors.Is(err, packet.ErrLengthMismatch) {
			t.Error(ExpectedActual(packet.ErrLengthMismatch, err))
		}
	})
	t.Run("truncated snowflake", func(t *testing.T) {
		if _, err := packet.Parse(testSender, good[7:20]); !errors.Is(err, packet.ErrBodyParseFailed) {
			t.Error(ExpectedActual(packet.ErrBodyParseFailed, err))
		}
	})
}
