package chunk_test

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"net"
	"testing"
	"time"

	slim "github.com/SamJakob/SLIM"
	. "github.com/SamJakob/SLIM/internal/testsupport"
	"github.com/SamJakob/SLIM/pkg/chunk"
	"github.com/SamJakob/SLIM/pkg/packet"
)

// builds a multi-chunk packet and returns it along with its parsed-looking
// chunks (sender stamped, as if they arrived off the wire)
func makeChunks(t *testing.T, bodySize int, sender net.Addr) (*packet.Outgoing, []*chunk.Chunk) {
	t.Helper()
	p := packet.NewOutgoing(0x21)
	if bodySize > 0 {
		p.Body().WriteBytes(RandomBytes(bodySize))
	}
	chunks := chunk.Chunkify(p)
	for _, c := range chunks {
		c.Sender = sender
	}
	return p, chunks
}

// Feeding all chunks of a packet, in any permutation, yields exactly one
// emitted packet matching the original.
func TestCollectorReassembly(t *testing.T) {
	tests := []struct {
		name     string
		bodySize int
	}{
		{"single chunk", 0},
		{"two chunks reversed", slim.MaxChunkBodySize * 3 / 2},
		{"many chunks shuffled", slim.MaxChunkBodySize * 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, chunks := makeChunks(t, tt.bodySize, testSender)

			// shuffle the feed order (reverse for the two-chunk case)
			if len(chunks) == 2 {
				chunks[0], chunks[1] = chunks[1], chunks[0]
			} else {
				rand.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })
			}

			var emitted []*packet.Incoming
			c := chunk.NewCollector(func(pkt *packet.Incoming) { emitted = append(emitted, pkt) })

			for _, ch := range chunks {
				if err := c.Add(ch); err != nil {
					t.Fatal(err)
				}
			}

			if len(emitted) != 1 {
				t.Fatal("bad emit count", ExpectedActual(1, len(emitted)))
			}
			got := emitted[0]
			if got.ID != p.ID {
				t.Error("bad id", ExpectedActual(p.ID, got.ID))
			}
			if got.Snowflake != p.Snowflake {
				t.Error("bad snowflake", ExpectedActual(p.Snowflake, got.Snowflake))
			}
			if !bytes.Equal(got.Body().Rest(), p.Body().Bytes()) {
				t.Error("reassembled body does not match the original")
			}
			if c.Pending() != 0 {
				t.Error("entry not released after emit", ExpectedActual(0, c.Pending()))
			}
		})
	}
}

// Until the last chunk arrives nothing is emitted.
func TestCollectorIncomplete(t *testing.T) {
	_, chunks := makeChunks(t, slim.MaxChunkBodySize*3, testSender)
	c := chunk.NewCollector(func(*packet.Incoming) { t.Fatal("emit before the set completed") })

	for _, ch := range chunks[:len(chunks)-1] {
		if err := c.Add(ch); err != nil {
			t.Fatal(err)
		}
	}
	if c.Pending() != 1 {
		t.Error(ExpectedActual(1, c.Pending()))
	}
}

// Re-adding a chunk at an occupied index is tolerated and does not emit
// early or twice.
func TestCollectorDuplicateChunk(t *testing.T) {
	p, chunks := makeChunks(t, slim.MaxChunkBodySize*3/2, testSender)

	var emitted int
	c := chunk.NewCollector(func(pkt *packet.Incoming) {
		emitted++
		if pkt.Snowflake != p.Snowflake {
			t.Error("bad snowflake", ExpectedActual(p.Snowflake, pkt.Snowflake))
		}
	})

	if err := c.Add(chunks[0]); err != nil {
		t.Fatal(err)
	}
	if err := c.Add(chunks[0]); err != nil { // duplicate
		t.Fatal(err)
	}
	if emitted != 0 {
		t.Fatal("emitted before completion")
	}
	if err := c.Add(chunks[1]); err != nil {
		t.Fatal(err)
	}
	if emitted != 1 {
		t.Error("bad emit count", ExpectedActual(1, emitted))
	}
}

// A chunk claiming an open snowflake from a different sender must be turned
// away without disturbing the entry.
func TestCollectorSenderMismatch(t *testing.T) {
	_, chunks := makeChunks(t, slim.MaxChunkBodySize*3/2, testSender)
	imposter := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 66), Port: 6666}

	var emitted int
	c := chunk.NewCollector(func(*packet.Incoming) { emitted++ })

	if err := c.Add(chunks[0]); err != nil {
		t.Fatal(err)
	}

	forged := *chunks[1]
	forged.Sender = imposter
	if err := c.Add(&forged); !errors.Is(err, chunk.ErrSenderMismatch) {
		t.Fatal(ExpectedActual(chunk.ErrSenderMismatch, err))
	}

	// the legitimate chunk must still complete the set
	if err := c.Add(chunks[1]); err != nil {
		t.Fatal(err)
	}
	if emitted != 1 {
		t.Error("bad emit count", ExpectedActual(1, emitted))
	}
}

// A chunk whose count disagrees with the opened entry must be turned away.
func TestCollectorCountMismatch(t *testing.T) {
	_, chunks := makeChunks(t, slim.MaxChunkBodySize*3/2, testSender)

	c := chunk.NewCollector(func(*packet.Incoming) {})
	if err := c.Add(chunks[0]); err != nil {
		t.Fatal(err)
	}

	forged := *chunks[1]
	forged.Count = 9
	if err := c.Add(&forged); !errors.Is(err, chunk.ErrCountMismatch) {
		t.Fatal(ExpectedActual(chunk.ErrCountMismatch, err))
	}
}

// A stalled reassembly is evicted after its deadline and reported through
// the timeout handler.
func TestCollectorTimeout(t *testing.T) {
	_, chunks := makeChunks(t, slim.MaxChunkBodySize*3/2, testSender)

	timedOut := make(chan slim.Snowflake, 1)
	c := chunk.NewCollector(
		func(*packet.Incoming) { t.Error("emit of an incomplete set") },
		chunk.WithReassemblyTimeout(30*time.Millisecond),
		chunk.WithTimeoutHandler(func(sender net.Addr, sf slim.Snowflake) {
			if sender.String() != testSender.String() {
				t.Error("bad sender in timeout", ExpectedActual(testSender.String(), sender.String()))
			}
			timedOut <- sf
		}),
	)

	if err := c.Add(chunks[0]); err != nil {
		t.Fatal(err)
	}

	select {
	case sf := <-timedOut:
		if sf != chunks[0].Snowflake {
			t.Error("bad snowflake", ExpectedActual(chunks[0].Snowflake, sf))
		}
	case <-time.After(time.Second):
		t.Fatal("timeout handler never fired")
	}
	if c.Pending() != 0 {
		t.Error("stale entry survived eviction", ExpectedActual(0, c.Pending()))
	}
}

// Adds after Close must fail and pending state must be discarded.
func TestCollectorClose(t *testing.T) {
	_, chunks := makeChunks(t, slim.MaxChunkBodySize*3/2, testSender)

	c := chunk.NewCollector(func(*packet.Incoming) { t.Error("emit after close") })
	if err := c.Add(chunks[0]); err != nil {
		t.Fatal(err)
	}

	c.Close()
	c.Close() // idempotent

	if c.Pending() != 0 {
		t.Error("pending entries survived close", ExpectedActual(0, c.Pending()))
	}
	if err := c.Add(chunks[1]); !errors.Is(err, chunk.ErrCollectorClosed) {
		t.Error(ExpectedActual(chunk.ErrCollectorClosed, err))
	}
}
