package chunk

// collector.go buffers incoming chunks by snowflake and emits a reassembled
// packet once every fragment for a snowflake has arrived. Entries that stall
// are evicted after a deadline so a lossy peer cannot pin memory forever.

import (
	"errors"
	"net"
	"sync"
	"time"

	slim "github.com/SamJakob/SLIM"
	"github.com/SamJakob/SLIM/internal/expiring"
	"github.com/SamJakob/SLIM/pkg/packet"
	"github.com/SamJakob/SLIM/pkg/signal"
	"github.com/rs/zerolog"
)

// DefaultReassemblyTimeout is how long a pending reassembly may go without
// completing before its entry is evicted.
const DefaultReassemblyTimeout = 10 * time.Second

//#region errors

var (
	// ErrSenderMismatch indicates a chunk claiming a snowflake that another
	// sender opened. The stored sender is never overwritten.
	ErrSenderMismatch = errors.New("chunk sender does not match the snowflake's original sender")
	// ErrCountMismatch indicates a chunk whose count disagrees with the
	// count the snowflake was opened with.
	ErrCountMismatch = errors.New("chunk count does not match the snowflake's original count")
	// ErrCollectorClosed indicates an Add on a closed collector.
	ErrCollectorClosed = errors.New("chunk collector is closed")
)

//#endregion errors

// a pending reassembly: a sparse vector of count slots plus enough state to
// detect sender/count mismatches
type pending struct {
	sender    net.Addr
	count     uint32
	chunks    [][]byte
	remaining uint32
}

// A Collector buffers chunks by snowflake and invokes its emit callback with
// each fully reassembled packet. Safe for use from multiple goroutines;
// reassembly of a single snowflake is serialized.
type Collector struct {
	log     *zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	entries expiring.Table[slim.Snowflake, *pending]
	closed  bool

	emit      func(*packet.Incoming)
	onTimeout func(sender net.Addr, sf slim.Snowflake)
}

// A CollectorOption configures a Collector at construction.
type CollectorOption func(*Collector)

// WithCollectorLogger replaces the collector's default (disabled) logger.
func WithCollectorLogger(l *zerolog.Logger) CollectorOption {
	return func(c *Collector) { c.log = l }
}

// WithReassemblyTimeout overwrites DefaultReassemblyTimeout.
func WithReassemblyTimeout(d time.Duration) CollectorOption {
	return func(c *Collector) { c.timeout = d }
}

// WithTimeoutHandler registers a callback invoked (on the expiry timer's
// goroutine) when a pending reassembly is evicted for taking too long.
func WithTimeoutHandler(f func(sender net.Addr, sf slim.Snowflake)) CollectorOption {
	return func(c *Collector) { c.onTimeout = f }
}

// NewCollector returns a collector that passes each reassembled packet to
// emit, optionally modified with opts.
func NewCollector(emit func(*packet.Incoming), opts ...CollectorOption) *Collector {
	c := &Collector{
		timeout: DefaultReassemblyTimeout,
		emit:    emit,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		l := zerolog.Nop()
		c.log = &l
	}
	return c
}

// Add feeds one parsed chunk into the collector. When the chunk completes
// its snowflake's set, the slots are concatenated in order, the frame is
// verified, and the packet is handed to the emit callback before Add
// returns.
func (c *Collector) Add(ch *Chunk) error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return ErrCollectorClosed
	}

	entry, found := c.entries.Load(ch.Snowflake)
	if !found {
		entry = &pending{
			sender:    ch.Sender,
			count:     ch.Count,
			chunks:    make([][]byte, ch.Count),
			remaining: ch.Count,
		}
		sf := ch.Snowflake
		sender := ch.Sender
		c.entries.Store(sf, entry, c.timeout, func() {
			c.log.Debug().Str("snowflake", sf.String()).Msg("evicted stale reassembly")
			if c.onTimeout != nil {
				c.onTimeout(sender, sf)
			}
		})
	} else {
		if !sameAddr(entry.sender, ch.Sender) {
			c.mu.Unlock()
			return ErrSenderMismatch
		}
		if entry.count != ch.Count {
			c.mu.Unlock()
			return ErrCountMismatch
		}
		// an active transfer earns a fresh deadline
		c.entries.Refresh(ch.Snowflake, c.timeout)
	}

	if ch.Index >= entry.count {
		c.mu.Unlock()
		return ErrBadIndex
	}

	if entry.chunks[ch.Index] == nil {
		entry.remaining--
	} // a duplicate index replaces the stored body
	entry.chunks[ch.Index] = ch.Body

	if entry.remaining > 0 {
		c.mu.Unlock()
		return nil
	}

	// every slot is occupied: reassemble and release the entry
	c.entries.Delete(ch.Snowflake)
	c.mu.Unlock()

	var size int
	for _, b := range entry.chunks {
		size += len(b)
	}
	body := make([]byte, 0, size)
	for _, b := range entry.chunks {
		body = append(body, b...)
	}

	pkt, err := packet.ParseFramed(entry.sender, body)
	if err != nil {
		return &signal.RejectedError{
			Snowflake: ch.Snowflake,
			Reason:    signal.ReasonInvalidPacket,
			Err:       err,
		}
	}

	c.log.Debug().
		Str("snowflake", pkt.Snowflake.String()).
		Uint32("id", pkt.ID).
		Int("body length (bytes)", pkt.BodyLen()).
		Msg("packet reassembled")
	c.emit(pkt)
	return nil
}

// Pending returns the number of snowflakes currently awaiting chunks.
func (c *Collector) Pending() int {
	var n int
	c.entries.Range(func(slim.Snowflake, *pending) bool {
		n++
		return true
	})
	return n
}

// Close discards all pending reassemblies and causes subsequent Adds to fail
// with ErrCollectorClosed. Closing twice is harmless.
func (c *Collector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.entries.Clear()
}

// sameAddr compares two datagram source addresses.
func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Network() == b.Network() && a.String() == b.String()
}
