/*
Package socket implements the SLIM dispatcher: a single UDP endpoint that
demultiplexes each incoming datagram into the chunk pipeline or the signal
pipeline by inspecting the leading magic, reassembles packets, answers pings,
acknowledges reassembled packets, and converts rejectable parse failures into
rejected signals aimed back at the datagram's source.

A server socket binds a configured address via Start; a client socket binds
an ephemeral local port via Connect. Either way the socket is single-use:
once closed it cannot be restarted.
*/
package socket

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	slim "github.com/SamJakob/SLIM"
	"github.com/SamJakob/SLIM/pkg/chunk"
	"github.com/SamJakob/SLIM/pkg/packet"
	"github.com/SamJakob/SLIM/pkg/signal"
	"github.com/rs/zerolog"
)

// DefaultSignalBuffer is the capacity of each subscriber's signal channel.
// A subscriber that falls this far behind starts losing signals (they are
// stateless, so losing one is no worse than the datagram itself being lost).
const DefaultSignalBuffer = 16

// A Socket is a SLIM endpoint over one UDP socket.
// Construct with New, then Start (server) or Connect (client).
type Socket struct {
	log *zerolog.Logger

	net struct {
		accepting atomic.Bool        // are we currently serving datagrams?
		cleaned   atomic.Bool        // has Close run? sockets are single-use
		pconn     net.PacketConn     // the packet-oriented UDP connection
		ctx       context.Context    // the context pconn runs under
		cancel    context.CancelFunc // callable to kill ctx
	}

	collector         *chunk.Collector
	reassemblyTimeout time.Duration

	listeners struct {
		mu  sync.RWMutex
		fns []func(*packet.Incoming)
	}

	signalBuffer int
	signals      struct {
		mu   sync.Mutex
		subs []chan *signal.Signal
	}

	stats statistics
}

// New returns a socket ready to Start or Connect, optionally modified with
// opts.
func New(opts ...Option) *Socket {
	s := &Socket{
		reassemblyTimeout: chunk.DefaultReassemblyTimeout,
		signalBuffer:      DefaultSignalBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}

	// if the logger was not established by the options, generate the default logger
	if s.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}).With().
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		s.log = &l
	}

	s.collector = chunk.NewCollector(
		s.onReassembled,
		chunk.WithCollectorLogger(s.log),
		chunk.WithReassemblyTimeout(s.reassemblyTimeout),
		chunk.WithTimeoutHandler(s.onReassemblyTimeout),
	)

	return s
}

// Start binds the socket to the given address and begins serving datagrams.
// Ineffectual if already serving.
func (s *Socket) Start(addr netip.AddrPort) error {
	if !addr.IsValid() {
		return errors.New("addr must be a valid ip:port")
	}
	return s.bind(addr.String())
}

// Connect binds the socket to an ephemeral local port and begins serving
// datagrams. Ineffectual if already serving.
func (s *Socket) Connect() error {
	return s.bind(":0")
}

func (s *Socket) bind(listenAddr string) error {
	if s.net.cleaned.Load() {
		return ErrAlreadyClosed
	}
	if swapped := s.net.accepting.CompareAndSwap(false, true); !swapped {
		return nil // already serving
	}

	// create a context so we can kill this listener instance
	s.net.ctx, s.net.cancel = context.WithCancel(context.Background())

	pconn, err := (&net.ListenConfig{}).ListenPacket(s.net.ctx, "udp", listenAddr)
	if err != nil {
		s.net.accepting.Store(false)
		return errors.Join(ErrBindFailed, err)
	}
	s.net.pconn = pconn

	s.log.Info().Str("local address", pconn.LocalAddr().String()).Msg("accepting incoming datagrams")
	go s.dispatch()

	s.startStatsAPI()
	return nil
}

// LocalAddr returns the bound address, or nil before Start/Connect.
func (s *Socket) LocalAddr() net.Addr {
	if s.net.pconn == nil {
		return nil
	}
	return s.net.pconn.LocalAddr()
}

// dispatch slurps datagrams off the socket and routes each one.
// Datagrams are handled synchronously, in arrival order.
// Spun up by bind, shuttered by Close.
func (s *Socket) dispatch() {
	for {
		var buf = make([]byte, slim.MaxChunkSize)
		n, sender, err := s.net.pconn.ReadFrom(buf)
		if err != nil {
			if s.net.ctx.Err() != nil || !s.net.accepting.Load() {
				return // shutting down
			}
			s.log.Warn().Err(err).Msg("datagram read error, returning...")
			return
		}
		if n == 0 {
			s.log.Debug().Msg("zero byte datagram received")
			continue
		}
		s.handle(buf[:n], sender)
	}
}

// handle routes one datagram by its leading magic.
func (s *Socket) handle(data []byte, sender net.Addr) {
	switch {
	case chunk.IsChunk(data):
		s.stats.chunksReceived.Add(1)
		ch, err := chunk.Parse(sender, data)
		if err != nil {
			s.log.Debug().Err(err).Str("sender", sender.String()).Msg("dropped bad chunk")
			s.rejectIfPossible(sender, err)
			return
		}
		if err := s.collector.Add(ch); err != nil {
			s.log.Warn().Err(err).Str("sender", sender.String()).Msg("chunk refused by collector")
			s.rejectIfPossible(sender, err)
		}

	case signal.IsSignal(data):
		sig, err := signal.Parse(sender, data)
		if err != nil {
			s.log.Debug().Err(err).Str("sender", sender.String()).Msg("dropped bad signal")
			return
		}
		s.stats.signalsReceived.Add(1)
		if sig.Type == signal.Ping {
			if err := s.SendSignal(sender, signal.NewPong()); err != nil {
				s.log.Warn().Err(err).Str("sender", sender.String()).Msg("failed to answer ping")
			}
		}
		s.publishSignal(sig)

	default:
		s.stats.unrecognizedDropped.Add(1)
		s.log.Debug().
			Str("sender", sender.String()).
			Int("size (bytes)", len(data)).
			Msg("dropped unrecognized datagram")
	}
}

// rejectIfPossible answers a rejectable failure (one with a known snowflake)
// with a rejected signal. Other failures are dropped silently; they were
// already logged.
func (s *Socket) rejectIfPossible(sender net.Addr, err error) {
	var rej *signal.RejectedError
	if !errors.As(err, &rej) {
		return
	}
	if sendErr := s.SendSignal(sender, signal.NewRejected(rej.Snowflake, rej.Reason)); sendErr != nil {
		s.log.Warn().Err(sendErr).Str("sender", sender.String()).Msg("failed to send rejection")
		return
	}
	s.stats.rejectionsSent.Add(1)
}

// onReassembled runs for each packet the collector completes: the sender is
// acknowledged first, then listeners are notified.
func (s *Socket) onReassembled(pkt *packet.Incoming) {
	s.stats.packetsReceived.Add(1)

	if err := s.SendSignal(pkt.Sender, signal.NewAcknowledged(pkt.Snowflake)); err != nil {
		s.log.Warn().Err(err).Str("sender", pkt.Sender.String()).Msg("failed to acknowledge packet")
	}

	s.listeners.mu.RLock()
	fns := slices.Clone(s.listeners.fns)
	s.listeners.mu.RUnlock()
	for _, fn := range fns {
		s.invokeListener(fn, pkt)
	}
}

// invokeListener isolates listener panics so one consumer cannot starve the
// others or kill the dispatch loop.
func (s *Socket) invokeListener(fn func(*packet.Incoming), pkt *packet.Incoming) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Any("panic", r).Msg("packet listener panicked")
		}
	}()
	fn(pkt)
}

// onReassemblyTimeout answers an evicted reassembly with a timeout
// rejection.
func (s *Socket) onReassemblyTimeout(sender net.Addr, sf slim.Snowflake) {
	s.stats.reassemblyTimeouts.Add(1)
	if !s.net.accepting.Load() {
		return
	}
	if err := s.SendSignal(sender, signal.NewRejected(sf, signal.ReasonTimeout)); err != nil {
		s.log.Warn().Err(err).Str("sender", sender.String()).Msg("failed to send timeout rejection")
	}
}

// Send chunkifies the packet and writes each chunk to target as one
// datagram.
func (s *Socket) Send(target net.Addr, p *packet.Outgoing) error {
	if s.net.cleaned.Load() {
		return ErrAlreadyClosed
	}
	if !s.net.accepting.Load() {
		return ErrNotStarted
	}

	for _, c := range chunk.Chunkify(p) {
		b, err := c.Pack()
		if err != nil {
			return err
		}
		if n, err := s.net.pconn.WriteTo(b, target); err != nil {
			return errors.Join(ErrSendFailed, err)
		} else if n != len(b) {
			return ErrShortWrite(n, len(b))
		}
		s.stats.chunksSent.Add(1)
	}
	s.stats.packetsSent.Add(1)

	s.log.Debug().
		Str("target", target.String()).
		Uint32("id", p.ID).
		Str("snowflake", p.Snowflake.String()).
		Msg("packet sent")
	return nil
}

// SendSignal writes the packed signal to target as one datagram.
func (s *Socket) SendSignal(target net.Addr, sig *signal.Signal) error {
	if s.net.cleaned.Load() {
		return ErrAlreadyClosed
	}
	if !s.net.accepting.Load() {
		return ErrNotStarted
	}

	b, err := sig.Pack()
	if err != nil {
		return err
	}
	if n, err := s.net.pconn.WriteTo(b, target); err != nil {
		return errors.Join(ErrSendFailed, err)
	} else if n != len(b) {
		return ErrShortWrite(n, len(b))
	}
	s.stats.signalsSent.Add(1)
	return nil
}

// Listen registers a consumer of reassembled incoming packets.
// Listeners run on the dispatch goroutine; a slow listener delays the whole
// socket.
func (s *Socket) Listen(fn func(*packet.Incoming)) {
	s.listeners.mu.Lock()
	s.listeners.fns = append(s.listeners.fns, fn)
	s.listeners.mu.Unlock()
}

// Signals returns a broadcast stream of parsed incoming signals.
// The channel is closed when the socket closes. A subscriber that stops
// draining loses signals once its buffer fills.
func (s *Socket) Signals() <-chan *signal.Signal {
	ch, _ := s.subscribeSignals()
	return ch
}

// subscribeSignals registers a signal channel and returns it along with a
// callable that removes the subscription again.
func (s *Socket) subscribeSignals() (chan *signal.Signal, func()) {
	ch := make(chan *signal.Signal, s.signalBuffer)
	s.signals.mu.Lock()
	if s.net.cleaned.Load() {
		s.signals.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.signals.subs = append(s.signals.subs, ch)
	s.signals.mu.Unlock()

	return ch, func() {
		s.signals.mu.Lock()
		defer s.signals.mu.Unlock()
		for i, sub := range s.signals.subs {
			if sub == ch {
				s.signals.subs = slices.Delete(s.signals.subs, i, i+1)
				close(ch)
				return
			}
		}
	}
}

func (s *Socket) publishSignal(sig *signal.Signal) {
	s.signals.mu.Lock()
	defer s.signals.mu.Unlock()
	for _, sub := range s.signals.subs {
		select {
		case sub <- sig:
		default:
			s.log.Debug().Str("type", sig.Type.String()).Msg("signal dropped: subscriber buffer full")
		}
	}
}

// Ping sends a ping to target and blocks until a pong arrives from it or ctx
// expires.
func (s *Socket) Ping(ctx context.Context, target net.Addr) error {
	if ctx == nil {
		return slim.ErrNilCtx
	}

	ch, unsubscribe := s.subscribeSignals()
	defer unsubscribe()

	if err := s.SendSignal(target, signal.NewPing()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-ch:
			if !ok {
				return ErrAlreadyClosed
			}
			if sig.Type == signal.Pong && sameAddr(sig.Sender, target) {
				return nil
			}
		}
	}
}

// Close tears down the socket: the dispatch loop exits, pending
// reassemblies are discarded, signal subscribers are closed, and the stats
// API (if any) stops. Closing twice is harmless, but the socket cannot be
// restarted; Start and Connect on a closed socket fail with
// ErrAlreadyClosed.
func (s *Socket) Close() error {
	if swapped := s.net.cleaned.CompareAndSwap(false, true); !swapped {
		return nil // already cleaned up
	}
	wasAccepting := s.net.accepting.CompareAndSwap(true, false)

	s.log.Info().Msg("initializing graceful shutdown")

	var pconnCloseErr error
	if wasAccepting {
		if s.net.cancel != nil {
			s.net.cancel()
		}
		pconnCloseErr = s.net.pconn.Close()
	}

	s.collector.Close()

	s.signals.mu.Lock()
	for _, sub := range s.signals.subs {
		close(sub)
	}
	s.signals.subs = nil
	s.signals.mu.Unlock()

	s.stopStatsAPI()

	s.log.Info().AnErr("conn close error", pconnCloseErr).Msg("completed graceful shutdown")
	return pconnCloseErr
}

// Zerolog attaches the socket's state to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (s *Socket) Zerolog(ev *zerolog.Event) {
	ev.Bool("accepting", s.net.accepting.Load()).
		Int("pending reassemblies", s.collector.Pending())
	if s.net.pconn != nil {
		ev.Str("local address", s.net.pconn.LocalAddr().String())
	}
}

// sameAddr compares two datagram source addresses.
func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Network() == b.Network() && a.String() == b.String()
}
