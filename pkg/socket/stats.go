package socket

// stats.go tracks per-socket counters and optionally serves them over a
// small HTTP introspection API (see WithStatsAddr).

import (
	"context"
	"net/http"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
)

const (
	apiName    = "SLIM socket"
	apiVersion = "1.0.0"
)

// statistics holds the socket's live counters plus the optional HTTP API
// serving them.
type statistics struct {
	packetsSent         atomic.Uint64
	packetsReceived     atomic.Uint64
	chunksSent          atomic.Uint64
	chunksReceived      atomic.Uint64
	signalsSent         atomic.Uint64
	signalsReceived     atomic.Uint64
	rejectionsSent      atomic.Uint64
	reassemblyTimeouts  atomic.Uint64
	unrecognizedDropped atomic.Uint64

	apiAddr netip.AddrPort
	mux     *http.ServeMux
	http    *http.Server
}

// A StatsSnapshot is a point-in-time copy of the socket's counters.
type StatsSnapshot struct {
	PacketsSent         uint64 `json:"packets-sent" doc:"packets chunkified and sent"`
	PacketsReceived     uint64 `json:"packets-received" doc:"packets fully reassembled and acknowledged"`
	ChunksSent          uint64 `json:"chunks-sent" doc:"chunk datagrams written"`
	ChunksReceived      uint64 `json:"chunks-received" doc:"chunk datagrams received (before validation)"`
	SignalsSent         uint64 `json:"signals-sent" doc:"signal datagrams written"`
	SignalsReceived     uint64 `json:"signals-received" doc:"signal datagrams parsed"`
	RejectionsSent      uint64 `json:"rejections-sent" doc:"rejected signals emitted for bad traffic"`
	ReassemblyTimeouts  uint64 `json:"reassembly-timeouts" doc:"pending reassemblies evicted for taking too long"`
	UnrecognizedDropped uint64 `json:"unrecognized-dropped" doc:"datagrams dropped for carrying no known magic"`
	PendingReassemblies int    `json:"pending-reassemblies" doc:"snowflakes currently awaiting chunks"`
}

// Stats returns a point-in-time copy of the socket's counters.
func (s *Socket) Stats() StatsSnapshot {
	return StatsSnapshot{
		PacketsSent:         s.stats.packetsSent.Load(),
		PacketsReceived:     s.stats.packetsReceived.Load(),
		ChunksSent:          s.stats.chunksSent.Load(),
		ChunksReceived:      s.stats.chunksReceived.Load(),
		SignalsSent:         s.stats.signalsSent.Load(),
		SignalsReceived:     s.stats.signalsReceived.Load(),
		RejectionsSent:      s.stats.rejectionsSent.Load(),
		ReassemblyTimeouts:  s.stats.reassemblyTimeouts.Load(),
		UnrecognizedDropped: s.stats.unrecognizedDropped.Load(),
		PendingReassemblies: s.collector.Pending(),
	}
}

// response for GET /api/v1/stats
type statsResp struct {
	Body StatsSnapshot
}

// startStatsAPI spins up the introspection HTTP server, if one was
// requested. Called by bind.
func (s *Socket) startStatsAPI() {
	if !s.stats.apiAddr.IsValid() {
		return
	}

	s.stats.mux = http.NewServeMux()
	api := humago.New(s.stats.mux, huma.DefaultConfig(apiName, apiVersion))
	huma.Register(api, huma.Operation{
		OperationID: "get-stats",
		Method:      http.MethodGet,
		Path:        "/api/v1/stats",
		Summary:     "Live socket counters",
	}, func(ctx context.Context, _ *struct{}) (*statsResp, error) {
		return &statsResp{Body: s.Stats()}, nil
	})

	s.stats.http = &http.Server{
		Addr:    s.stats.apiAddr.String(),
		Handler: s.stats.mux,
	}
	go func() {
		if err := s.stats.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Warn().Err(err).Msg("stats API server stopped")
		}
	}()
	s.log.Info().Str("address", s.stats.apiAddr.String()).Msg("stats API listening")
	time.Sleep(30 * time.Millisecond) // buy time for the server to actually start up
}

// stopStatsAPI tears the introspection server down again. Called by Close.
func (s *Socket) stopStatsAPI() {
	if s.stats.http != nil {
		_ = s.stats.http.Close()
	}
}
