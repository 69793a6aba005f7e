/*
Demo SLIM client: connects from an ephemeral port, pings the server, sends a
greeting packet, awaits the acknowledgement, then queries the server's stats
API.

Companion to the server implementation in server/main.go.
*/
package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/SamJakob/SLIM/pkg/packet"
	"github.com/SamJakob/SLIM/pkg/signal"
	"github.com/SamJakob/SLIM/pkg/socket"
	"github.com/rs/zerolog"
	"resty.dev/v3"
)

func main() {
	serverAddr, err := netip.ParseAddrPort("127.0.0.1:7400")
	if err != nil {
		panic(err)
	}
	target := net.UDPAddrFromAddrPort(serverAddr)

	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	}).With().
		Str("role", "client").
		Timestamp().
		Logger().Level(zerolog.DebugLevel)

	cli := socket.New(socket.WithLogger(&log))
	if err := cli.Connect(); err != nil {
		panic(err)
	}
	defer cli.Close()

	signals := cli.Signals()

	// keepalive round trip first
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cli.Ping(ctx, target); err != nil {
		log.Fatal().Err(err).Msg("server did not answer ping")
	}
	log.Info().Msg("pong received")

	// send a greeting and wait to be acknowledged
	p := packet.NewOutgoing(0x02)
	p.Body().WriteString("Howdy!")
	if err := cli.Send(target, p); err != nil {
		log.Fatal().Err(err).Msg("failed to send packet")
	}

	deadline := time.After(2 * time.Second)
	for acked := false; !acked; {
		select {
		case sig, ok := <-signals:
			if !ok {
				log.Fatal().Msg("signal stream closed")
			}
			if sig.Type != signal.Acknowledged {
				continue
			}
			sf, err := sig.Snowflake()
			if err != nil {
				log.Warn().Err(err).Msg("malformed acknowledgement")
				continue
			}
			if sf == p.Snowflake {
				log.Info().Str("snowflake", sf.String()).Msg("packet acknowledged")
				acked = true
			}
		case <-deadline:
			log.Fatal().Msg("packet was never acknowledged")
		}
	}

	// pull the server's counters off its stats API
	restClient := resty.New()
	defer restClient.Close()
	resp, err := restClient.R().Get("http://127.0.0.1:7480/api/v1/stats")
	if err != nil {
		log.Warn().Err(err).Msg("stats API unreachable (start the server with its default stats address)")
		return
	}
	fmt.Println("server stats:", resp.String())
}
