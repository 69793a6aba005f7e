/*
Demo SLIM server: binds a UDP socket, logs every packet and signal it hears,
and serves live counters over HTTP.

Companion to the client implementation in client/main.go.
*/
package main

import (
	"fmt"
	"net/netip"
	"os"
	"os/signal"

	"github.com/SamJakob/SLIM/pkg/packet"
	"github.com/SamJakob/SLIM/pkg/socket"
	"github.com/rs/zerolog"
)

func main() {
	addr, err := netip.ParseAddrPort("127.0.0.1:7400")
	if err != nil {
		panic(err)
	}
	statsAddr, err := netip.ParseAddrPort("127.0.0.1:7480")
	if err != nil {
		panic(err)
	}

	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	}).With().
		Str("role", "server").
		Timestamp().
		Caller().
		Logger().Level(zerolog.DebugLevel)

	srv := socket.New(
		socket.WithLogger(&log),
		socket.WithStatsAddr(statsAddr),
	)

	srv.Listen(func(p *packet.Incoming) {
		log.Info().
			Uint32("id", p.ID).
			Str("snowflake", p.Snowflake.String()).
			Int("body length (bytes)", p.BodyLen()).
			Msg("packet received")
	})

	go func() {
		for sig := range srv.Signals() {
			log.Info().
				Str("type", sig.Type.String()).
				Str("sender", sig.Sender.String()).
				Msg("signal received")
		}
	}()

	if err := srv.Start(addr); err != nil {
		panic(err)
	}
	fmt.Println("Send a SIGINT to kill the program")

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt)
	<-done

	fmt.Println("SIGINT captured. Cleaning up....")
	srv.Close()
}
