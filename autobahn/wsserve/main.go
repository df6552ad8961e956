// Wsserve runs Cymbal's WebSocket [server] as a bare echo endpoint for
// the fuzzing client of the [Autobahn Testsuite].
//
// Point the fuzzing client at ws://127.0.0.1:9001 and stop this process
// with an interrupt once the reports are generated.
//
// [server]: https://pkg.go.dev/github.com/tzrikka/cymbal/pkg/server
// [Autobahn Testsuite]: https://github.com/crossbario/autobahn-testsuite
package main

import (
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tzrikka/cymbal/pkg/server"
)

const address = "tcp://127.0.0.1:9001"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg := server.DefaultConfig()
	cfg.Address = address
	cfg.ServerID = "cymbal-wsserve"

	s, err := server.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
	defer s.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)

	for {
		select {
		case <-sigs:
			return
		default:
		}

		for u := range s.Updates(time.Second) {
			if u.Kind != server.KindRead && u.Kind != server.KindReadEmptyFrame {
				continue
			}
			if err := u.Conn.Send(u.Msg.Opcode, u.Msg.Data); err != nil {
				log.Err(err).Int("conn", u.Conn.Index()).Msg("echo error")
			}
		}
	}
}
