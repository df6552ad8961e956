package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli/v3"

	"github.com/tzrikka/cymbal/internal/logger"
	"github.com/tzrikka/cymbal/pkg/metrics"
	"github.com/tzrikka/cymbal/pkg/server"
	"github.com/tzrikka/cymbal/pkg/wire"
	"github.com/tzrikka/xdg"
)

const (
	ConfigDirName  = "cymbal"
	ConfigFileName = "config.toml"

	// tickTimeout bounds each readiness wait, so the
	// loop notices shutdown signals promptly.
	tickTimeout = time.Second
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:    "cymbal",
		Usage:   "WebSocket echo endpoint driven by a single readiness loop",
		Version: bi.Main.Version,
		Flags:   flags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			initLog(cmd.Bool("dev") || cmd.Bool("pretty-log"))
			return run(ctx, cmd)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	fs := []cli.Flag{
		&cli.BoolFlag{
			Name:  "dev",
			Usage: "simple setup, but unsafe for production",
		},
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
		&cli.BoolFlag{
			Name:  "metrics",
			Usage: "record connection and message counters as local CSV files",
		},
	}

	return append(fs, server.Flags(configFile())...)
}

// configFile returns the path to the app's configuration file.
// It also creates an empty file if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdg.CreateFile(xdg.ConfigHome, ConfigDirName, ConfigFileName)
	if err != nil {
		logger.FatalError("failed to create config file", err)
	}
	return altsrc.StringSourcer(path)
}

// initLog initializes the global logger, based on whether
// the daemon is running in development mode or not.
func initLog(devMode bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if devMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// run drives the endpoint's event loop until the process
// is interrupted, echoing back every data message.
func run(_ context.Context, cmd *cli.Command) error {
	s, err := server.New(server.FromCommand(cmd))
	if err != nil {
		return err
	}
	defer s.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	countMetrics := cmd.Bool("metrics")
	closing := false

	for {
		select {
		case sig := <-sigs:
			if closing {
				return nil // Second signal: quit immediately.
			}
			log.Info().Stringer("signal", sig).Msg("shutting down")
			s.DisconnectAll(wire.StatusGoingAway, "server is shutting down")
			closing = true

		default:
		}

		for u := range s.Updates(tickTimeout) {
			handleUpdate(s, u, countMetrics)
		}

		if closing && s.ConnectionCount() == 0 {
			return nil
		}
	}
}

func handleUpdate(s *server.Server, u server.Update, countMetrics bool) {
	l := log.Logger
	if u.Conn != nil {
		l = l.With().Int("conn", u.Conn.Index()).Logger()
	}

	switch u.Kind {
	case server.KindNewTCPConn:
		l.Debug().Str("remote_addr", u.Conn.RemoteAddr()).Msg("accepted connection")
		if countMetrics {
			metrics.CountConnEvent(l, time.Now(), "accepted", u.Conn.Index())
		}

	case server.KindNewTCPConnAvailable:
		// Manual-accept mode: pull the pending connection in ourselves.
		if _, err := s.AcceptNewConnection(); err != nil {
			l.Err(err).Msg("manual accept failed")
		}

	case server.KindNewConnection:
		l.Info().Msg("connection open")
		if countMetrics {
			metrics.CountConnEvent(l, time.Now(), "open", u.Conn.Index())
		}

	case server.KindRead:
		l.Debug().Stringer("opcode", u.Msg.Opcode).Int("length", len(u.Msg.Data)).Msg("echoing message")
		if countMetrics {
			metrics.CountMessage(l, time.Now(), "in", u.Msg.Opcode.String(), len(u.Msg.Data))
		}
		if err := u.Conn.Send(u.Msg.Opcode, u.Msg.Data); err != nil {
			l.Err(err).Msg("failed to echo message")
		}

	case server.KindReadEmptyFrame:
		if err := u.Conn.Send(u.Msg.Opcode, nil); err != nil {
			l.Err(err).Msg("failed to echo empty message")
		}

	case server.KindDisconnect:
		l.Info().Stringer("close_status", u.Code).Msg("connection closed")
		if countMetrics {
			metrics.CountConnEvent(l, time.Now(), "disconnected", u.Conn.Index())
		}

	case server.KindSockDisconnect:
		l.Info().Msg("peer went away")
		if countMetrics {
			metrics.CountConnEvent(l, time.Now(), "disconnected", u.Conn.Index())
		}

	case server.KindHandshakeFailure:
		l.Warn().Err(u.Err).Msg("handshake rejected")
		if countMetrics {
			metrics.CountConnEvent(l, time.Now(), "handshake_failure", u.Conn.Index())
		}

	case server.KindHandshakeTimeout:
		l.Warn().Msg("handshake timed out")

	case server.KindWriteFailed, server.KindReadFailed, server.KindSelectFailed:
		l.Warn().Err(u.Err).Stringer("kind", u.Kind).Msg("transport error")

	case server.KindWriteCompleted:
		// Nothing to do: the queue drained.
	}
}
