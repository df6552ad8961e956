package server

import (
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

const (
	DefaultAddress = "tcp://0.0.0.0:8001"
)

// Flags defines CLI flags to configure a WebSocket endpoint. These
// flags can also be set using environment variables and the
// application's configuration file.
func Flags(configFilePath altsrc.StringSourcer) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "address",
			Usage: "listening address (tcp://host:port, tls://host:port, unix://path)",
			Value: DefaultAddress,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_ADDRESS"),
				toml.TOML("server.address", configFilePath),
			),
		},
		&cli.StringFlag{
			Name:  "server-id",
			Usage: "identifier reported in the handshake's Server header",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_SERVER_ID"),
				toml.TOML("server.id", configFilePath),
			),
		},
		&cli.BoolFlag{
			Name:  "manual-accept",
			Usage: "surface pending connections instead of accepting them inline",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_MANUAL_ACCEPT"),
				toml.TOML("server.manual_accept", configFilePath),
			),
		},
		&cli.StringFlag{
			Name:  "subprotocol",
			Usage: "single subprotocol name the handshake is willing to echo",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_SUBPROTOCOL"),
				toml.TOML("server.subprotocol", configFilePath),
			),
		},
		&cli.StringFlag{
			Name:  "tls-cert",
			Usage: "server's public certificate PEM file",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_TLS_CERT"),
				toml.TOML("server.tls_cert", configFilePath),
			),
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:  "tls-key",
			Usage: "server's private key PEM file",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_TLS_KEY"),
				toml.TOML("server.tls_key", configFilePath),
			),
			TakesFile: true,
		},
		&cli.DurationFlag{
			Name:  "accept-timeout",
			Usage: "how long a manual accept waits for a pending connection",
			Value: DefaultAcceptTimeout,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_ACCEPT_TIMEOUT"),
				toml.TOML("server.accept_timeout", configFilePath),
			),
		},
		&cli.DurationFlag{
			Name:  "handshake-timeout",
			Usage: "how long a new connection may take to complete its opening handshake",
			Value: DefaultHandshakeTimeout,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_HANDSHAKE_TIMEOUT"),
				toml.TOML("server.handshake_timeout", configFilePath),
			),
		},
	}
}

// FromCommand assembles a [Config] from parsed CLI flags.
func FromCommand(cmd *cli.Command) Config {
	cfg := DefaultConfig()
	cfg.Address = cmd.String("address")
	cfg.ServerID = cmd.String("server-id")
	cfg.AutoAccept = !cmd.Bool("manual-accept")
	cfg.Subprotocol = cmd.String("subprotocol")
	cfg.CertFile = cmd.String("tls-cert")
	cfg.KeyFile = cmd.String("tls-key")
	cfg.UseCrypto = cfg.CertFile != "" || cfg.KeyFile != ""
	cfg.AcceptTimeout = cmd.Duration("accept-timeout")
	cfg.HandshakeTimeout = cmd.Duration("handshake-timeout")
	return cfg
}
