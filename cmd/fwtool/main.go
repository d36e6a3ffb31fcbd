package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"time"

	"github.com/ruteri/device-agent/channel"
	"github.com/ruteri/device-agent/cmd/flags"
	"github.com/ruteri/device-agent/cryptoutils"
	"github.com/ruteri/device-agent/interfaces"
	"github.com/urfave/cli/v2"
)

var imageFlags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:     "image",
		Required: true,
		Usage:    "firmware image file",
	},
}

var payloadFlags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "command",
		Value: channel.CommandOTA,
		Usage: "command to send: 'ota', 'restart' or 'factory_reset'",
	},
	&cli.StringFlag{
		Name:  "url",
		Usage: "firmware URL the device downloads from (ota only)",
	},
	&cli.StringFlag{
		Name:  "image",
		Usage: "firmware image file to compute fw_crc from (ota only)",
	},
}

var brokerFlags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:     "broker",
		Required: true,
		Usage:    "MQTT broker URL, e.g. ssl://broker.example.com:8883",
		EnvVars:  []string{"MQTT_BROKER"},
	},
	&cli.StringFlag{
		Name:     "device-id",
		Required: true,
		Usage:    "device to address",
	},
	&cli.StringFlag{
		Name:     "tls-cert-file",
		Required: true,
		Usage:    "operator client certificate (PEM)",
		EnvVars:  []string{"TLS_CERT_FILE"},
	},
	&cli.StringFlag{
		Name:     "tls-key-file",
		Required: true,
		Usage:    "operator client key (PEM)",
		EnvVars:  []string{"TLS_KEY_FILE"},
	},
	&cli.StringFlag{
		Name:     "tls-cacert-file",
		Required: true,
		Usage:    "CA the broker certificate must chain to (PEM)",
		EnvVars:  []string{"TLS_CACERT_FILE"},
	},
	&cli.DurationFlag{
		Name:  "timeout",
		Value: 10 * time.Second,
		Usage: "connect and publish timeout",
	},
}

func main() {
	app := &cli.App{
		Name:  "fwtool",
		Usage: "Prepare and send device agent commands",
		Commands: []*cli.Command{
			{
				Name:  "crc",
				Usage: "Print the CRC-32 of a firmware image as expected in fw_crc",
				Flags: imageFlags,
				Action: func(cCtx *cli.Context) error {
					crc, size, err := imageCRC(cCtx.String("image"))
					if err != nil {
						return err
					}
					fmt.Printf("%d\t0x%08x\t%d bytes\n", crc, crc, size)
					return nil
				},
			},
			{
				Name:  "payload",
				Usage: "Print a command message",
				Flags: payloadFlags,
				Action: func(cCtx *cli.Context) error {
					payload, err := commandPayload(cCtx)
					if err != nil {
						return err
					}
					fmt.Println(string(payload))
					return nil
				},
			},
			{
				Name:  "send",
				Usage: "Publish a command message to a device's command topic",
				Flags: slices.Concat(payloadFlags, brokerFlags, flags.LogFlags),
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)

					payload, err := commandPayload(cCtx)
					if err != nil {
						return err
					}
					tlsCreds, err := operatorCredentials(cCtx)
					if err != nil {
						return err
					}
					tlsConfig, err := cryptoutils.MutualTLSConfig(tlsCreds)
					if err != nil {
						return err
					}

					ctx, cancel := context.WithTimeout(context.Background(), cCtx.Duration("timeout"))
					defer cancel()

					transport := channel.NewPahoTransport(cCtx.String("broker"), "fwtool", channel.DefaultKeepAlive, logger)
					if err := transport.Connect(ctx, tlsConfig, channel.Handlers{}); err != nil {
						return err
					}
					defer transport.Disconnect()

					topic := channel.DefaultCommandTopicPrefix + cCtx.String("device-id")
					if err := transport.Publish(ctx, topic, payload); err != nil {
						return err
					}
					logger.Info("Command sent", "topic", topic, "payload", string(payload))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func imageCRC(path string) (uint32, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	crc := cryptoutils.NewCRC32()
	size, err := io.Copy(crc, f)
	if err != nil {
		return 0, 0, fmt.Errorf("could not read image: %w", err)
	}
	return crc.Sum32(), size, nil
}

func commandPayload(cCtx *cli.Context) ([]byte, error) {
	var cmd channel.Command
	switch name := cCtx.String("command"); name {
	case channel.CommandOTA:
		if cCtx.String("url") == "" || cCtx.String("image") == "" {
			return nil, errors.New("ota requires --url and --image")
		}
		crc, _, err := imageCRC(cCtx.String("image"))
		if err != nil {
			return nil, err
		}
		cmd = channel.OTACommand{URL: cCtx.String("url"), CRC: crc}
	case channel.CommandRestart:
		cmd = channel.RestartCommand{}
	case channel.CommandFactoryReset:
		cmd = channel.FactoryResetCommand{}
	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
	return channel.EncodeCommand(cmd)
}

func operatorCredentials(cCtx *cli.Context) (*interfaces.CredentialSet, error) {
	cert, err := os.ReadFile(cCtx.String("tls-cert-file"))
	if err != nil {
		return nil, err
	}
	key, err := os.ReadFile(cCtx.String("tls-key-file"))
	if err != nil {
		return nil, err
	}
	ca, err := os.ReadFile(cCtx.String("tls-cacert-file"))
	if err != nil {
		return nil, err
	}
	pub, err := cryptoutils.PrivateKey(key).PublicKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("invalid operator key: %w", err)
	}
	return &interfaces.CredentialSet{RootCA: ca, DeviceCert: cert, PrivateKey: key, PublicKey: pub}, nil
}
