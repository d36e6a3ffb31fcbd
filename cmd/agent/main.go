package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/ruteri/device-agent/cmd/flags"
	"github.com/ruteri/device-agent/config"
	"github.com/urfave/cli/v2"
)

var configFlags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Usage:   "path to the agent TOML configuration file. Flags set explicitly override its values",
		EnvVars: []string{"AGENT_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "device-id",
		Usage:   "device identifier, used as MQTT client ID and in command topics",
		EnvVars: []string{"DEVICE_ID"},
	},
	&cli.StringFlag{
		Name:    "firmware-version",
		Usage:   "firmware version reported in telemetry",
		EnvVars: []string{"FIRMWARE_VERSION"},
	},
}

var provisionerFlags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:    "provisioning-server-addr",
		Usage:   "provisioning server base URL, e.g. https://provision.example.com",
		EnvVars: []string{"PROVISIONING_SERVER_ADDR"},
	},
	&cli.StringFlag{
		Name:    "provisioning-ca-file",
		Usage:   "PEM file with the CA the provisioning server certificate must chain to",
		EnvVars: []string{"PROVISIONING_CA_FILE"},
	},
	&cli.StringFlag{
		Name:    "debug-local-kms-key-file",
		Usage:   "If provided the device identity is issued from a local KMS keyed by this file (64 hex chars) instead of the provisioning server",
		EnvVars: []string{"DEBUG_LOCAL_KMS_KEY_FILE"},
	},
}

var brokerFlags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:    "broker",
		Usage:   "MQTT broker URL, e.g. ssl://broker.example.com:8883",
		EnvVars: []string{"MQTT_BROKER"},
	},
}

var storageFlags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:    "storage-uri",
		Usage:   "credential storage location: file:///path, sqlite:///path/agent.db, vault://host:port/mount/path?token=..., memory://",
		EnvVars: []string{"STORAGE_URI"},
	},
	&cli.StringFlag{
		Name:    "sealing-passphrase-file",
		Usage:   "If provided credentials are encrypted at rest with a key derived from this file",
		EnvVars: []string{"SEALING_PASSPHRASE_FILE"},
	},
}

var updateFlags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:    "partition-dir",
		Usage:   "directory holding the firmware slots and otadata.json",
		EnvVars: []string{"PARTITION_DIR"},
	},
	&cli.StringFlag{
		Name:    "restart-policy",
		Usage:   "what to do after a fatal failure: 'halt' or 'restart'",
		EnvVars: []string{"RESTART_POLICY"},
	},
}

const usage string = `Device provisioning and update agent
Obtains the device identity, keeps a mutually authenticated MQTT command
channel to the broker and installs firmware updates into the inactive slot`

func main() {
	app := &cli.App{
		Name:  "device-agent",
		Usage: usage,
		Flags: slices.Concat(configFlags, provisionerFlags, brokerFlags, storageFlags, updateFlags,
			flags.CommonFlags, []cli.Flag{flags.LogServiceFlagFn("device-agent")}),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := loadConfig(cCtx)
			if err != nil {
				logger.Error("Invalid configuration", "err", err)
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			agent, err := NewAgent(ctx, cCtx, cfg, logger)
			if err != nil {
				logger.Error("Failed to set up agent", "err", err)
				return err
			}
			defer agent.Close()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-exit
				logger.Info("Shutdown signal received")
				cancel()
			}()

			return agent.Run(ctx)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the optional config file and applies explicitly set flags over it.
func loadConfig(cCtx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := cCtx.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	setString := func(flag string, dst *string) {
		if cCtx.IsSet(flag) {
			*dst = cCtx.String(flag)
		}
	}
	setString("device-id", &cfg.DeviceID)
	setString("firmware-version", &cfg.FirmwareVersion)
	setString("provisioning-server-addr", &cfg.Provisioning.ServerURL)
	setString("provisioning-ca-file", &cfg.Provisioning.RootCAFile)
	setString("debug-local-kms-key-file", &cfg.Provisioning.LocalKMSKeyFile)
	setString("broker", &cfg.MQTT.Broker)
	setString("storage-uri", &cfg.Storage.URI)
	setString("sealing-passphrase-file", &cfg.Storage.SealingPassphraseFile)
	setString("partition-dir", &cfg.OTA.PartitionDir)
	setString("restart-policy", &cfg.Supervisor.Policy)
	setString(flags.ListenAddrFlag.Name, &cfg.HTTP.ListenAddr)
	setString(flags.MetricsAddrFlag.Name, &cfg.HTTP.MetricsAddr)
	if cCtx.IsSet(flags.PprofFlag.Name) {
		cfg.HTTP.EnablePprof = cCtx.Bool(flags.PprofFlag.Name)
	}

	return cfg, cfg.Validate()
}
