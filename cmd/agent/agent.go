package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/ruteri/device-agent/channel"
	"github.com/ruteri/device-agent/cmd/flags"
	"github.com/ruteri/device-agent/config"
	"github.com/ruteri/device-agent/httpserver"
	"github.com/ruteri/device-agent/interfaces"
	"github.com/ruteri/device-agent/kms"
	"github.com/ruteri/device-agent/network"
	"github.com/ruteri/device-agent/ota"
	"github.com/ruteri/device-agent/partition"
	"github.com/ruteri/device-agent/provisioner"
	"github.com/ruteri/device-agent/storage"
	"github.com/ruteri/device-agent/supervisor"
	"github.com/ruteri/device-agent/system"
	"github.com/urfave/cli/v2"
)

// Agent holds the wired components of a running device agent.
type Agent struct {
	log *slog.Logger

	backend    interfaces.KVBackend
	store      *storage.CredentialStore
	table      *partition.FileTable
	engine     *ota.Engine
	channel    *channel.Channel
	supervisor *supervisor.Supervisor
	server     *httpserver.Server
}

func NewAgent(ctx context.Context, cCtx *cli.Context, cfg config.Config, log *slog.Logger) (*Agent, error) {
	a := &Agent{log: log}

	// Credential storage
	loc, err := interfaces.NewBackendLocation(cfg.Storage.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid storage uri: %w", err)
	}
	var passphrase []byte
	if cfg.Storage.SealingPassphraseFile != "" {
		passphrase, err = os.ReadFile(cfg.Storage.SealingPassphraseFile)
		if err != nil {
			return nil, fmt.Errorf("could not read sealing passphrase: %w", err)
		}
		passphrase = []byte(strings.TrimSpace(string(passphrase)))
	}
	a.backend, err = storage.NewBackendFactory(log, passphrase).BackendFor(ctx, loc)
	if err != nil {
		return nil, err
	}
	a.store = storage.NewCredentialStore(a.backend, log)

	rebooter := system.NewCommandRebooter(cfg.Supervisor.RebootCommand, log)

	prov, deprov, err := newProvisioner(cfg, a.store, log)
	if err != nil {
		return nil, err
	}

	// Firmware slots and sources
	a.table, err = partition.Open(cfg.OTA.PartitionDir, cfg.OTA.SlotSize, log)
	if err != nil {
		return nil, err
	}
	sources, err := newFirmwareSources(cfg.OTA, log)
	if err != nil {
		return nil, err
	}

	// The dispatcher needs the engine and the engine reports through the
	// channel, so the dispatcher is completed once both exist.
	dispatcher := &channel.Dispatcher{
		DeviceID:      cfg.DeviceID,
		Rebooter:      rebooter,
		Store:         a.store,
		Deprovisioner: deprov,
		Log:           log,
	}
	logSink := interfaces.LogSink{Log: log}

	transport := channel.NewPahoTransport(cfg.MQTT.Broker, cfg.DeviceID, cfg.MQTT.KeepAlive.Duration, log)
	a.channel = channel.New(channel.Config{
		DeviceID:          cfg.DeviceID,
		FirmwareVersion:   cfg.FirmwareVersion,
		TelemetryInterval: cfg.MQTT.TelemetryInterval.Duration,
		PingInterval:      cfg.MQTT.PingInterval.Duration,
		MaxReconnects:     cfg.MQTT.MaxReconnects,
		BackoffBase:       cfg.MQTT.BackoffBase.Duration,
		BufferSize:        cfg.MQTT.BufferSize,
	}, transport, a.store, dispatcher, logSink, log)

	sink := interfaces.MultiSink{logSink, a.channel}

	a.engine = ota.NewEngine(ota.Config{
		MaxAttempts: cfg.OTA.MaxAttempts,
		RetryDelay:  cfg.OTA.RetryDelay.Duration,
		RebootDelay: cfg.OTA.RebootDelay.Duration,
	}, a.table, sources, rebooter, sink, log)
	dispatcher.Updates = a.engine
	dispatcher.Sink = sink

	policy, err := supervisor.ParsePolicy(cfg.Supervisor.Policy)
	if err != nil {
		return nil, err
	}
	deps := supervisor.Deps{
		Network:     newNetworkSignal(cfg, log),
		Store:       a.store,
		Provisioner: prov,
		Channel:     a.channel,
		Rebooter:    rebooter,
		Boot:        a.table,
		Sink:        sink,
	}
	if len(cfg.Supervisor.HealthCheck) > 0 {
		deps.HealthCheck = system.CommandCheck(cfg.Supervisor.HealthCheck)
	}
	a.supervisor = supervisor.New(supervisor.Config{
		DeviceID:            cfg.DeviceID,
		ProvisionAttempts:   cfg.Supervisor.ProvisionAttempts,
		ProvisionRetryDelay: cfg.Supervisor.RetryDelay.Duration,
		StartAttempts:       cfg.Supervisor.StartAttempts,
		StartRetryDelay:     cfg.Supervisor.RetryDelay.Duration,
		Policy:              policy,
		MaxRestarts:         cfg.Supervisor.MaxRestarts,
		RestartDelay:        cfg.Supervisor.RestartDelay.Duration,
		BootCheckTimeout:    cfg.Supervisor.BootCheckTimeout.Duration,
	}, deps, log)

	// Local status API
	srvCfg := flags.ConfigureServer(cCtx, log, cfg.HTTP.ListenAddr, cfg.HTTP.MetricsAddr)
	srvCfg.EnablePprof = cfg.HTTP.EnablePprof
	handler := httpserver.NewHandler(cfg.DeviceID, a.supervisor, a.channel, a.engine, a.table, a.store, log)
	a.server, err = httpserver.New(srvCfg, handler)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// Run serves the status API and drives the supervisor until ctx is done or
// the supervisor gives up.
func (a *Agent) Run(ctx context.Context) error {
	if a.server != nil {
		a.server.RunInBackground()
		defer a.server.Shutdown()
	}

	err := a.supervisor.Run(ctx)
	a.engine.Cancel()
	a.engine.Wait()
	if errors.Is(err, context.Canceled) {
		a.log.Info("Agent stopped")
		return nil
	}
	return err
}

func (a *Agent) Close() {
	if closer, ok := a.backend.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			a.log.Error("Could not close credential storage", "err", err)
		}
	}
}

func newProvisioner(cfg config.Config, store interfaces.CredentialStore, log *slog.Logger) (interfaces.Provisioner, interfaces.Deprovisioner, error) {
	if keyFile := cfg.Provisioning.LocalKMSKeyFile; keyFile != "" {
		log.Warn("Using local KMS for device identity", "key_file", keyFile)
		raw, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("could not read local kms key: %w", err)
		}
		key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(key) != 32 {
			return nil, nil, fmt.Errorf("invalid local kms key - must be 64 hex chars (32 bytes): %v", err)
		}
		simpleKMS, err := kms.NewSimpleKMS(key)
		if err != nil {
			return nil, nil, err
		}
		p := &provisioner.LocalProvisioner{KMS: simpleKMS, Store: store, Log: log}
		return p, p, nil
	}

	var rootCA []byte
	if cfg.Provisioning.RootCAFile != "" {
		var err error
		rootCA, err = os.ReadFile(cfg.Provisioning.RootCAFile)
		if err != nil {
			return nil, nil, fmt.Errorf("could not read provisioning CA: %w", err)
		}
	}
	client, err := provisioner.NewClient(provisioner.ClientConfig{
		ServerURL:       cfg.Provisioning.ServerURL,
		ProvisionPath:   cfg.Provisioning.Path,
		DeprovisionPath: cfg.Provisioning.DeprovisionPath,
		RootCA:          rootCA,
		MaxAttempts:     cfg.Provisioning.MaxAttempts,
		RetryDelay:      cfg.Provisioning.RetryDelay.Duration,
		AttemptTimeout:  cfg.Provisioning.AttemptTimeout.Duration,
	}, store, log)
	if err != nil {
		return nil, nil, err
	}
	return client, client, nil
}

func newFirmwareSources(cfg config.OTA, log *slog.Logger) (ota.MultiSource, error) {
	var caPEM []byte
	if cfg.CAFile != "" {
		var err error
		caPEM, err = os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("could not read firmware server CA: %w", err)
		}
	}
	httpSource, err := ota.NewHTTPSource(caPEM, log)
	if err != nil {
		return nil, err
	}
	sources := ota.MultiSource{
		"https": httpSource,
		"http":  httpSource,
	}

	if cfg.S3Region != "" || cfg.S3Endpoint != "" {
		s3Source, err := ota.NewS3Source(ota.S3Config{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
		}, log)
		if err != nil {
			return nil, err
		}
		sources["s3"] = s3Source
	}
	if cfg.IPFSAPI != "" {
		sources["ipfs"] = ota.NewIPFSSource(cfg.IPFSAPI, log)
	}
	return sources, nil
}

// newNetworkSignal checks the configured host, or the broker host when none is set.
func newNetworkSignal(cfg config.Config, log *slog.Logger) interfaces.NetworkSignal {
	host := cfg.Supervisor.NetworkCheckHost
	if host == "" {
		if u, err := url.Parse(cfg.MQTT.Broker); err == nil {
			host = u.Hostname()
		}
	}
	if host == "" {
		return network.Static{}
	}

	resolver := cfg.Supervisor.Resolver
	if resolver == "" {
		resolver = network.ResolverFromConfig("/etc/resolv.conf")
	}
	return &network.DNSSignal{Host: host, Server: resolver, Log: log}
}
