package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a Go duration string ("5s", "100ms").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	DeviceID        string `toml:"device_id"`
	FirmwareVersion string `toml:"firmware_version"`

	Provisioning Provisioning `toml:"provisioning"`
	Storage      Storage      `toml:"storage"`
	MQTT         MQTT         `toml:"mqtt"`
	OTA          OTA          `toml:"ota"`
	Supervisor   Supervisor   `toml:"supervisor"`
	HTTP         HTTP         `toml:"http"`
}

type Provisioning struct {
	ServerURL       string   `toml:"server_url"`
	Path            string   `toml:"path"`
	DeprovisionPath string   `toml:"deprovision_path"`
	RootCAFile      string   `toml:"root_ca_file"`
	MaxAttempts     int      `toml:"max_attempts"`
	RetryDelay      Duration `toml:"retry_delay"`
	AttemptTimeout  Duration `toml:"attempt_timeout"`
	// LocalKMSKeyFile switches to offline provisioning from a local fleet key.
	LocalKMSKeyFile string `toml:"local_kms_key_file"`
}

type Storage struct {
	URI                   string `toml:"uri"`
	SealingPassphraseFile string `toml:"sealing_passphrase_file"`
}

type MQTT struct {
	Broker            string   `toml:"broker"`
	KeepAlive         Duration `toml:"keep_alive"`
	TelemetryInterval Duration `toml:"telemetry_interval"`
	PingInterval      Duration `toml:"ping_interval"`
	MaxReconnects     int      `toml:"max_reconnects"`
	BackoffBase       Duration `toml:"backoff_base"`
	BufferSize        int      `toml:"buffer_size"`
}

type OTA struct {
	PartitionDir string   `toml:"partition_dir"`
	SlotSize     int64    `toml:"slot_size"`
	MaxAttempts  int      `toml:"max_attempts"`
	RetryDelay   Duration `toml:"retry_delay"`
	RebootDelay  Duration `toml:"reboot_delay"`
	CAFile       string   `toml:"ca_file"`

	S3Region    string `toml:"s3_region"`
	S3Endpoint  string `toml:"s3_endpoint"`
	S3AccessKey string `toml:"s3_access_key"`
	S3SecretKey string `toml:"s3_secret_key"`
	S3PathStyle bool   `toml:"s3_path_style"`

	IPFSAPI string `toml:"ipfs_api"`
}

type Supervisor struct {
	Policy            string   `toml:"policy"`
	MaxRestarts       int      `toml:"max_restarts"`
	RestartDelay      Duration `toml:"restart_delay"`
	ProvisionAttempts int      `toml:"provision_attempts"`
	StartAttempts     int      `toml:"start_attempts"`
	RetryDelay        Duration `toml:"retry_delay"`

	// NetworkCheckHost is resolved to decide the network is up; empty skips the check.
	NetworkCheckHost string   `toml:"network_check_host"`
	Resolver         string   `toml:"resolver"`
	HealthCheck      []string `toml:"health_check"`
	BootCheckTimeout Duration `toml:"boot_check_timeout"`
	RebootCommand    []string `toml:"reboot_command"`
}

type HTTP struct {
	ListenAddr  string `toml:"listen_addr"`
	MetricsAddr string `toml:"metrics_addr"`
	EnablePprof bool   `toml:"enable_pprof"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DeviceID:        "ESP32-001",
		FirmwareVersion: "1.0.0",
		Provisioning: Provisioning{
			Path:            "provisioning",
			DeprovisionPath: "unprovisioning",
			MaxAttempts:     10,
			RetryDelay:      Duration{5 * time.Second},
			AttemptTimeout:  Duration{30 * time.Second},
		},
		Storage: Storage{
			URI: "file:///var/lib/device-agent/credentials",
		},
		MQTT: MQTT{
			KeepAlive:         Duration{30 * time.Second},
			TelemetryInterval: Duration{100 * time.Second},
			PingInterval:      Duration{50 * time.Second},
			MaxReconnects:     5,
			BackoffBase:       Duration{time.Second},
			BufferSize:        4096,
		},
		OTA: OTA{
			PartitionDir: "/var/lib/device-agent/partitions",
			SlotSize:     0x180000,
			MaxAttempts:  3,
			RetryDelay:   Duration{3 * time.Second},
			RebootDelay:  Duration{3 * time.Second},
		},
		Supervisor: Supervisor{
			Policy:            "halt",
			MaxRestarts:       3,
			RestartDelay:      Duration{30 * time.Second},
			ProvisionAttempts: 3,
			StartAttempts:     5,
			RetryDelay:        Duration{5 * time.Second},
			BootCheckTimeout:  Duration{60 * time.Second},
			RebootCommand:     []string{"systemctl", "reboot"},
		},
		HTTP: HTTP{
			ListenAddr:  "127.0.0.1:8080",
			MetricsAddr: "127.0.0.1:8090",
		},
	}
}

// Load reads path over the defaults. Keys absent from the file keep their default.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate checks the settings the agent cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DeviceID) == "" {
		errs = append(errs, errors.New("device_id is required"))
	}
	if c.Storage.URI == "" {
		errs = append(errs, errors.New("storage.uri is required"))
	}
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	if c.Provisioning.ServerURL == "" && c.Provisioning.LocalKMSKeyFile == "" {
		errs = append(errs, errors.New("one of provisioning.server_url or provisioning.local_kms_key_file is required"))
	}
	switch c.Supervisor.Policy {
	case "halt", "restart":
	default:
		errs = append(errs, fmt.Errorf("supervisor.policy must be halt or restart, got %q", c.Supervisor.Policy))
	}
	if c.OTA.SlotSize <= 0 {
		errs = append(errs, errors.New("ota.slot_size must be positive"))
	}
	return errors.Join(errs...)
}
