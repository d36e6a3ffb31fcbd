package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/device-agent/cryptoutils"
	"github.com/ruteri/device-agent/interfaces"
	"github.com/ruteri/device-agent/metrics"
)

const (
	DefaultProvisionPath   = "provisioning"
	DefaultDeprovisionPath = "unprovisioning"
	DefaultMaxAttempts     = 10
	DefaultRetryDelay      = 5 * time.Second
	DefaultAttemptTimeout  = 30 * time.Second

	// maxResponseSize bounds the credential response body (1MB).
	maxResponseSize = 1024 * 1024
)

// ClientConfig configures a provisioning Client.
type ClientConfig struct {
	// ServerURL is the base URL of the provisioning server, e.g. https://provisioning.example.com
	ServerURL string
	// ProvisionPath and DeprovisionPath are appended to ServerURL.
	ProvisionPath   string
	DeprovisionPath string
	// RootCA is the PEM bundle the provisioning server certificate must chain to.
	RootCA []byte

	MaxAttempts    int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
}

func (cfg *ClientConfig) setDefaults() {
	if cfg.ProvisionPath == "" {
		cfg.ProvisionPath = DefaultProvisionPath
	}
	if cfg.DeprovisionPath == "" {
		cfg.DeprovisionPath = DefaultDeprovisionPath
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
}

// Client obtains the device identity from the provisioning server over HTTPS
// and installs it in the credential store.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	store      interfaces.CredentialStore
	log        *slog.Logger
}

var (
	_ interfaces.Provisioner   = (*Client)(nil)
	_ interfaces.Deprovisioner = (*Client)(nil)
)

// ProvisioningRequest is the body of a provisioning or unprovisioning call.
type ProvisioningRequest struct {
	DeviceID string `json:"device_id"`
}

// ProvisioningResponse contains the credentials returned by the provisioning server.
type ProvisioningResponse struct {
	RootCA     string `json:"root_ca"`
	DeviceCert string `json:"device_cert"`
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// CredentialSet converts the response, failing on the first absent or empty field.
func (r *ProvisioningResponse) CredentialSet() (*interfaces.CredentialSet, error) {
	creds := &interfaces.CredentialSet{
		RootCA:     []byte(r.RootCA),
		DeviceCert: []byte(r.DeviceCert),
		PrivateKey: []byte(r.PrivateKey),
		PublicKey:  []byte(r.PublicKey),
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return creds, nil
}

// NewClient creates a provisioning client. The server certificate is verified
// against cfg.RootCA only.
func NewClient(cfg ClientConfig, store interfaces.CredentialStore, log *slog.Logger) (*Client, error) {
	cfg.setDefaults()

	if cfg.ServerURL == "" {
		return nil, errors.New("provisioning server URL is required")
	}

	tlsConfig, err := cryptoutils.ClientTLSConfig(cfg.RootCA)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     tlsConfig,
				TLSHandshakeTimeout: cfg.AttemptTimeout,
			},
		},
		store: store,
		log:   log,
	}, nil
}

// Provision requests credentials for deviceID and stores them with a single ReplaceAll.
//
// Network failures and server errors are retried up to MaxAttempts times with a
// fixed delay. Certificate verification failures (AuthError) and malformed or
// incomplete responses (DataError) end the loop immediately. Running out of
// attempts returns an error wrapping both ErrExhausted and the last failure.
func (c *Client) Provision(ctx context.Context, deviceID string) (*interfaces.CredentialSet, error) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		creds, err := c.requestCredentials(ctx, deviceID)
		if err == nil {
			metrics.RecordProvisionAttempt("success")
			if err := c.store.ReplaceAll(ctx, creds.Map()); err != nil {
				return nil, err
			}
			c.log.Info("Device provisioned", "device_id", deviceID, "attempt", attempt)
			return creds, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if !interfaces.IsRetryable(err) {
			metrics.RecordProvisionAttempt("rejected")
			c.log.Error("Provisioning failed", "device_id", deviceID, "attempt", attempt, "err", err)
			return nil, err
		}

		metrics.RecordProvisionAttempt("retry")
		lastErr = err
		c.log.Warn("Provisioning attempt failed",
			"device_id", deviceID,
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"err", err)

		if attempt == c.cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.RetryDelay):
		}
	}

	return nil, fmt.Errorf("%w: provisioning gave up after %d attempts: %w", interfaces.ErrExhausted, c.cfg.MaxAttempts, lastErr)
}

// Deprovision tells the server the device is dropping its identity. A single attempt is made.
func (c *Client) Deprovision(ctx context.Context, deviceID string) error {
	resp, err := c.post(ctx, c.cfg.DeprovisionPath, deviceID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &interfaces.NetworkError{Op: "deprovision", Err: statusError(resp)}
	}
	c.log.Info("Device deprovisioned", "device_id", deviceID)
	return nil
}

func (c *Client) requestCredentials(ctx context.Context, deviceID string) (*interfaces.CredentialSet, error) {
	resp, err := c.post(ctx, c.cfg.ProvisionPath, deviceID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &interfaces.NetworkError{Op: "provision", Err: statusError(resp)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &interfaces.NetworkError{Op: "read provisioning response", Err: err}
	}

	var parsed ProvisioningResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &interfaces.DataError{Reason: "could not parse provisioning response", Err: err}
	}

	return parsed.CredentialSet()
}

// post sends {"device_id": deviceID} to path with the per-attempt timeout applied.
// The returned response body stays readable until the caller closes it.
func (c *Client) post(ctx context.Context, path, deviceID string) (*http.Response, error) {
	payload, err := json.Marshal(ProvisioningRequest{DeviceID: deviceID})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s", strings.TrimRight(c.cfg.ServerURL, "/"), strings.TrimLeft(path, "/"))

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, cryptoutils.ClassifyTLSError("POST "+path, err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func statusError(resp *http.Response) error {
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(bodyBytes) == 0 {
		return fmt.Errorf("server returned non-200 response: %d", resp.StatusCode)
	}
	return fmt.Errorf("server returned error %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
}
