package provisioner

import (
	"context"
	"log/slog"

	"github.com/ruteri/device-agent/interfaces"
	"github.com/ruteri/device-agent/kms"
)

// LocalProvisioner issues the device identity from a local KMS instead of a
// provisioning server. Useful for development and bench devices.
type LocalProvisioner struct {
	KMS   *kms.SimpleKMS
	Store interfaces.CredentialStore
	Log   *slog.Logger
}

var _ interfaces.Provisioner = (*LocalProvisioner)(nil)

func (p *LocalProvisioner) Provision(ctx context.Context, deviceID string) (*interfaces.CredentialSet, error) {
	creds, err := p.KMS.IssueDevice(deviceID)
	if err != nil {
		return nil, err
	}
	if err := p.Store.ReplaceAll(ctx, creds.Map()); err != nil {
		return nil, err
	}
	p.Log.Info("Device provisioned from local KMS", "device_id", deviceID)
	return creds, nil
}

// Deprovision is a no-op; the local KMS keeps no per-device state.
func (p *LocalProvisioner) Deprovision(ctx context.Context, deviceID string) error {
	return nil
}
