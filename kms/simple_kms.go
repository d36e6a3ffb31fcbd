package kms

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ruteri/device-agent/cryptoutils"
	"github.com/ruteri/device-agent/interfaces"
)

// SimpleKMS issues device identities from a CA derived deterministically from
// a master key. It backs offline provisioning and tests.
type SimpleKMS struct {
	masterKey []byte
	fleet     string
	validity  time.Duration

	mu     sync.RWMutex
	caKey  *ecdsa.PrivateKey
	caCert cryptoutils.CACert
}

// NewSimpleKMS creates a new instance with the provided master key.
// The master key must be at least 32 bytes long.
func NewSimpleKMS(masterKey []byte) (*SimpleKMS, error) {
	if len(masterKey) < 32 {
		return nil, errors.New("master key must be at least 32 bytes")
	}

	return &SimpleKMS{
		masterKey: append([]byte(nil), masterKey...),
		fleet:     "default",
		validity:  365 * 24 * time.Hour,
	}, nil
}

// WithFleet returns a SimpleKMS whose CA is derived for the named fleet.
// Different fleets never share a CA.
func (k *SimpleKMS) WithFleet(fleet string) *SimpleKMS {
	return &SimpleKMS{
		masterKey: append([]byte(nil), k.masterKey...),
		fleet:     fleet,
		validity:  k.validity,
	}
}

// CACert returns the fleet CA certificate, creating it on first use.
func (k *SimpleKMS) CACert() (cryptoutils.CACert, error) {
	_, cert, err := k.getCA()
	return cert, err
}

// getCA returns the CA key and certificate. The key is derived from the master
// key and fleet name, the certificate is created once per instance.
func (k *SimpleKMS) getCA() (*ecdsa.PrivateKey, cryptoutils.CACert, error) {
	k.mu.RLock()
	if k.caCert != nil {
		defer k.mu.RUnlock()
		return k.caKey, k.caCert, nil
	}
	k.mu.RUnlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.caCert != nil {
		return k.caKey, k.caCert, nil
	}

	caKey := deriveKey(k.masterKey, []byte(k.fleet), []byte("ca"))
	certPEM, err := createCACertificate(caKey, k.fleet)
	if err != nil {
		return nil, nil, err
	}

	k.caKey = caKey
	k.caCert = certPEM
	return caKey, certPEM, nil
}

// SignCSR signs a device certificate signing request.
// The certificate carries deviceID as its common name and is valid for client and server auth.
func (k *SimpleKMS) SignCSR(deviceID string, csr cryptoutils.TLSCSR) (cryptoutils.TLSCert, error) {
	parsedCSR, err := csr.GetX509CSR()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSR: %w", err)
	}

	if err := parsedCSR.CheckSignature(); err != nil {
		return nil, fmt.Errorf("CSR signature verification failed: %w", err)
	}

	caKey, caCertPEM, err := k.getCA()
	if err != nil {
		return nil, fmt.Errorf("failed to generate fleet CA: %w", err)
	}

	caCerts, err := caCertPEM.GetX509Certs()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: deviceID, Organization: []string{k.fleet}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(k.validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              parsedCSR.DNSNames,
		IPAddresses:           parsedCSR.IPAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, caCerts[0], parsedCSR.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	}), nil
}

// IssueDevice generates a fresh key pair for deviceID and returns the full
// identity: fleet CA, signed certificate, private key and public key.
func (k *SimpleKMS) IssueDevice(deviceID string) (*interfaces.CredentialSet, error) {
	if deviceID == "" {
		return nil, errors.New("empty device id")
	}

	keyPEM, csr, err := cryptoutils.CreateCSRWithRandomKey(deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to create device key: %w", err)
	}

	cert, err := k.SignCSR(deviceID, csr)
	if err != nil {
		return nil, err
	}

	caCert, err := k.CACert()
	if err != nil {
		return nil, err
	}

	pubPEM, err := cryptoutils.PrivateKey(keyPEM).PublicKeyPEM()
	if err != nil {
		return nil, err
	}

	return &interfaces.CredentialSet{
		RootCA:     caCert,
		DeviceCert: cert,
		PrivateKey: keyPEM,
		PublicKey:  pubPEM,
	}, nil
}

// deriveKey derives a P-256 key from the master key and a label.
func deriveKey(masterKey []byte, labels ...[]byte) *ecdsa.PrivateKey {
	h := sha256.New()
	h.Write(masterKey)
	for _, l := range labels {
		h.Write(l)
	}
	seed := h.Sum(nil)

	curve := elliptic.P256()

	// Map the seed into [1, N-1].
	one := big.NewInt(1)
	d := new(big.Int).SetBytes(seed)
	d.Mod(d, new(big.Int).Sub(curve.Params().N, one))
	d.Add(d, one)

	privateKey := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve},
		D:         d,
	}
	privateKey.PublicKey.X, privateKey.PublicKey.Y = curve.ScalarBaseMult(d.FillBytes(make([]byte, 32)))
	return privateKey
}

// createCACertificate creates a self-signed CA certificate valid for 10 years.
func createCACertificate(caKey *ecdsa.PrivateKey, fleet string) (cryptoutils.CACert, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"SimpleKMS"},
			CommonName:   fmt.Sprintf("Device CA for %s", fleet),
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	}), nil
}
