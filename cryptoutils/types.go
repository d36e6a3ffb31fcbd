package cryptoutils

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// TLSCSR is a certificate signing request in PEM format.
type TLSCSR []byte

// GetX509CSR returns the parsed request.
func (csr TLSCSR) GetX509CSR() (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(csr)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, errors.New("invalid CSR: not in PEM format or not a certificate request")
	}
	return x509.ParseCertificateRequest(block.Bytes)
}

// TLSCert is a leaf certificate in PEM format.
type TLSCert []byte

// Validate checks that the certificate parses.
func (cert TLSCert) Validate() error {
	_, err := cert.GetX509Cert()
	return err
}

// GetX509Cert returns the parsed certificate.
func (cert TLSCert) GetX509Cert() (*x509.Certificate, error) {
	block, _ := pem.Decode(cert)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("invalid certificate: not in PEM format or not a certificate")
	}
	parsed, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid certificate structure: %w", err)
	}
	return parsed, nil
}

// IsExpired checks the certificate validity window against now.
func (cert TLSCert) IsExpired(now time.Time) (bool, error) {
	x509Cert, err := cert.GetX509Cert()
	if err != nil {
		return false, err
	}
	return now.After(x509Cert.NotAfter) || now.Before(x509Cert.NotBefore), nil
}

// CACert is a certificate authority in PEM format. It may hold several concatenated certificates.
type CACert []byte

// Validate checks that at least one CA certificate parses.
func (ca CACert) Validate() error {
	certs, err := ca.GetX509Certs()
	if err != nil {
		return err
	}
	for _, c := range certs {
		if !c.IsCA {
			return errors.New("certificate is not a CA certificate (IsCA flag not set)")
		}
	}
	return nil
}

// GetX509Certs returns every certificate in the bundle.
func (ca CACert) GetX509Certs() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := []byte(ca)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid CA certificate structure: %w", err)
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, errors.New("invalid CA certificate: no PEM certificate found")
	}
	return certs, nil
}

// CertPool returns a pool containing the bundle.
func (ca CACert) CertPool() (*x509.CertPool, error) {
	certs, err := ca.GetX509Certs()
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}

// VerifyCertificate checks that cert chains to this CA.
func (ca CACert) VerifyCertificate(cert TLSCert) error {
	pool, err := ca.CertPool()
	if err != nil {
		return err
	}

	leaf, err := cert.GetX509Cert()
	if err != nil {
		return err
	}

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// PrivateKey is a PKCS#8 or SEC1 private key in PEM format.
type PrivateKey []byte

// GetPrivateKey returns the parsed key.
func (priv PrivateKey) GetPrivateKey() (crypto.Signer, error) {
	block, _ := pem.Decode(priv)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM block")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type: %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, errors.New("failed to parse private key")
}

// PublicKeyPEM returns the PKIX public key matching priv.
func (priv PrivateKey) PublicKeyPEM() (PublicKey, error) {
	signer, err := priv.GetPrivateKey()
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// PublicKey is a PKIX public key in PEM format.
type PublicKey []byte

// GetPublicKey returns the parsed key.
func (pub PublicKey) GetPublicKey() (crypto.PublicKey, error) {
	block, _ := pem.Decode(pub)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("invalid public key: not in PEM format or not a public key")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}
