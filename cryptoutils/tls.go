package cryptoutils

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/ruteri/device-agent/interfaces"
)

// ClientTLSConfig returns a config that only trusts the given root bundle.
func ClientTLSConfig(rootCAPEM []byte) (*tls.Config, error) {
	pool, err := CACert(rootCAPEM).CertPool()
	if err != nil {
		return nil, &interfaces.AuthError{Reason: "invalid trust root", Err: err}
	}
	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// MutualTLSConfig builds the client side of a mutual TLS connection from the
// provisioned identity: the device certificate and key authenticate the device,
// root_ca authenticates the server.
func MutualTLSConfig(creds *interfaces.CredentialSet) (*tls.Config, error) {
	if creds == nil {
		return nil, &interfaces.AuthError{Reason: "no credentials"}
	}
	if err := creds.Validate(); err != nil {
		return nil, &interfaces.AuthError{Reason: "incomplete credentials", Err: err}
	}

	cfg, err := ClientTLSConfig(creds.RootCA)
	if err != nil {
		return nil, err
	}

	pair, err := tls.X509KeyPair(creds.DeviceCert, creds.PrivateKey)
	if err != nil {
		return nil, &interfaces.AuthError{Reason: "device certificate does not match private key", Err: err}
	}
	if err := VerifyPublicKey(creds.PrivateKey, creds.PublicKey); err != nil {
		return nil, &interfaces.AuthError{Reason: "public key does not match private key", Err: err}
	}

	cfg.Certificates = []tls.Certificate{pair}
	return cfg, nil
}

// ClassifyTLSError turns certificate verification failures into AuthError and
// every other transport failure into NetworkError.
func ClassifyTLSError(op string, err error) error {
	if err == nil {
		return nil
	}

	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	if errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr) {
		return &interfaces.AuthError{Reason: fmt.Sprintf("%s: peer certificate rejected", op), Err: err}
	}
	return &interfaces.NetworkError{Op: op, Err: err}
}
