package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
)

// VerifyCertificate validates that a certificate matches a given private key and,
// if expectedCN is not empty, carries the expected common name.
func VerifyCertificate(keyPEM, certPEM []byte, expectedCN string) error {
	signer, err := PrivateKey(keyPEM).GetPrivateKey()
	if err != nil {
		return err
	}

	cert, err := TLSCert(certPEM).GetX509Cert()
	if err != nil {
		return err
	}

	if expectedCN != "" && cert.Subject.CommonName != expectedCN {
		return fmt.Errorf("CommonName is %s, expected %s", cert.Subject.CommonName, expectedCN)
	}

	certKey, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return errors.New("unsupported key type")
	}
	if !certKey.Equal(signer.Public()) {
		return errors.New("private key doesn't match certificate")
	}
	return nil
}

// VerifyPublicKey checks that pubPEM is the public half of keyPEM.
func VerifyPublicKey(keyPEM, pubPEM []byte) error {
	signer, err := PrivateKey(keyPEM).GetPrivateKey()
	if err != nil {
		return err
	}
	pub, err := PublicKey(pubPEM).GetPublicKey()
	if err != nil {
		return err
	}
	signerPub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !signerPub.Equal(pub) {
		return errors.New("public key doesn't match private key")
	}
	return nil
}

// CreateCSRWithRandomKey generates a new ECDSA key pair and creates a certificate
// signing request with the specified common name.
//
// Returns:
//   - Private key in PEM format
//   - CSR in PEM format
//   - Error if key generation or CSR creation fails
func CreateCSRWithRandomKey(cn string) ([]byte, TLSCSR, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	csrTemplate := x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &csrTemplate, privateKey)
	if err != nil {
		return nil, nil, err
	}

	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})

	privateKeyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateKeyBytes})
	return keyPEM, TLSCSR(csrPEM), nil
}
