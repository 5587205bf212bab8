// Package certs generates (or loads) the CA keypair goproxy uses to mint
// leaf certificates for every MITM'd host. Adapted from the teacher's
// generateSelfSignedCert, which built a one-off leaf server certificate;
// here the same shape produces a reusable CA, optionally persisted to
// disk so the robot/operator only has to trust it once.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	logging "github.com/op/go-logging"
)

var log = logging.MustGetLogger("certs")

const (
	caCertFile = "ca-cert.pem"
	caKeyFile  = "ca-key.pem"
)

// LoadOrGenerateCA returns the proxy's CA certificate, loading it from
// dir if present, otherwise generating a fresh one and persisting it.
func LoadOrGenerateCA(dir string) (*tls.Certificate, error) {
	certPath := filepath.Join(dir, caCertFile)
	keyPath := filepath.Join(dir, caKeyFile)

	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		log.Infof("loaded CA certificate from %s", certPath)
		return &cert, nil
	}

	log.Info("generating a new self-signed CA certificate")
	cert, certPEM, keyPEM, err := generateCA()
	if err != nil {
		return nil, err
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Errorf("failed to create cert directory: %v", err)
		} else {
			if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
				log.Errorf("failed to persist CA certificate: %v", err)
			}
			if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
				log.Errorf("failed to persist CA key: %v", err)
			}
		}
	}

	return cert, nil
}

func generateCA() (*tls.Certificate, []byte, []byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"cn360-proxy"},
			CommonName:   "cn360-proxy MITM CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, nil, err
	}
	return &cert, certPEM, keyPEM, nil
}

// PEM returns the PEM-encoded leaf certificate bytes of cert, suitable
// for serving at /ca/cacert.pem.
func PEM(cert *tls.Certificate) ([]byte, error) {
	if len(cert.Certificate) == 0 {
		return nil, fmt.Errorf("certificate has no leaf bytes")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), nil
}
