package identity

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/TNO-MPC/communication/pkg/errs"
)

// TLSFiles names the PEM files of a node's TLS material.
type TLSFiles struct {
	Cert   string
	Key    string
	CACert string
}

// Enabled reports whether any file is set.
func (f TLSFiles) Enabled() bool { return f.Cert != "" || f.Key != "" || f.CACert != "" }

// LoadCertificate reads the first certificate of a PEM file.
func LoadCertificate(path string) (*x509.Certificate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.From(errs.ErrInvalidCertificate).Op("load certificate").Detail("%s", path).Cause(err).Build()
	}
	return ParseCertificatePEM(b)
}

// ParseCertificatePEM decodes the first CERTIFICATE block of b.
func ParseCertificatePEM(b []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, b = pem.Decode(b)
		if block == nil {
			return nil, errs.From(errs.ErrInvalidCertificate).Op("parse certificate").Detail("no CERTIFICATE block").Build()
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errs.From(errs.ErrInvalidCertificate).Op("parse certificate").Cause(err).Build()
		}
		return cert, nil
	}
}

// LoadTLS reads the key pair and CA bundle and builds the server and client
// configurations for mutual TLS.
func LoadTLS(f TLSFiles) (server, client *tls.Config, err error) {
	if f.Cert == "" || f.Key == "" || f.CACert == "" {
		return nil, nil, errs.From(errs.ErrInvalidCertificate).Op("load tls").Detail("cert, key and ca_cert are all required").Build()
	}
	pair, err := tls.LoadX509KeyPair(f.Cert, f.Key)
	if err != nil {
		return nil, nil, errs.From(errs.ErrInvalidCertificate).Op("load tls").Detail("%s", f.Cert).Cause(err).Build()
	}
	caPEM, err := os.ReadFile(f.CACert)
	if err != nil {
		return nil, nil, errs.From(errs.ErrInvalidCertificate).Op("load tls").Detail("%s", f.CACert).Cause(err).Build()
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPEM) {
		return nil, nil, errs.From(errs.ErrInvalidCertificate).Op("load tls").Detail("%s holds no certificates", f.CACert).Build()
	}
	server, client = NewTLS(pair, roots)
	return server, client, nil
}

// NewTLS builds mutual TLS configurations around one key pair and CA pool.
// The client verifies the server chain against roots but not its host name,
// since peers are addressed by IP as often as by name.
func NewTLS(pair tls.Certificate, roots *x509.CertPool) (server, client *tls.Config) {
	server = &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
		ClientCAs:    roots,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	client = &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
		RootCAs:      roots,
		// Chain verification happens in VerifyConnection without the host
		// name check.
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			return verifyChain(cs.PeerCertificates, roots)
		},
	}
	return server, client
}

func verifyChain(certs []*x509.Certificate, roots *x509.CertPool) error {
	if len(certs) == 0 {
		return errs.From(errs.ErrInvalidCertificate).Op("verify").Detail("peer presented no certificate").Build()
	}
	inter := x509.NewCertPool()
	for _, c := range certs[1:] {
		inter.AddCert(c)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		return errs.From(errs.ErrInvalidCertificate).Op("verify").Cause(err).Build()
	}
	return nil
}
