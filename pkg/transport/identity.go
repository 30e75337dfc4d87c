package transport

import (
	"context"
	"crypto/x509"
	"net"
	"strconv"

	"github.com/TNO-MPC/communication/pkg/errs"
)

// OriginKey builds the origin-mode identity key.
func OriginKey(host string, port int) PeerID {
	return PeerID(net.JoinHostPort(host, strconv.Itoa(port)))
}

// CertificateKey builds the certificate-mode identity key from the issuer's
// common name and the serial number in decimal.
func CertificateKey(cert *x509.Certificate) PeerID {
	if cert == nil || cert.SerialNumber == nil {
		return ""
	}
	return PeerID(cert.Issuer.CommonName + ":" + cert.SerialNumber.String())
}

// AddressKey derives the origin-mode key of o. The advertised server port
// wins over the ephemeral connection port, so replies and requests of one
// peer share a key.
func (o Origin) AddressKey() (PeerID, error) {
	host, p, err := net.SplitHostPort(o.RemoteAddr)
	if err != nil {
		return "", errs.From(errs.ErrUnknownOrigin).Op("origin").Detail("remote address %q", o.RemoteAddr).Cause(err).Build()
	}
	port := o.ServerPort
	if port <= 0 {
		if port, err = strconv.Atoi(p); err != nil {
			return "", errs.From(errs.ErrUnknownOrigin).Op("origin").Detail("remote port %q", p).Cause(err).Build()
		}
	}
	return OriginKey(host, port), nil
}

// ResolveHost turns a configured peer address into the IP literal an inbound
// connection from that peer will carry. IPv4 results are preferred.
func ResolveHost(ctx context.Context, address string) (string, error) {
	if ip := net.ParseIP(address); ip != nil {
		return ip.String(), nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, address)
	if err != nil {
		return "", errs.From(errs.ErrInvalidConfig).Op("resolve").Detail("host %q", address).Cause(err).Build()
	}
	if len(addrs) == 0 {
		return "", errs.From(errs.ErrInvalidConfig).Op("resolve").Detail("host %q has no addresses", address).Build()
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return addrs[0].IP.String(), nil
}
