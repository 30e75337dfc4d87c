package pool

import (
	"context"
	"crypto/tls"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/TNO-MPC/communication/pkg/config"
	"github.com/TNO-MPC/communication/pkg/errs"
	"github.com/TNO-MPC/communication/pkg/identity"
)

// FromConfig builds a pool from configuration, registers the configured
// peers and starts serving. On failure everything started so far is shut
// down again.
func FromConfig(ctx context.Context, cfg *config.Config, log *zap.Logger, extra ...Option) (*Pool, error) {
	if cfg == nil {
		return nil, errs.From(errs.ErrInvalidConfig).Op("bootstrap").Detail("nil config").Build()
	}
	if log == nil {
		log = zap.L()
	}
	mode, err := identity.ParseMode(cfg.Identity.Mode)
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithLogger(log),
		WithNodeName(cfg.NodeName),
		WithMessagePrefix(cfg.MessagePrefix),
		WithIdentityMode(mode),
		WithSendTimeout(cfg.Send.Timeout),
		WithWorkers(cfg.Send.Workers),
		WithMaxBodyBytes(cfg.Transport.MaxBodyBytes),
	}
	if cfg.Transport.Kind == "https" || cfg.TLS.Complete() {
		var server, client *tls.Config
		server, client, err = identity.LoadTLS(identity.TLSFiles{Cert: cfg.TLS.Cert, Key: cfg.TLS.Key, CACert: cfg.TLS.CACert})
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithTLS(server, client))
	}
	p, err := New(append(opts, extra...)...)
	if err != nil {
		return nil, err
	}

	for _, pc := range cfg.Peers {
		if err := p.AddClientCertFile(ctx, pc.Name, pc.Address, pc.Port, pc.Cert); err != nil {
			return nil, multierr.Append(err, p.Shutdown(ctx))
		}
	}
	if err := p.StartServer(ctx, cfg.Server.Address, cfg.Server.Port); err != nil {
		return nil, multierr.Append(err, p.Shutdown(ctx))
	}
	log.Info("pool ready",
		zap.String("node", cfg.NodeName),
		zap.Strings("peers", p.PeerNames()),
		zap.Stringer("mode", mode))
	return p, nil
}
