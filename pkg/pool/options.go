package pool

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"github.com/TNO-MPC/communication/pkg/identity"
	"github.com/TNO-MPC/communication/pkg/pipeline"
	"github.com/TNO-MPC/communication/pkg/protocol/codec"
	"github.com/TNO-MPC/communication/pkg/serialization"
	"github.com/TNO-MPC/communication/pkg/transport"
)

// Option configures a Pool at construction.
type Option func(*options)

type options struct {
	log          *zap.Logger
	registry     *serialization.Registry
	mode         identity.Mode
	transport    transport.Transport
	serverTLS    *tls.Config
	clientTLS    *tls.Config
	codec        codec.Codec
	nodeName     string
	prefix       string
	sendTimeout  time.Duration
	workers      int
	maxBodyBytes int64
	onError      func(pipeline.AsyncError)
}

func defaultOptions() options {
	return options{
		log:         zap.L(),
		mode:        identity.ModeOrigin,
		nodeName:    "mpc-node",
		sendTimeout: 30 * time.Second,
		workers:     4,
	}
}

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithRegistry replaces the default registry (built-ins plus the bundled
// plugins). The pool freezes it in StartServer.
func WithRegistry(r *serialization.Registry) Option { return func(o *options) { o.registry = r } }

// WithIdentityMode fixes how inbound messages are attributed. It cannot be
// changed later.
func WithIdentityMode(m identity.Mode) Option { return func(o *options) { o.mode = m } }

// WithTransport overrides the HTTP transport, e.g. with mem.Network in tests.
// WithTLS and WithMaxBodyBytes are ignored when it is set.
func WithTransport(t transport.Transport) Option { return func(o *options) { o.transport = t } }

// WithTLS enables HTTPS with mutual authentication.
func WithTLS(server, client *tls.Config) Option {
	return func(o *options) { o.serverTLS, o.clientTLS = server, client }
}

func WithCodec(c codec.Codec) Option { return func(o *options) { o.codec = c } }

// WithNodeName sets the informational sender name of outgoing envelopes.
func WithNodeName(name string) Option { return func(o *options) { o.nodeName = name } }

// WithMessagePrefix prepends prefix to every message id, sent or awaited.
// Pools that talk to each other must use the same prefix.
func WithMessagePrefix(prefix string) Option { return func(o *options) { o.prefix = prefix } }

// WithSendTimeout bounds each send; 0 leaves it to the caller's context.
func WithSendTimeout(d time.Duration) Option { return func(o *options) { o.sendTimeout = d } }

// WithWorkers sets the number of goroutines running ASend.
func WithWorkers(n int) Option { return func(o *options) { o.workers = n } }

func WithMaxBodyBytes(n int64) Option { return func(o *options) { o.maxBodyBytes = n } }

// WithErrorHandler receives failures of fire-and-forget sends. They are
// logged either way.
func WithErrorHandler(fn func(pipeline.AsyncError)) Option {
	return func(o *options) { o.onError = fn }
}

// MessageOption tunes a single send or receive.
type MessageOption func(*messageOptions)

type messageOptions struct {
	id string
}

// MessageID addresses a message explicitly. Without it sends use the
// destination's counter and receives take the next unread message.
func MessageID(id string) MessageOption { return func(m *messageOptions) { m.id = id } }

func applyMessage(opts []MessageOption) messageOptions {
	var m messageOptions
	for _, o := range opts {
		o(&m)
	}
	return m
}
