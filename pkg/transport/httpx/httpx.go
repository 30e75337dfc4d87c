// Package httpx carries envelopes over HTTP POST requests, optionally with
// mutual TLS.
//
// Every message is one POST to "/" with the body as the request payload.
// The sender advertises its own listening port in the server_port cookie so
// the receiver can derive an origin-mode identity that survives ephemeral
// client ports. A GET on any path answers "Connection working (GET)".
package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TNO-MPC/communication/pkg/errs"
	"github.com/TNO-MPC/communication/pkg/transport"
)

const (
	// CookieServerPort carries the sender's listening port.
	CookieServerPort = "server_port"
	// HeaderErrorCode carries the error code of a rejected message.
	HeaderErrorCode = "X-Mpc-Error"

	healthReply = "Connection working (GET)"
	okReply     = "Message received"

	DefaultMaxBodyBytes int64 = 64 << 20
)

// Options configures a Transport.
type Options struct {
	// ServerTLS enables HTTPS on the listening side. Client certificates are
	// required; Handler.Authorize additionally runs during the handshake.
	ServerTLS *tls.Config
	// ClientTLS is used for outbound requests. A nil value with ServerTLS set
	// is an error.
	ClientTLS *tls.Config
	// ContentType is sent with every request.
	ContentType string
	// MaxBodyBytes bounds inbound bodies; 0 means DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// Timeout bounds one outbound request; 0 leaves it to the caller's ctx.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Transport implements transport.Transport over net/http.
type Transport struct {
	opts   Options
	log    *zap.Logger
	client *http.Client

	mu         sync.Mutex
	serverPort int
}

var _ transport.Transport = (*Transport)(nil)

// New builds a transport. HTTPS is used when either TLS config is set.
func New(opts Options) (*Transport, error) {
	if (opts.ServerTLS == nil) != (opts.ClientTLS == nil) {
		return nil, errs.From(errs.ErrInvalidConfig).Op("httpx").Detail("server and client TLS must be configured together").Build()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.ContentType == "" {
		opts.ContentType = "application/cbor"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	rt := http.DefaultTransport.(*http.Transport).Clone()
	rt.TLSClientConfig = opts.ClientTLS
	return &Transport{
		opts:   opts,
		log:    log.Named("httpx"),
		client: &http.Client{Transport: rt, Timeout: opts.Timeout},
	}, nil
}

func (t *Transport) Kind() transport.Kind {
	if t.opts.ServerTLS != nil {
		return transport.KindHTTPS
	}
	return transport.KindHTTP
}

func (t *Transport) scheme() string {
	if t.opts.ClientTLS != nil {
		return "https"
	}
	return "http"
}

// Listen binds ep and serves until the listener is closed.
func (t *Transport) Listen(ctx context.Context, ep transport.Endpoint, h transport.Handler) (transport.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", ep.HostPort())
	if err != nil {
		return nil, errs.From(errs.ErrTransport).Op("listen").Detail("%s", ep.HostPort()).Cause(err).Build()
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		t.mu.Lock()
		t.serverPort = tcp.Port
		t.mu.Unlock()
	}
	srv := &http.Server{
		Handler:           &server{t: t, h: h},
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(t.log),
	}
	if t.opts.ServerTLS != nil {
		srv.TLSConfig = serverTLS(t.opts.ServerTLS, h)
		ln = tls.NewListener(ln, srv.TLSConfig)
	}
	l := &listener{srv: srv, addr: ln.Addr(), done: make(chan struct{})}
	go func() {
		defer close(l.done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("serve failed", zap.Stringer("addr", l.addr), zap.Error(err))
		}
	}()
	t.log.Info("listening", zap.Stringer("addr", l.addr), zap.Stringer("kind", t.Kind()))
	return l, nil
}

// serverTLS derives a per-connection config whose VerifyConnection asks the
// handler to authorize the presented certificate, so unknown certificates
// fail the handshake.
func serverTLS(base *tls.Config, h transport.Handler) *tls.Config {
	cfg := base.Clone()
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	cfg.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		c := cfg.Clone()
		c.GetConfigForClient = nil
		remote := ""
		if hello.Conn != nil {
			remote = hello.Conn.RemoteAddr().String()
		}
		c.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errs.From(errs.ErrInvalidCertificate).Op("handshake").Detail("no client certificate").Build()
			}
			return h.Authorize(transport.Origin{
				Kind:        transport.KindHTTPS,
				RemoteAddr:  remote,
				Certificate: cs.PeerCertificates[0],
			})
		}
		return c, nil
	}
	return cfg
}

// Post sends body to ep. A non-2xx answer is turned back into the error the
// remote handler returned, when it carries a known code.
func (t *Transport) Post(ctx context.Context, ep transport.Endpoint, body []byte) error {
	url := fmt.Sprintf("%s://%s/", t.scheme(), ep.HostPort())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errs.From(errs.ErrTransport).Op("post").Detail("%s", url).Cause(err).Build()
	}
	req.Header.Set("Content-Type", t.opts.ContentType)
	t.mu.Lock()
	port := t.serverPort
	t.mu.Unlock()
	if port > 0 {
		req.AddCookie(&http.Cookie{Name: CookieServerPort, Value: strconv.Itoa(port)})
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return errs.From(errs.ErrTransport).Op("post").Detail("%s", url).Cause(err).Build()
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 == 2 {
		return nil
	}
	detail := fmt.Sprintf("%s: %d %s", ep.HostPort(), resp.StatusCode, strings.TrimSpace(string(msg)))
	if sentinel := errs.ByCode(errs.Code(resp.Header.Get(HeaderErrorCode))); sentinel != nil {
		return errs.From(sentinel).Op("post").Detail("%s", detail).Build()
	}
	return errs.From(errs.ErrTransport).Op("post").Detail("%s", detail).Build()
}

// Close drops idle keep-alive connections.
func (t *Transport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

type server struct {
	t *Transport
	h transport.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		_, _ = io.WriteString(w, healthReply)
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	origin := originOf(r, s.t.Kind())
	if err := s.h.Authorize(origin); err != nil {
		s.fail(w, origin, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.t.opts.MaxBodyBytes))
	if err != nil {
		s.fail(w, origin, errs.From(errs.ErrMalformedEnvelope).Op("read").Cause(err).Build())
		return
	}
	if err := s.h.Handle(r.Context(), origin, body); err != nil {
		s.fail(w, origin, err)
		return
	}
	_, _ = io.WriteString(w, okReply)
}

func (s *server) fail(w http.ResponseWriter, o transport.Origin, err error) {
	code := errs.CodeOf(err)
	status := StatusFor(code)
	s.t.log.Debug("rejected message", zap.String("remote", o.RemoteAddr), zap.Int("status", status), zap.Error(err))
	if code != "" {
		w.Header().Set(HeaderErrorCode, string(code))
	}
	http.Error(w, err.Error(), status)
}

// StatusFor maps an error code to the HTTP status sent to the peer.
func StatusFor(c errs.Code) int {
	switch c {
	case errs.CodeMalformedEnvelope, errs.CodeUnknownTypeTag, errs.CodeUnsupportedType:
		return http.StatusBadRequest
	case errs.CodeUnknownOrigin, errs.CodeUnknownPeer, errs.CodeInvalidCertificate:
		return http.StatusUnauthorized
	case errs.CodeDuplicateMessageID:
		return http.StatusConflict
	case errs.CodePoolClosed, errs.CodeServerNotStarted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func originOf(r *http.Request, kind transport.Kind) transport.Origin {
	o := transport.Origin{Kind: kind, RemoteAddr: r.RemoteAddr, ContentType: r.Header.Get("Content-Type")}
	if c, err := r.Cookie(CookieServerPort); err == nil {
		if p, err := strconv.Atoi(c.Value); err == nil && p > 0 && p < 1<<16 {
			o.ServerPort = p
		}
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		o.Certificate = r.TLS.PeerCertificates[0]
	}
	return o
}

type listener struct {
	srv  *http.Server
	addr net.Addr
	done chan struct{}
}

func (l *listener) Addr() net.Addr { return l.addr }

// Close stops accepting connections and waits for active requests.
func (l *listener) Close(ctx context.Context) error {
	if err := l.srv.Shutdown(ctx); err != nil {
		return errs.From(errs.ErrTransport).Op("close").Detail("%s", l.addr.String()).Cause(err).Build()
	}
	select {
	case <-l.done:
	case <-ctx.Done():
	}
	return nil
}
