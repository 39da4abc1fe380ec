// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/absmach/fluxrule/core"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ForwardProcedure is the connect procedure used between cluster members.
const ForwardProcedure = "/fluxrule.cluster.v1.ClusterService/Forward"

// Forward classes.
const (
	ClassRuleEngine = "rule_engine"
	ClassDevice     = "device"
	ClassLifecycle  = "lifecycle"
)

var errEmptyForward = errors.New("forward request carries neither message nor payload")

// ForwardRequest hands a message to the member owning its routing key.
type ForwardRequest struct {
	Class        string          `json:"class"`
	Key          core.EntityID   `json:"key"`
	Msg          *core.Msg       `json:"msg,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	HighPriority bool            `json:"high_priority,omitempty"`
	Origin       string          `json:"origin"`
}

// ForwardResponse reports whether the owner processed the message.
type ForwardResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// ForwardHandler processes forwards received from peers.
type ForwardHandler interface {
	HandleForward(ctx context.Context, req *ForwardRequest) error
}

// TransportConfig holds the peer transport settings.
type TransportConfig struct {
	BindAddr                string
	RequestTimeout          time.Duration
	MaxRetries              int
	RetryBaseDelay          time.Duration
	BreakerFailureThreshold uint32
	BreakerResetTimeout     time.Duration
	CompressMinBytes        int
}

func (c *TransportConfig) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.BreakerFailureThreshold == 0 {
		c.BreakerFailureThreshold = 5
	}
	if c.BreakerResetTimeout <= 0 {
		c.BreakerResetTimeout = 10 * time.Second
	}
	if c.CompressMinBytes <= 0 {
		c.CompressMinBytes = 1024
	}
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithTransportTracer records a span for every forward sent and received.
func WithTransportTracer(tr trace.Tracer) TransportOption {
	return func(t *Transport) {
		if tr != nil {
			t.tracer = tr
		}
	}
}

type peerClient struct {
	client  *connect.Client[ForwardRequest, ForwardResponse]
	breaker *gobreaker.CircuitBreaker
}

// Transport carries forwards between cluster members over connect RPC on
// HTTP/2 cleartext.
type Transport struct {
	cfg        TransportConfig
	handler    ForwardHandler
	logger     *slog.Logger
	listener   net.Listener
	server     *http.Server
	httpClient *http.Client
	h2         *http2.Transport
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	mu    sync.RWMutex
	peers map[core.ServerAddress]*peerClient
}

// NewTransport binds the listener. Call Start to serve.
func NewTransport(cfg TransportConfig, handler ForwardHandler, logger *slog.Logger, opts ...TransportOption) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()

	listener, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.BindAddr, err)
	}

	h2 := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}

	t := &Transport{
		cfg:        cfg,
		handler:    handler,
		logger:     logger,
		listener:   listener,
		h2:         h2,
		httpClient: &http.Client{Transport: h2},
		tracer:     noop.NewTracerProvider().Tracer(""),
		propagator: propagation.TraceContext{},
		peers:      make(map[core.ServerAddress]*peerClient),
	}
	for _, opt := range opts {
		opt(t)
	}

	mux := http.NewServeMux()
	mux.Handle(ForwardProcedure, connect.NewUnaryHandler(
		ForwardProcedure,
		t.handleForward,
		connect.WithCodec(jsonCodec{}),
		connect.WithCompression(compressionZstd, newZstdDecompressor, newZstdCompressor),
		connect.WithCompressMinBytes(cfg.CompressMinBytes),
	))

	t.server = &http.Server{
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return t, nil
}

// Addr returns the bound listener address.
func (t *Transport) Addr() string {
	return t.listener.Addr().String()
}

// Start serves peer requests in the background.
func (t *Transport) Start() error {
	go func() {
		t.logger.Info("starting cluster transport (h2c)", slog.String("address", t.Addr()))
		if err := t.server.Serve(t.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("cluster transport server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop shuts down the server and releases peer connections.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.peers = make(map[core.ServerAddress]*peerClient)
	t.mu.Unlock()
	t.h2.CloseIdleConnections()
	return t.server.Shutdown(ctx)
}

func (t *Transport) handleForward(ctx context.Context, req *connect.Request[ForwardRequest]) (*connect.Response[ForwardResponse], error) {
	fr := req.Msg
	ctx = t.propagator.Extract(ctx, propagation.HeaderCarrier(req.Header()))
	ctx, span := t.tracer.Start(ctx, "cluster.forward.handle",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("fluxrule.forward.class", fr.Class),
			attribute.String("fluxrule.forward.origin", fr.Origin),
		))
	defer span.End()

	if fr.Msg == nil && len(fr.Payload) == 0 {
		span.SetStatus(codes.Error, errEmptyForward.Error())
		return nil, connect.NewError(connect.CodeInvalidArgument, errEmptyForward)
	}
	if t.handler == nil {
		return nil, connect.NewError(connect.CodeUnavailable, errors.New("no forward handler registered"))
	}
	if err := t.handler.HandleForward(ctx, fr); err != nil {
		t.logger.Debug("forward rejected",
			slog.String("origin", fr.Origin),
			slog.String("class", fr.Class),
			slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		return connect.NewResponse(&ForwardResponse{Accepted: false, Error: err.Error()}), nil
	}
	return connect.NewResponse(&ForwardResponse{Accepted: true}), nil
}

// Forward sends req to the member at to. It returns a *RejectedError when the
// peer refused the message and ErrPeerUnavailable when the peer could not be
// reached.
func (t *Transport) Forward(ctx context.Context, to core.ServerAddress, req *ForwardRequest) error {
	ctx, span := t.tracer.Start(ctx, "cluster.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("fluxrule.forward.class", req.Class),
			attribute.String("fluxrule.forward.peer", to.String()),
		))
	defer span.End()

	p := t.peer(to)
	err := retryWithBreaker(ctx, p.breaker, t.cfg.MaxRetries, t.cfg.RetryBaseDelay, func() error {
		cctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
		defer cancel()

		creq := connect.NewRequest(req)
		t.propagator.Inject(cctx, propagation.HeaderCarrier(creq.Header()))
		resp, err := p.client.CallUnary(cctx, creq)
		if err != nil {
			return err
		}
		if !resp.Msg.Accepted {
			return &RejectedError{Peer: to.String(), Reason: resp.Msg.Error}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// DropPeer releases the client and breaker of a member that left the ring.
func (t *Transport) DropPeer(addr core.ServerAddress) {
	t.mu.Lock()
	delete(t.peers, addr)
	t.mu.Unlock()
}

// HasPeer reports whether a client to addr is cached.
func (t *Transport) HasPeer(addr core.ServerAddress) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.peers[addr]
	return ok
}

func (t *Transport) peer(addr core.ServerAddress) *peerClient {
	t.mu.RLock()
	p, ok := t.peers[addr]
	t.mu.RUnlock()
	if ok {
		return p
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok = t.peers[addr]; ok {
		return p
	}
	p = &peerClient{
		client: connect.NewClient[ForwardRequest, ForwardResponse](
			t.httpClient,
			"http://"+addr.String()+ForwardProcedure,
			connect.WithCodec(jsonCodec{}),
			connect.WithAcceptCompression(compressionZstd, newZstdDecompressor, newZstdCompressor),
			connect.WithSendCompression(compressionZstd),
			connect.WithCompressMinBytes(t.cfg.CompressMinBytes),
		),
		breaker: newPeerBreaker(addr.String(), t.cfg.BreakerFailureThreshold, t.cfg.BreakerResetTimeout, t.logger),
	}
	t.peers[addr] = p
	return p
}
