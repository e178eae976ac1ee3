package fapgate

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"pkt.systems/fapgate/internal/certwatch"
	"pkt.systems/fapgate/internal/connguard"
	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/demux"
	"pkt.systems/fapgate/internal/engine"
	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/handshake"
	"pkt.systems/fapgate/internal/listener"
	"pkt.systems/fapgate/internal/objstore"
	"pkt.systems/fapgate/internal/svcfields"
	"pkt.systems/fapgate/internal/transport"
	"pkt.systems/fapgate/internal/version"
	"pkt.systems/pslog"
)

// Server wires the FAP front end: a guarded TCP listener, the transport, the
// demultiplexer, the handshake negotiator and the per-type listeners.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	engine     listener.Engine
	guard      *connguard.Guard
	negotiator *handshake.Negotiator
	demux      *demux.Demultiplexer
	transport  *transport.Server
	certs      *certwatch.Watcher
	telemetry  *telemetryBundle

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	shutdown bool

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Engine       listener.Engine
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithEngine injects the transaction capability used by client listeners.
// The in-memory engine is used when none is supplied.
func WithEngine(e listener.Engine) Option {
	return func(o *options) {
		o.Engine = e
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs a fapgate server according to cfg.
// Example:
//
//	cfg := fapgate.Config{Listen: ":7276"}
//	srv, err := fapgate.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverLogger := svcfields.WithSubsystem(logger, "fap.server")

	telemetry, err := setupTelemetry(context.Background(), cfg, serverLogger)
	if err != nil {
		return nil, err
	}
	var certs *certwatch.Watcher
	if cfg.TLSCertFile != "" {
		certs, err = certwatch.New(certwatch.Config{
			CertFile: cfg.TLSCertFile,
			KeyFile:  cfg.TLSKeyFile,
			Logger:   logger,
		})
		if err != nil {
			_ = telemetry.Shutdown(context.Background())
			return nil, err
		}
	}
	abort := func(err error) (*Server, error) {
		if certs != nil {
			_ = certs.Close()
		}
		_ = telemetry.Shutdown(context.Background())
		return nil, err
	}

	eng := o.Engine
	if eng == nil {
		eng = engine.NewMemory(engine.Config{Logger: logger})
	}
	client, err := listener.NewClient(listener.ClientConfig{
		Engine:          eng,
		RecoverPageSize: cfg.RecoverPageSize,
		Logger:          logger,
	})
	if err != nil {
		return abort(err)
	}
	listeners := map[fap.ConnectionType]conversation.Listener{
		fap.ConnectionTypeClient: client,
	}
	if !cfg.DisablePeerLinks {
		listeners[fap.ConnectionTypePeer] = listener.NewPeer(logger)
	}

	guard := connguard.New(connguard.Config{
		Enabled:          !cfg.DisableConnectionGuard,
		FailureThreshold: cfg.GuardFailureThreshold,
		FailureWindow:    cfg.GuardFailureWindow,
		BlockDuration:    cfg.GuardBlockDuration,
		PreambleTimeout:  cfg.GuardPreambleTimeout,
		Preamble:         transport.Preamble(),
	}, logger)

	store := objstore.Config{
		InitialSize: cfg.StoreInitialSize,
		MaxSize:     cfg.StoreMaxSize,
		Logger:      logger,
	}
	major, minor := version.Product()
	negotiator := handshake.New(handshake.Config{
		ProductVersion:      conversation.ProductVersion{Major: major, Minor: minor},
		ProductID:           cfg.ProductID,
		MaxLevel:            cfg.MaxLevel,
		BitmapMinLevel:      cfg.BitmapMinLevel,
		LegacyVersionFloor:  cfg.LegacyVersionFloor,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		HeartbeatTimeout:    cfg.HeartbeatTimeout,
		MaxMessageSize:      cfg.MaxMessageSize,
		MaxTransmissionSize: cfg.MaxTransmissionSize,
		Capabilities:        cfg.Capabilities,
		Listeners:           listeners,
		Store:               store,
		Failures:            guard,
		Logger:              logger,
	})
	router, err := demux.New(demux.Config{
		Negotiator: negotiator,
		Store:      store,
		Logger:     logger,
	})
	if err != nil {
		return abort(err)
	}
	tr := transport.New(transport.Config{
		MaxPayload:   cfg.MaxTransmissionSize,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logger,
	}, router)

	return &Server{
		cfg:        cfg,
		logger:     serverLogger,
		engine:     eng,
		guard:      guard,
		negotiator: negotiator,
		demux:      router,
		transport:  tr,
		certs:      certs,
		telemetry:  telemetry,
		readyCh:    make(chan struct{}),
	}, nil
}

// Engine returns the transaction capability serving client conversations.
func (s *Server) Engine() listener.Engine {
	return s.engine
}

// Start begins accepting links and blocks until the server stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.listener = ln
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()
	defer close(done)

	s.signalReady()
	s.logger.Info("fap.server.listening",
		"address", ln.Addr().String(),
		"tls", s.certs != nil,
		"guard", !s.cfg.DisableConnectionGuard,
		"max_links", s.cfg.MaxLinks,
		"version", version.Current(),
	)
	var tlsConfig *tls.Config
	if s.certs != nil {
		tlsConfig = s.certs.TLSConfig()
	}
	served := s.guard.WrapListener(ln, tlsConfig)
	if s.cfg.MaxLinks > 0 {
		served = netutil.LimitListener(served, s.cfg.MaxLinks)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.transport.Serve(gctx, served)
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("fap.server.serve_failed", "error", err)
		return err
	}
	return nil
}

// Shutdown stops accepting links, closes every open conversation and flushes
// telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var errs []error
	if err := s.transport.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("transport close: %w", err))
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if s.certs != nil {
		if err := s.certs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("certwatch close: %w", err))
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var stop context.CancelFunc
			telemetryCtx, stop = context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	s.logger.Info("fap.server.stopped")
	return errors.Join(errs...)
}

// Close shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Links reports the number of open links.
func (s *Server) Links() int {
	return s.transport.Links()
}

// StartServer starts a fapgate server in a background goroutine and waits
// until it accepts links. It returns the running server alongside a stop
// function that shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	case <-waitCtx.Done():
		_ = srv.Close()
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			stopErr = <-errCh
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
