// Command broker runs the SPARQL Event Processing broker: the HTTP gateway
// terminating SPARQL 1.1 protocol requests, the WebSocket gateway
// multiplexing live subscription frames, the gRPC notification firehose,
// and the SPU Manager tying them all to a backing RDF endpoint.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"sepabroker/internal/config"
	"sepabroker/internal/endpoint"
	"sepabroker/internal/grpcstream"
	"sepabroker/internal/httpgateway"
	"sepabroker/internal/journal"
	"sepabroker/internal/logging"
	"sepabroker/internal/manager"
	"sepabroker/internal/metrics"
	"sepabroker/internal/wsgateway"
)

// server bundles the running broker's readiness bookkeeping; it implements
// httpgateway.ReadinessProvider.
type server struct {
	startedAt  time.Time
	startupErr error
}

func (s *server) StartupError() error   { return s.startupErr }
func (s *server) Uptime() time.Duration { return time.Since(s.startedAt) }

func main() {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	srv := &server{startedAt: startedAt}

	ep, epCleanup := buildEndpoint(cfg, logger)
	defer epCleanup()

	metricsReg := metrics.New(metrics.WithUnitScale(cfg.UnitScale))

	journalWriter, journalCleanup := buildJournal(cfg, logger)
	defer journalCleanup()

	streamSvc := grpcstream.NewService(grpcstream.WithLogger(logger.With(logging.String("component", "grpcstream"))))

	mgrOpts := []manager.Option{
		manager.WithPerSPUTimeout(cfg.SPUProcessingTimeout),
		manager.WithFilterMode(manager.FilterMode(cfg.FilterMode)),
		manager.WithMetricsSink(metricsReg),
		manager.WithFirehoseSink(streamSvc),
		manager.WithLogger(logger.With(logging.String("component", "manager"))),
	}
	if journalWriter != nil {
		mgrOpts = append(mgrOpts, manager.WithJournalSink(journal.NewManagerSink(journalWriter, logger)))
	}
	mgr := manager.New(ep, mgrOpts...)

	grpcServer := grpc.NewServer()
	grpcstream.RegisterNotificationStreamServer(grpcServer, streamSvc)
	go func() {
		listener, err := net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			logger.Fatal("failed to start gRPC listener", logging.Error(err), logging.String("address", cfg.GRPCAddress))
		}
		logger.Info("gRPC notification stream listening", logging.String("address", cfg.GRPCAddress))
		if err := grpcServer.Serve(listener); err != nil {
			logger.Fatal("gRPC server terminated", logging.Error(err))
		}
	}()
	defer grpcServer.GracefulStop()

	handler := buildHandler(mgr, ep, cfg, logger, srv, metricsReg)
	httpServer := &http.Server{Addr: cfg.Address, Handler: handler}

	go func() {
		logger.Info("broker listening", logging.String("address", cfg.Address), logging.Bool("tls", cfg.TLSCertPath != ""))
		var err error
		if cfg.TLSCertPath != "" {
			err = httpServer.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			srv.startupErr = err
			logger.Fatal("broker server terminated", logging.Error(err))
		}
	}()

	waitForShutdown(logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown did not complete cleanly", logging.Error(err))
	}
}

// buildEndpoint constructs the Endpoint collaborator: an outbound SPARQL
// 1.1 Protocol client when BROKER_ENDPOINT_URL is configured, otherwise the
// in-process MemEndpoint used by every test in this repository.
func buildEndpoint(cfg *config.Config, logger *logging.Logger) (endpoint.Endpoint, func()) {
	if cfg.EndpointURL == "" {
		logger.Info("no BROKER_ENDPOINT_URL configured; using in-process RDF store")
		return endpoint.NewMemEndpoint(), func() {}
	}
	ep, err := endpoint.NewHTTPEndpoint(cfg.EndpointURL,
		endpoint.WithRetryBudget(cfg.EndpointRetryBudget),
		endpoint.WithLogger(logger.With(logging.String("component", "endpoint"))),
	)
	if err != nil {
		logger.Fatal("failed to configure outbound SPARQL endpoint", logging.Error(err))
	}
	logger.Info("outbound SPARQL endpoint configured", logging.String("url", cfg.EndpointURL))
	return ep, func() {}
}

// buildJournal opens the audit-trail journal segment for this process
// lifetime and starts its retention sweep; it is never fatal to skip --
// the journal is an operational nicety, not subscription state.
func buildJournal(cfg *config.Config, logger *logging.Logger) (*journal.Writer, func()) {
	segmentID := fmt.Sprintf("boot-%d", time.Now().UnixNano())
	writer, _, err := journal.NewWriter(cfg.JournalDirectory, segmentID, time.Now)
	if err != nil {
		logger.Warn("journal unavailable; continuing without an audit trail", logging.Error(err))
		return nil, func() {}
	}

	cleaner := journal.NewCleaner(cfg.JournalDirectory, journal.RetentionPolicy{
		MaxSegments: cfg.JournalMaxSegments,
		MaxAge:      cfg.JournalMaxAge,
	}, logger.With(logging.String("component", "journal-cleaner")))
	cleanerCtx, cleanerCancel := context.WithCancel(context.Background())
	go cleaner.Run(cleanerCtx, time.Hour)

	return writer, func() {
		cleanerCancel()
		if err := writer.Close(); err != nil {
			logger.Warn("failed to close journal writer", logging.Error(err))
		}
	}
}

func buildHandler(mgr *manager.Manager, ep endpoint.Endpoint, cfg *config.Config, logger *logging.Logger, srv *server, metricsReg *metrics.Registry) http.Handler {
	mux := http.NewServeMux()

	var rateLimiter httpgateway.RateLimiter
	if cfg.AdminToken != "" {
		rateLimiter = httpgateway.NewSlidingWindowLimiter(time.Second, 50, nil)
	}

	handlers := httpgateway.NewHandlerSet(httpgateway.Options{
		Logger:         logger.With(logging.String("component", "httpgateway")),
		Manager:        mgr,
		Endpoint:       ep,
		Readiness:      srv,
		AdminToken:     cfg.AdminToken,
		RateLimiter:    rateLimiter,
		MetricsHandler: metricsReg.Handler(),
	})
	handlers.Register(mux)

	var authenticator wsgateway.Authenticator
	if cfg.WSHMACSecret != "" {
		hmacAuth, err := wsgateway.NewHMACAuthenticator(cfg.WSHMACSecret)
		if err != nil {
			logger.Warn("failed to configure websocket HMAC authenticator; falling back to allow-all", logging.Error(err))
		} else {
			authenticator = hmacAuth
			logger.Info("websocket HMAC authentication enabled")
		}
	}

	wsGateway := wsgateway.New(wsgateway.Options{
		Logger:          logger.With(logging.String("component", "wsgateway")),
		Manager:         mgr,
		Authenticator:   authenticator,
		AllowedOrigins:  cfg.AllowedOrigins,
		PingInterval:    cfg.PingInterval,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	})
	mux.Handle("/subscriptions/ws", wsGateway)

	return mux
}

func waitForShutdown(logger *logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", logging.String("signal", sig.String()))
}
