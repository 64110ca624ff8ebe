package dns

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"sinkhole/pkg/config"
	"sinkhole/pkg/logging"
	"sinkhole/pkg/telemetry"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Server is the DNS server
type Server struct {
	cfg       *config.Config
	handler   *Handler
	logger    *logging.Logger
	metrics   *telemetry.Metrics
	udpServer *dns.Server
	tcpServer *dns.Server
	running   bool
	mu        sync.RWMutex
}

// NewServer creates a new DNS server
func NewServer(cfg *config.Config, handler *Handler, logger *logging.Logger, metrics *telemetry.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: metrics,
	}
}

// Start starts the DNS server (UDP and TCP) and blocks until the context
// is canceled or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true

	wrapped := &wrappedHandler{
		handler: s.handler,
		logger:  s.logger,
		metrics: s.metrics,
	}

	errChan := make(chan error, 2)

	if s.cfg.Server.UDPEnabled {
		s.udpServer = &dns.Server{
			Addr:    s.cfg.Server.ListenAddress,
			Net:     "udp",
			Handler: dns.HandlerFunc(wrapped.serveDNS),
		}
	}

	if s.cfg.Server.TCPEnabled {
		s.tcpServer = &dns.Server{
			Addr:    s.cfg.Server.ListenAddress,
			Net:     "tcp",
			Handler: dns.HandlerFunc(wrapped.serveDNS),
		}
	}

	s.mu.Unlock()

	if s.cfg.Server.UDPEnabled {
		go func() {
			s.logger.Info("Starting UDP DNS server", "address", s.cfg.Server.ListenAddress)
			s.mu.RLock()
			udpSrv := s.udpServer
			s.mu.RUnlock()
			if err := udpSrv.ListenAndServe(); err != nil {
				errChan <- fmt.Errorf("UDP server failed: %w", err)
			}
		}()
	}

	if s.cfg.Server.TCPEnabled {
		go func() {
			s.logger.Info("Starting TCP DNS server", "address", s.cfg.Server.ListenAddress)
			s.mu.RLock()
			tcpSrv := s.tcpServer
			s.mu.RUnlock()
			if err := tcpSrv.ListenAndServe(); err != nil {
				errChan <- fmt.Errorf("TCP server failed: %w", err)
			}
		}()
	}

	s.logger.Info("DNS server started",
		"address", s.cfg.Server.ListenAddress,
		"udp", s.cfg.Server.UDPEnabled,
		"tcp", s.cfg.Server.TCPEnabled,
	)

	select {
	case <-ctx.Done():
		s.logger.Info("DNS server shutting down")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.logger.Error("DNS server error", "error", err)
		return err
	}
}

// Shutdown gracefully shuts down the DNS server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info("Shutting down DNS server")

	var errs []error

	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("UDP shutdown: %w", err))
		}
	}

	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("TCP shutdown: %w", err))
		}
	}

	s.running = false

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	s.logger.Info("DNS server shut down successfully")
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// wrappedHandler sits between the miekg/dns library and Handler, adding
// per-query logging, counters, and latency measurement in one place so
// the pipeline itself stays free of cross-cutting concerns.
type wrappedHandler struct {
	handler *Handler
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

func (w *wrappedHandler) serveDNS(rw dns.ResponseWriter, r *dns.Msg) {
	startTime := time.Now()
	ctx := context.Background()

	var domain string
	var qtype uint16
	if len(r.Question) > 0 {
		domain = r.Question[0].Name
		qtype = r.Question[0].Qtype
	}

	clientIP, _ := getClientAddr(rw)

	w.logger.Debug("DNS query received",
		"domain", domain,
		"type", dnsTypeLabel(qtype),
		"client", clientIP,
	)

	if w.metrics != nil {
		w.metrics.QueriesTotal.Add(ctx, 1)
		w.metrics.QueriesByType.Add(ctx, 1,
			metric.WithAttributes(attribute.String("type", dnsTypeLabel(qtype))))
	}

	w.handler.ServeDNS(ctx, rw, r)

	duration := time.Since(startTime)
	if w.metrics != nil {
		w.metrics.QueryDuration.Record(ctx, float64(duration.Microseconds())/1000.0)
	}

	w.logger.Debug("DNS query processed",
		"domain", domain,
		"duration_ms", duration.Milliseconds(),
	)
}

// getClientAddr extracts the client IP and port from the ResponseWriter.
// Works for both UDP and TCP remote addresses; the port is kept because
// audit events record the full client endpoint. Returns "unknown" and
// port 0 when the address cannot be parsed.
func getClientAddr(w dns.ResponseWriter) (string, int) {
	addr := w.RemoteAddr()
	if addr == nil {
		return "unknown", 0
	}

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 0
	}

	return host, port
}
