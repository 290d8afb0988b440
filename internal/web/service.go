package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"devbridge/internal/bridge"
)

// Service runs the HTTP front on host:port.
type Service struct {
	host    string
	port    int
	handler http.Handler
	bridge  *bridge.Bridge
	logger  *zap.Logger

	mu     sync.Mutex
	server *http.Server
	ln     net.Listener
	errc   chan error
}

func NewService(b *bridge.Bridge, handler http.Handler, host string, port int) *Service {
	return &Service{
		host:    host,
		port:    port,
		handler: handler,
		bridge:  b,
		logger:  zap.NewNop(),
	}
}

func (s *Service) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s.logger = logger
}

func (s *Service) Host() string { return s.host }
func (s *Service) Port() int    { return s.port }

// Addr returns the bound address once started, otherwise the configured one.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start binds the listener and serves in the background.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("web service already started")
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.errc = make(chan error, 1)
	server := s.server
	errc := s.errc
	go func() {
		err := server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
	}()
	s.logger.Info("web service listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Run serves until ctx is done or the server fails, then shuts down.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	errc := s.errc
	s.mu.Unlock()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Stop(shutdownCtx)
}

// Stop disconnects websocket clients and shuts the server down.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	if s.bridge != nil {
		s.bridge.Close()
	}
	err := server.Shutdown(ctx)
	s.logger.Info("web service stopped")
	return err
}
