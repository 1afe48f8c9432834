package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// ServerOptions configures the HTTPS listener shared by peers and the web console.
type ServerOptions struct {
	Identity          tls.Certificate
	ReadHeaderTimeout time.Duration
	Logger            zerolog.Logger
}

// Server is the device's HTTPS endpoint. Components register their routes
// before Serve.
type Server struct {
	router *mux.Router
	http   *http.Server
	log    zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds a server with the health route registered.
func NewServer(options ServerOptions) (*Server, error) {
	if len(options.Identity.Certificate) == 0 {
		return nil, errors.New("network: server identity certificate is required")
	}
	readHeaderTimeout := options.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}

	router := mux.NewRouter()
	s := &Server{
		router: router,
		log:    options.Logger.With().Str("component", "server").Logger(),
	}
	s.http = &http.Server{
		Handler:           router,
		TLSConfig:         ServerTLSConfig(options.Identity),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	router.HandleFunc(PathHealth, func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": ProtocolVersion})
	}).Methods(http.MethodGet)

	return s, nil
}

// Handle mounts h at path for the given methods.
func (s *Server) Handle(path string, h http.Handler, methods ...string) {
	route := s.router.Handle(path, h)
	if len(methods) > 0 {
		route.Methods(methods...)
	}
}

// Router exposes the underlying router for tests and extra routes.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Listen binds address. Port 0 picks a free port; see Addr.
func (s *Server) Listen(address string) error {
	if address == "" {
		address = ":0"
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the bound TCP port, or 0 before Listen.
func (s *Server) Port() int {
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Serve accepts TLS connections until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("network: server is not listening")
	}

	errs := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", listener.Addr().String()).Msg("https server listening")
		errs <- s.http.ServeTLS(listener, "", "")
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve https: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Hijacked websocket connections are not tracked here; their owners close them.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown https: %w", err)
	}
	s.log.Info().Msg("https server stopped")
	return nil
}
