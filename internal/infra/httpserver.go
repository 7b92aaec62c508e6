package infra

import (
	"context"
	"net/http"
	"time"
)

// HTTPServer owns the listening http.Server so main can start and drain it
// without touching net/http directly.
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer assembles the server from config timeouts. The header read
// timeout is fixed; slow-header clients get cut off regardless of the
// configured body timeouts.
func NewHTTPServer(cfg *Config, handler http.Handler) *HTTPServer {
	return &HTTPServer{server: &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}}
}

// Start blocks on ListenAndServe until the server stops.
func (s *HTTPServer) Start() error {
	if s.server == nil {
		return nil
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests until the context expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
