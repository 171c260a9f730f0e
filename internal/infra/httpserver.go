package infra

import (
	"context"
	"net/http"
	"time"
)

// HTTPServer hosts the worker's ops surface (health and status). It is a
// sidecar to the job loop: slots keep processing while it starts or stops.
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer builds the ops server on the configured port. The surface
// only ever serves small JSON payloads, so header and body limits are tight.
func NewHTTPServer(cfg *Config, handler http.Handler) *HTTPServer {
	return &HTTPServer{server: &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		MaxHeaderBytes:    1 << 16,
	}}
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *HTTPServer) Start() error {
	if s.server == nil {
		return nil
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight ops requests; the job pool shuts down
// separately on its own context.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
