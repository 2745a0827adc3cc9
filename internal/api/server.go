// Package api exposes the service over JSON/HTTP with WebSocket endpoints
// for terminal streams and event push.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/treykane/sshgate/internal/security"
	"github.com/treykane/sshgate/internal/service"
)

type Options struct {
	// OriginPatterns are the extra browser origins allowed to open
	// WebSocket streams. Same-origin requests are always allowed.
	OriginPatterns []string
}

type Server struct {
	svc    *service.Service
	opts   Options
	router chi.Router
}

func New(svc *service.Service, opts Options) *Server {
	s := &Server{svc: svc, opts: opts}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.status)

		r.Get("/hosts", s.listHosts)
		r.Put("/hosts", s.saveHost)
		r.Put("/hosts/order", s.reorderHosts)
		r.Get("/hosts/raw", s.readHostsRaw)
		r.Put("/hosts/raw", s.writeHostsRaw)
		r.Delete("/hosts/{alias}", s.deleteHost)

		r.Get("/tunnels", s.listTunnels)
		r.Post("/tunnels/local", s.startLocal)
		r.Post("/tunnels/dynamic", s.startDynamic)
		r.Delete("/tunnels/{id}", s.stopTunnel)
		r.Post("/tunnels/{id}/restart", s.restartTunnel)

		r.Get("/saved-tunnels", s.listSaved)
		r.Put("/saved-tunnels", s.saveSaved)
		r.Put("/saved-tunnels/order", s.reorderSaved)
		r.Get("/saved-tunnels/{id}", s.getSaved)
		r.Delete("/saved-tunnels/{id}", s.deleteSaved)
		r.Post("/saved-tunnels/{id}/duplicate", s.duplicateSaved)
		r.Post("/saved-tunnels/{id}/start", s.startSaved)

		r.Post("/connect", s.connect)
		r.Post("/connect/password", s.connectWithPassword)
		r.Post("/connect/trust", s.connectAndTrust)

		r.Get("/terminal", s.listSessions)
		r.Post("/terminal/remote", s.startRemoteSession)
		r.Post("/terminal/local", s.startLocalSession)
		r.Delete("/terminal/{id}", s.closeSession)
		r.Get("/terminal/{id}/ws", s.terminalStream)

		r.Get("/credentials/{key}", s.hasPassword)
		r.Put("/credentials/{key}", s.savePassword)
		r.Delete("/credentials/{key}", s.deletePassword)

		r.Get("/bundles", s.listBundles)
		r.Put("/bundles", s.saveBundle)
		r.Delete("/bundles/{name}", s.deleteBundle)
		r.Post("/bundles/{name}/start", s.startBundle)

		r.Get("/events", s.eventStream)
		r.Get("/events/history", s.eventHistory)
	})
	return r
}

// Serve runs the HTTP server on l until ctx is cancelled, then shuts down
// gracefully. Hijacked WebSocket connections are ended by the service
// shutdown, not here.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", l.Addr().String())
		errc <- srv.Serve(l)
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api shutdown", "error", err)
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", security.SanitizeForLog(r.URL.Path),
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}
