package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sigmonsays/cgigate/gateway"
)

// Server owns the router, the shared supervisor and the metrics registry.
type Server struct {
	cfg      *Config
	router   chi.Router
	registry *prometheus.Registry
	handlers []*CGIHandler
}

// NewServer builds one dispatcher per script alias. cfg must have been
// through FixupConfig.
func NewServer(cfg *Config) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := gateway.NewMetrics(reg)
	supervisor := gateway.NewSupervisor(cfg.KillGrace, cfg.MaxOutputBytes)
	pages := NewErrorPages(cfg.DocumentRoot, cfg.ErrorPages)

	var auth *Auth
	if len(cfg.Auth) > 0 {
		auth = NewAuth(cfg.Auth)
	}

	s := &Server{cfg: cfg, registry: reg}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	for _, rt := range cfg.CGI {
		d, err := gateway.NewDispatcher(rt.DispatcherConfig(cfg), supervisor, metrics)
		if err != nil {
			return nil, err
		}
		h := &CGIHandler{
			Route:         rt,
			Alias:         rt.Alias(cfg),
			Dispatcher:    d,
			ErrorPages:    pages,
			ReverseLookup: cfg.ReverseLookup,
		}
		if rt.Auth {
			h.Auth = auth
		}
		s.handlers = append(s.handlers, h)

		if rt.Prefix == "/" {
			r.Handle("/*", h)
		} else {
			r.Handle(rt.Prefix, h)
			r.Handle(rt.Prefix+"/*", h)
		}
		log.Infof("cgi alias %s -> %s methods=%s auth=%v", rt.Prefix, h.Alias.Dir, strings.Join(rt.Methods, ","), rt.Auth)
	}

	if cfg.MetricsPath != "" {
		r.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		pages.Write(w, req, http.StatusNotFound)
	})

	s.router = r
	return s, nil
}

func (me *Server) Handler() http.Handler {
	return me.router
}

// Lookup returns the handler of the alias with the longest prefix owning
// urlPath.
func (me *Server) Lookup(urlPath string) *CGIHandler {
	var best *CGIHandler
	for _, h := range me.handlers {
		if !h.Alias.Owns(urlPath) {
			continue
		}
		if best == nil || len(h.Route.Prefix) > len(best.Route.Prefix) {
			best = h
		}
	}
	return best
}

// ListenAndServe serves until ctx ends, then waits for requests in flight.
func (me *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              me.cfg.HTTPAddr,
		Handler:           me.router,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s, document root %s", me.cfg.HTTPAddr, me.cfg.DocumentRoot)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), me.cfg.MaxTimeout()+3*me.cfg.KillGrace+time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return err
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		if name, err := os.Hostname(); err == nil {
			return name
		}
		return "localhost"
	}
	return host
}

func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return "80"
	}
	return port
}
