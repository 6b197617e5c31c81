// Package httpapi is the operator HTTP surface: trigger a dispatch run,
// read and rebuild cache snapshots, preview periods and record completions.
//
// Routes (all JSON):
//
//	POST   /api/dispatch/run
//	GET    /api/dispatch/runs?limit=N
//	GET    /api/cache/{kind}
//	POST   /api/cache/{kind}/sync
//	POST   /api/cache/{kind}/invalidate
//	GET    /api/employees
//	GET    /api/schedules/{id}/period?at=RFC3339
//	POST   /api/schedules/{id}/complete
//	GET    /api/schedules/{id}/completions
//	POST   /api/completions
//	DELETE /api/completions/{id}
//	GET    /healthz
//	GET    /debug/pprof/* (when Options.Pprof is set)
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logx "dutybot/pkg/logx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Options struct {
	// Token, when set, is required as "Authorization: Bearer <token>" on /api.
	Token       string
	CORSOrigins []string
	// Pprof mounts the runtime profiler under /debug, behind the same token.
	Pprof bool
}

// NewRouter wires h under the middleware stack.
func NewRouter(h *Handler, opts Options) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(recoverer(h.log))
	r.Use(requestLog(h.log))
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", h.Health)

	if opts.Pprof {
		r.Group(func(r chi.Router) {
			r.Use(bearerToken(opts.Token))
			r.Mount("/debug", middleware.Profiler())
		})
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(bearerToken(opts.Token))

		r.Route("/dispatch", func(r chi.Router) {
			r.Post("/run", h.RunDispatch)
			r.Get("/runs", h.ListRuns)
		})

		r.Route("/cache/{kind}", func(r chi.Router) {
			r.Get("/", h.ReadCache)
			r.Post("/sync", h.SyncCache)
			r.Post("/invalidate", h.InvalidateCache)
		})
		r.Get("/employees", h.ListEmployees)

		r.Route("/schedules/{id}", func(r chi.Router) {
			r.Get("/period", h.GetPeriod)
			r.Post("/complete", h.CompleteCurrent)
			r.Get("/completions", h.ListCompletions)
		})

		r.Route("/completions", func(r chi.Router) {
			r.Post("/", h.MarkComplete)
			r.Delete("/{id}", h.MarkIncomplete)
		})
	})
	return r
}

// Server owns the listener lifecycle.
type Server struct {
	srv *http.Server
	log logx.Logger
}

func NewServer(addr string, handler http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		log: log,
	}
}

// Serve listens until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.srv.BaseContext = func(net.Listener) context.Context { return ctx }
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutCtx); err != nil {
		return err
	}
	s.log.Info("http stopped")
	return nil
}
