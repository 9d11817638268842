package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"connectrpc.com/grpchealth"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kazz187/specguild/internal/config"
	"github.com/kazz187/specguild/internal/failure"
	"github.com/kazz187/specguild/internal/pushnotification"
	"github.com/kazz187/specguild/internal/queue"
	"github.com/kazz187/specguild/internal/session"
	"github.com/kazz187/specguild/internal/spec"
	"github.com/kazz187/specguild/internal/worker"
	"github.com/kazz187/specguild/pkg/cerr"
	"github.com/kazz187/specguild/pkg/clog"
)

type Server struct {
	server    *http.Server
	env       *config.BaseEnv
	queue     *queue.Service
	lifecycle *spec.Lifecycle
	workers   *worker.Manager
	sessions  *session.Service
	failures  *failure.Service
	push      *pushnotification.Server
}

func NewServer(
	env *config.BaseEnv,
	queue *queue.Service,
	lifecycle *spec.Lifecycle,
	workers *worker.Manager,
	sessions *session.Service,
	failures *failure.Service,
	push *pushnotification.Server,
) *Server {
	return &Server{
		env:       env,
		queue:     queue,
		lifecycle: lifecycle,
		workers:   workers,
		sessions:  sessions,
		failures:  failures,
		push:      push,
	}
}

// Handler returns the full HTTP surface: the JSON API below /api plus the
// unauthenticated health and metrics endpoints.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(clog.SlogChiMiddleware(), s.apiKeyMiddleware)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.WriteError(r.Context(), w, cerr.NewError(cerr.NotFound, "not found", nil))
		})
		s.queueRoutes(r)
		s.specRoutes(r)
		s.workerRoutes(r)
		s.sessionRoutes(r)
		s.failureRoutes(r)
		if s.push != nil {
			s.push.Routes(r)
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", r)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle(grpchealth.NewHandler(grpchealth.NewStaticChecker()))
	return mux
}

// ListenAndServe serves until Shutdown. ctx becomes the base context of
// every request.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr: addr,
		Handler: h2c.NewHandler(cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(s.Handler()), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.env.APIKey)) != 1 {
			cerr.WriteError(r.Context(), w, cerr.NewError(cerr.Unauthenticated, "unauthorized", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return cerr.ValidationError("malformed request body: " + err.Error())
	}
	return nil
}
