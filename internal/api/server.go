// Package api exposes Kite over HTTP: a chi router for infrastructure
// endpoints and the gateway pipeline for everything else.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ticketmesh/kite/internal/cache"
	"github.com/ticketmesh/kite/internal/domain"
	"github.com/ticketmesh/kite/internal/gateway"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 1 << 20

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	gw      *gateway.Gateway
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer wires the gateway pipeline (logging, CORS, rate limit, auth — in
// that order) behind a chi router and registers all routes.
func NewServer(cfg domain.ServerConfig, gwCfg domain.GatewayConfig, handler *Handler, c cache.Cache, logger *slog.Logger) *Server {
	gw := gateway.New(logger)
	gw.Use(gateway.Logging(logger))
	gw.Use(gateway.CORS(gwCfg.AllowedOrigins))
	gw.Use(gateway.RateLimit(c, gwCfg.RateLimit, time.Duration(gwCfg.RateWindowSecs)*time.Second))
	gw.Use(gateway.Auth(gwCfg.JWTSecret))

	gw.Handle(http.MethodPost, "/fraud/evaluate", handler.EvaluateFraud)
	gw.Handle(http.MethodPut, "/fraud/threshold", gateway.RequireAuth(handler.SetRiskThreshold))

	gw.Handle(http.MethodPost, "/pricing/calculate", handler.CalculatePrice)
	gw.Handle(http.MethodPost, "/pricing/update", gateway.RequireAuth(handler.UpdatePrice))
	gw.Handle(http.MethodGet, "/pricing/history", handler.PriceHistory)
	gw.Handle(http.MethodGet, "/pricing/predict", handler.PricePrediction)

	gw.Handle(http.MethodGet, "/tickets", handler.ListTickets)
	gw.Handle(http.MethodGet, "/tickets/get", handler.GetTicket)
	gw.Handle(http.MethodPost, "/tickets", gateway.RequireAuth(handler.CreateListing))

	gw.Handle(http.MethodPost, "/payments", gateway.RequireAuth(handler.ProcessPayment))
	gw.Handle(http.MethodGet, "/payments/status", handler.PaymentStatus)

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(TracingMiddleware)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/*", bridge(gw))

	return &Server{
		router:  router,
		gw:      gw,
		handler: handler,
		config:  cfg,
	}
}

// bridge adapts http requests onto the gateway pipeline.
func bridge(gw *gateway.Gateway) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, `{"error":"failed to read request body"}`, http.StatusBadRequest)
			return
		}

		headers := make(map[string]string, len(r.Header))
		for k := range r.Header {
			headers[k] = r.Header.Get(k)
		}

		query := make(map[string]string)
		for k, vs := range r.URL.Query() {
			if len(vs) > 0 {
				query[k] = vs[0]
			}
		}

		resp := gw.Process(r.Context(), &gateway.Request{
			Method:     r.Method,
			Path:       r.URL.Path,
			Headers:    headers,
			Query:      query,
			RemoteAddr: r.RemoteAddr,
			Body:       body,
		})

		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.StatusCode)
		if len(resp.Body) > 0 {
			w.Write(resp.Body)
		}
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Gateway returns the pipeline for testing.
func (s *Server) Gateway() *gateway.Gateway {
	return s.gw
}
