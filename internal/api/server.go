// Package api exposes payment submission, status and balance lookups over
// HTTP, plus health and metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/core/retry"
	"github.com/vietddude/settler/internal/infra/storage"
	"github.com/vietddude/settler/internal/processing"
	"github.com/vietddude/settler/internal/settlement"
)

const maxBodyBytes = 1 << 20

// Payments accepts and looks up payments. *processing.Submitter implements it.
type Payments interface {
	Submit(ctx context.Context, req processing.Request) (processing.Receipt, error)
	Status(ctx context.Context, paymentID string) (*domain.PaymentStatusRecord, error)
}

// Backends resolves settlement backends. *settlement.Registry implements it.
type Backends interface {
	Resolve(c domain.Currency) (settlement.Backend, error)
}

type Config struct {
	Port      int
	ReusePort bool
	// RateLimit is requests per RateWindow per client IP; <= 0 disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Server provides the HTTP API.
type Server struct {
	cfg      Config
	payments Payments
	backends Backends
	monitor  *Monitor
	server   *http.Server
	log      *slog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, payments Payments, backends Backends, monitor *Monitor) *Server {
	if monitor == nil {
		monitor = NewMonitor()
	}
	s := &Server{
		cfg:      cfg,
		payments: payments,
		backends: backends,
		monitor:  monitor,
		log:      slog.Default().With("component", "api"),
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/v1/payment/initiate", s.handleInitiate)
	apiMux.HandleFunc("GET /api/v1/payment/{id}", s.handleStatus)
	apiMux.HandleFunc("GET /api/v1/balance/{currency}/{address}", s.handleBalance)

	var apiHandler http.Handler = apiMux
	if cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = 15 * time.Minute
		}
		apiHandler = newClientLimiter(cfg.RateLimit, window).middleware(apiMux)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens and serves until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := listen(ctx, s.server.Addr, s.cfg.ReusePort)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("API listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type balanceResponse struct {
	Currency domain.Currency `json:"currency"`
	Address  string          `json:"address"`
	Balance  string          `json:"balance"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req processing.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	receipt, err := s.payments.Submit(r.Context(), req)
	switch {
	case errors.Is(err, processing.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case err != nil:
		s.log.Error("Error initiating payment", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to initiate payment"})
	default:
		writeJSON(w, http.StatusOK, receipt)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.payments.Status(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, storage.ErrPaymentNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "payment not found"})
	case err != nil:
		s.log.Error("Error fetching payment status", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to fetch payment status"})
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	currency := domain.ParseCurrency(r.PathValue("currency"))
	address := r.PathValue("address")

	backend, err := s.backends.Resolve(currency)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unsupported currency"})
		return
	}
	balance, err := backend.GetBalance(r.Context(), address)
	switch {
	case retry.IsUnrecoverable(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case err != nil:
		s.log.Error("Error fetching balance", "currency", currency, "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "failed to fetch balance"})
	default:
		writeJSON(w, http.StatusOK, balanceResponse{Currency: currency, Address: address, Balance: balance})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())
	status := http.StatusOK
	if report.SystemStatus == StatusCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
