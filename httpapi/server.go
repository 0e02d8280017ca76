package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-marketfeed/domain"
	"github.com/spooky-finn/go-marketfeed/usecase"
)

var logger = logrus.WithField("component", "httpapi")

type MarketData interface {
	OrderBookView(depth int) (*usecase.OrderBookView, error)
	CandlesView() *usecase.CandlesView
	StatusView() *usecase.StatusView
	Reconnect()
}

type SnapshotSource interface {
	GetOrderBookSnapshot(ctx context.Context, limit int) (*domain.OrderBookSnapshot, error)
}

type Options struct {
	AllowedOrigins []string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type Server struct {
	marketData MarketData
	snapshots  SnapshotSource
	validation *usecase.ValidationService
	router     *mux.Router
	handler    http.Handler
}

func NewServer(marketData MarketData, snapshots SnapshotSource, validation *usecase.ValidationService, opts Options) *Server {
	s := &Server{
		marketData: marketData,
		snapshots:  snapshots,
		validation: validation,
		router:     mux.NewRouter(),
	}
	s.setupRoutes(opts.Metrics)

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	s.handler = c.Handler(s.router)
	return s
}

func (s *Server) setupRoutes(metrics http.Handler) {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/orderbook", s.handleGetOrderBook).Methods(http.MethodGet)
	api.HandleFunc("/orderbook/snapshot", s.handleGetSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/candles", s.handleGetCandles).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleGetStatus).Methods(http.MethodGet)
	api.HandleFunc("/reconnect", s.handleReconnect).Methods(http.MethodPost)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if metrics != nil {
		s.router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Infof("http server listening at %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleGetOrderBook(w http.ResponseWriter, r *http.Request) {
	depth, ok := s.depthParam(w, r, "depth")
	if !ok {
		return
	}

	view, err := s.marketData.OrderBookView(depth)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, view)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.depthParam(w, r, "limit")
	if !ok {
		return
	}

	snapshot, err := s.snapshots.GetOrderBookSnapshot(r.Context(), limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, snapshot)
}

func (s *Server) handleGetCandles(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.marketData.CandlesView())
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.marketData.StatusView())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.marketData.Reconnect()
	w.WriteHeader(http.StatusAccepted)
}

// handleHealth is 200 only while both feeds are connected and the book is in sync.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.marketData.StatusView()
	if !status.FullyConnected || status.Book != domain.OrderBookStatus_Ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(status)
		return
	}
	respondJSON(w, status)
}

func (s *Server) depthParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	requested := 0
	if raw := r.URL.Query().Get(name); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid "+name, err.Error())
			return 0, false
		}
		requested = n
	}

	depth, err := s.validation.Depth(requested)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid "+name, err.Error())
		return 0, false
	}
	return depth, true
}

func respondDomainError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrOrderBookNotReady) {
		respondError(w, http.StatusServiceUnavailable, "order book not ready", err.Error())
		return
	}
	logger.WithError(err).Warn("request failed")
	respondError(w, http.StatusBadGateway, "upstream error", err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
