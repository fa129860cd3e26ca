package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/illmade-knight/iot-gateway/pkg/store"
	"github.com/illmade-knight/iot-gateway/pkg/types"
	"github.com/illmade-knight/iot-gateway/services/listener"
	"github.com/illmade-knight/iot-gateway/services/processor"
	"github.com/rs/zerolog"
)

// BatchProcessor is the processor surface exposed over HTTP.
type BatchProcessor interface {
	RunBatch(ctx context.Context, limit int) (*processor.BatchResult, error)
	Stats() processor.Stats
}

type RawStats interface {
	Stats(ctx context.Context) (store.RawStats, error)
}

// Ingestor runs the listener's classify-and-route logic for one message.
type Ingestor interface {
	Ingest(ctx context.Context, msg types.InMessage) (listener.RouteResult, error)
}

// UnpairedDevices is the tracker surface used by the operator endpoints.
type UnpairedDevices interface {
	List(ctx context.Context, status string, limit int) ([]store.UnpairedDevice, error)
	Stats(ctx context.Context) (store.UnpairedStats, error)
	Pair(ctx context.Context, hardwareID string, req store.PairRequest) (*store.Node, error)
	Ignore(ctx context.Context, hardwareID string) error
	Delete(ctx context.Context, hardwareID string) error
}

// Deps wires the API. Ingestor may be nil, in which case direct ingestion
// answers 503.
type Deps struct {
	Processor BatchProcessor
	Raw       RawStats
	Ingestor  Ingestor
	Unpaired  UnpairedDevices
}

type Config struct {
	// HTTPPort is a listen address such as ":8080".
	HTTPPort       string
	RequestTimeout time.Duration
	// ProcessTimeout bounds a manual batch run. The run is detached from the
	// request, so a client that disconnects does not cancel claimed rows.
	ProcessTimeout time.Duration
}

// Server is the gateway's operator HTTP API.
type Server struct {
	deps       Deps
	cfg        Config
	logger     zerolog.Logger
	httpServer *http.Server

	mu   sync.Mutex
	addr net.Addr
}

func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 5 * time.Minute
	}
	return &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With().Str("component", "APIServer").Logger(),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/api/v1", func(r chi.Router) {
		// Manual runs carry their own timeout, see processHandler.
		r.Post("/process", s.processHandler)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
			r.Get("/stats", s.statsHandler)
			r.Post("/messages", s.ingestHandler)
			r.Route("/unpaired", func(r chi.Router) {
				r.Get("/", s.listUnpairedHandler)
				r.Get("/stats", s.unpairedStatsHandler)
				r.Post("/{hardwareID}/pair", s.pairHandler)
				r.Post("/{hardwareID}/ignore", s.ignoreHandler)
				r.Delete("/{hardwareID}", s.deleteUnpairedHandler)
			})
		})
	})
	return r
}

// Start listens and serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.HTTPPort)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.cfg.HTTPPort, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.httpServer = &http.Server{Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info().Str("address", ln.Addr().String()).Msg("Starting API server")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Addr is the bound address once Start is listening, nil before.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.logger.Info().Msg("API server stopped")
	return nil
}

func (s *Server) processHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.ProcessTimeout)
	defer cancel()
	result, err := s.deps.Processor.RunBatch(ctx, limit)
	if errors.Is(err, processor.ErrRunInProgress) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Manual batch run failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type statsResponse struct {
	Raw       store.RawStats  `json:"raw"`
	Processor processor.Stats `json:"processor"`
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	raw, err := s.deps.Raw.Stats(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Raw store stats failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, statsResponse{Raw: raw, Processor: s.deps.Processor.Stats()})
}

type ingestRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingestor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "direct ingestion is not enabled")
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Topic == "" || len(req.Payload) == 0 {
		s.writeError(w, http.StatusBadRequest, "topic and payload are required")
		return
	}
	res, err := s.deps.Ingestor.Ingest(r.Context(), types.InMessage{
		MessageID:  middleware.GetReqID(r.Context()),
		Topic:      req.Topic,
		Payload:    req.Payload,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("topic", req.Topic).Msg("Direct ingestion failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) listUnpairedHandler(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", store.UnpairedPending, store.UnpairedPaired, store.UnpairedIgnored:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown status "+status)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	devices, err := s.deps.Unpaired.List(r.Context(), status, limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if devices == nil {
		devices = []store.UnpairedDevice{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) unpairedStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Unpaired.Stats(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) pairHandler(w http.ResponseWriter, r *http.Request) {
	var req store.PairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	hardwareID := chi.URLParam(r, "hardwareID")
	node, err := s.deps.Unpaired.Pair(r.Context(), hardwareID, req)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info().Str("hardware_id", hardwareID).Str("node_id", node.ID).Msg("Device paired via API")
	s.writeJSON(w, http.StatusCreated, node)
}

func (s *Server) ignoreHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Unpaired.Ignore(r.Context(), chi.URLParam(r, "hardwareID")); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteUnpairedHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Unpaired.Delete(r.Context(), chi.URLParam(r, "hardwareID")); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// storeError maps store sentinels to status codes.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAlreadyPaired):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNoNodeModel):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrInvalidArgument):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Unpaired device operation failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
