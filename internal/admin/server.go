package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/emperorhan/deposit-reconciler/internal/cache"
	"github.com/emperorhan/deposit-reconciler/internal/domain/model"
	"github.com/emperorhan/deposit-reconciler/internal/queue"
	"github.com/emperorhan/deposit-reconciler/internal/scanner"
)

const (
	maxRequestBodyBytes = 1 << 20 // 1 MB
	maxOrderIDLength    = 128
	maxOrderIDsPerCall  = 500
)

// OrderScanner runs synchronous scans and dry-run previews.
// *scanner.Service satisfies it.
type OrderScanner interface {
	ScanOrder(ctx context.Context, orderID string) (*model.ScanResult, error)
	Preview(ctx context.Context, orderID string) (*model.ScanResult, error)
}

// HealthProvider returns the worker health snapshot. *queue.Health
// satisfies it.
type HealthProvider interface {
	Snapshot() queue.HealthSnapshot
}

// CacheStatsProvider exposes order cache statistics.
type CacheStatsProvider interface {
	Stats() cache.Stats
}

// CreditLister lists the credits booked for an order. *postgres.CreditRepo
// satisfies it.
type CreditLister interface {
	CreditsForOrder(ctx context.Context, orderID string) ([]model.CreditRequest, error)
}

// Server provides an HTTP-based admin API for operational management.
type Server struct {
	scanner        OrderScanner
	enqueuer       queue.Enqueuer
	healthProvider HealthProvider
	cacheStats     CacheStatsProvider
	credits        CreditLister
	logger         *slog.Logger
}

// NewServer creates a new admin API server. enqueuer may be nil when no
// queue backend is configured; enqueue requests then fail with 503.
func NewServer(scanner OrderScanner, enqueuer queue.Enqueuer, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		scanner:  scanner,
		enqueuer: enqueuer,
		logger:   logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithHealthProvider sets the worker health provider.
func WithHealthProvider(hp HealthProvider) ServerOption {
	return func(s *Server) { s.healthProvider = hp }
}

// WithCacheStats exposes order cache statistics on the health endpoint.
func WithCacheStats(cs CacheStatsProvider) ServerOption {
	return func(s *Server) { s.cacheStats = cs }
}

// WithCreditLister enables the per-order credits listing.
func WithCreditLister(cl CreditLister) ServerOption {
	return func(s *Server) { s.credits = cl }
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/v1/scans", s.handleEnqueueScans)
	mux.HandleFunc("POST /admin/v1/orders/{id}/scan", s.handleScanOrder)
	mux.HandleFunc("GET /admin/v1/orders/{id}/preview", s.handlePreviewOrder)
	mux.HandleFunc("GET /admin/v1/orders/{id}/credits", s.handleListCredits)
	mux.HandleFunc("GET /admin/v1/health", s.handleHealth)
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func validOrderID(id string) bool {
	return id != "" && len(id) <= maxOrderIDLength && !strings.ContainsAny(id, " \t\r\n")
}

type enqueueRequest struct {
	OrderID  string   `json:"order_id"`
	OrderIDs []string `json:"order_ids"`
}

type enqueueResponse struct {
	Enqueued int      `json:"enqueued"`
	OrderIDs []string `json:"order_ids"`
}

func (s *Server) handleEnqueueScans(w http.ResponseWriter, r *http.Request) {
	if s.enqueuer == nil {
		writeError(w, http.StatusServiceUnavailable, "no queue backend configured")
		return
	}

	var req enqueueRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	ids := make([]string, 0, len(req.OrderIDs)+1)
	seen := make(map[string]struct{}, len(req.OrderIDs)+1)
	for _, raw := range append([]string{req.OrderID}, req.OrderIDs...) {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if !validOrderID(id) {
			writeError(w, http.StatusBadRequest, "invalid order id")
			return
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "order_id or order_ids is required")
		return
	}
	if len(ids) > maxOrderIDsPerCall {
		writeError(w, http.StatusBadRequest, "too many order ids")
		return
	}

	enqueued := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := s.enqueuer.Enqueue(r.Context(), id); err != nil {
			s.logger.Error("enqueue scan failed", "order_id", id, "error", err)
			status := http.StatusInternalServerError
			if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrClosed) {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, struct {
				errorResponse
				enqueueResponse
			}{errorResponse{Error: "failed to enqueue scan"}, enqueueResponse{Enqueued: len(enqueued), OrderIDs: enqueued}})
			return
		}
		enqueued = append(enqueued, id)
	}

	s.logger.Info("scans enqueued via admin API", "count", len(enqueued))
	writeJSON(w, http.StatusAccepted, enqueueResponse{Enqueued: len(enqueued), OrderIDs: enqueued})
}

func (s *Server) handleScanOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validOrderID(id) {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	result, err := s.scanner.ScanOrder(r.Context(), id)
	s.writeScanResult(w, id, result, err)
}

func (s *Server) handlePreviewOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validOrderID(id) {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	result, err := s.scanner.Preview(r.Context(), id)
	s.writeScanResult(w, id, result, err)
}

type creditsResponse struct {
	OrderID string                `json:"order_id"`
	Credits []model.CreditRequest `json:"credits"`
}

func (s *Server) handleListCredits(w http.ResponseWriter, r *http.Request) {
	if s.credits == nil {
		writeError(w, http.StatusServiceUnavailable, "credit listing requires the postgres ledger backend")
		return
	}
	id := r.PathValue("id")
	if !validOrderID(id) {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	credits, err := s.credits.CreditsForOrder(r.Context(), id)
	if err != nil {
		s.logger.Warn("list credits failed", "order_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list credits")
		return
	}
	if credits == nil {
		credits = []model.CreditRequest{}
	}
	writeJSON(w, http.StatusOK, creditsResponse{OrderID: id, Credits: credits})
}

type scanResponse struct {
	*model.ScanResult
	Error string `json:"error,omitempty"`
}

// writeScanResult maps the scan outcome to a status code. The result body is
// returned in every case so partial outcomes stay visible.
func (s *Server) writeScanResult(w http.ResponseWriter, id string, result *model.ScanResult, err error) {
	if result == nil {
		result = &model.ScanResult{OrderID: id}
	}
	resp := scanResponse{ScanResult: result}
	if err == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Error = err.Error()
	switch {
	case errors.Is(err, scanner.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, resp)
	case errors.Is(err, scanner.ErrNoDepositAddress):
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, resp)
	default:
		s.logger.Warn("admin scan failed", "order_id", id, "error", err)
		writeJSON(w, http.StatusBadGateway, resp)
	}
}

type healthResponse struct {
	Worker     *queue.HealthSnapshot `json:"worker,omitempty"`
	OrderCache *cache.Stats          `json:"order_cache,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var resp healthResponse
	if s.healthProvider != nil {
		snap := s.healthProvider.Snapshot()
		resp.Worker = &snap
	}
	if s.cacheStats != nil {
		stats := s.cacheStats.Stats()
		resp.OrderCache = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}
