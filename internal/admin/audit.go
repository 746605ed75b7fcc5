package admin

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxAuditedOrderIDs bounds how many order ids an audit record lists.
const maxAuditedOrderIDs = 20

// AuditMiddleware records every mutating admin call: who asked, which
// orders it touched and how it ended. Each audited response carries an
// X-Request-ID header matching the log record.
func AuditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	log := logger.With("component", "admin_audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		action, orderIDs, total := auditTarget(r)
		user, _, _ := r.BasicAuth()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.Info("admin action",
			"request_id", requestID,
			"action", action,
			"user", user,
			"client_ip", clientIP(r),
			"path", r.URL.Path,
			"order_ids", orderIDs,
			"order_count", total,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// auditTarget names the action and the orders it targets. The request
// body is read and restored for the next handler.
func auditTarget(r *http.Request) (action string, ids []string, total int) {
	if id, ok := scanNowOrderID(r.URL.Path); ok {
		return "scan_now", []string{id}, 1
	}
	if r.URL.Path != "/admin/v1/scans" || r.Body == nil {
		return "other", nil, 0
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return "enqueue", nil, 0
	}
	var req enqueueRequest
	if json.Unmarshal(body, &req) != nil {
		return "enqueue", nil, 0
	}
	if req.OrderID != "" {
		ids = append(ids, req.OrderID)
	}
	ids = append(ids, req.OrderIDs...)
	total = len(ids)
	if len(ids) > maxAuditedOrderIDs {
		ids = ids[:maxAuditedOrderIDs]
	}
	return "enqueue", ids, total
}

func scanNowOrderID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/admin/v1/orders/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/scan")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// statusRecorder remembers the first status code written.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}
