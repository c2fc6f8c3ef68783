package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/logger"
	"tokopos/backend/internal/metrics"
	"tokopos/backend/internal/service"
	"tokopos/backend/internal/store"
)

type API struct {
	service       *service.Service
	allowedOrigin string
	log           *zap.Logger
}

func New(svc *service.Service, allowedOrigin string) *API {
	return &API{
		service:       svc,
		allowedOrigin: allowedOrigin,
		log:           logger.Get(),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.withHeaders)
	r.Use(a.withActor)
	r.Use(a.withRequestMetrics)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/items", a.handleListItems)
		r.Post("/items", a.handleCreateItem)
		r.Get("/items/{kind}/{id}", a.handleGetItem)
		r.Patch("/items/{kind}/{id}", a.handleUpdateItem)
		r.Get("/items/{kind}/{id}/batches", a.handleListStockBatches)

		r.Post("/stock-batches", a.handleReceiveStockBatch)
		r.Post("/stock-opname", a.handleStockOpname)

		r.Post("/sales", a.handleCompleteSale)
		r.Get("/sales", a.handleListSales)
		r.Get("/sales/{id}", a.handleGetSale)
		r.Post("/maintenance/repair-costs", a.handleRepairCosts)

		r.Post("/shifts/open", a.handleShiftOpen)
		r.Post("/shifts/close", a.handleShiftClose)
		r.Get("/shifts/current", a.handleShiftCurrent)

		r.Get("/reports/daily", a.handleDailyReport)
		r.Get("/reports/profit", a.handleProfitReport)
		r.Get("/audit-logs", a.handleAuditLogs)
	})

	return r
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleListItems(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	activeOnly := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("active_only")), "true")

	resp, err := a.service.ListItems(r.Context(), kind, activeOnly)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req domain.ItemCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	item, err := a.service.CreateItem(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": item})
}

func (a *API) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := a.service.GetItem(r.Context(), chi.URLParam(r, "kind"), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (a *API) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	var req domain.ItemUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	item, err := a.service.UpdateItem(r.Context(), chi.URLParam(r, "kind"), chi.URLParam(r, "id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (a *API) handleListStockBatches(w http.ResponseWriter, r *http.Request) {
	includeExhausted := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("include_exhausted")), "true")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 200, 500)

	resp, err := a.service.ListStockBatches(r.Context(), chi.URLParam(r, "kind"), chi.URLParam(r, "id"), includeExhausted, limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleReceiveStockBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.StockBatchReceiveRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	batch, err := a.service.ReceiveStockBatch(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"batch": batch})
}

func (a *API) handleStockOpname(w http.ResponseWriter, r *http.Request) {
	var req domain.StockOpnameRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.StockOpname(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCompleteSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.CompleteSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleListSales(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	resp, err := a.service.ListSales(r.Context(), date, limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.GetSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRepairCosts(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.RepairMissingCosts(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleShiftOpen(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	shift, err := a.service.OpenShift(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"shift": shift})
}

func (a *API) handleShiftClose(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	summary, err := a.service.CloseShift(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleShiftCurrent(w http.ResponseWriter, r *http.Request) {
	shift, err := a.service.GetCurrentShift(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shift": shift})
}

func (a *API) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	report, err := a.service.DailyReport(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleProfitReport(w http.ResponseWriter, r *http.Request) {
	report, err := a.service.ProfitReport(r.Context(), r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	logs, err := a.service.ListAuditLogs(r.Context(), date, limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Actor")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withActor threads the X-Actor header into the request context so audit
// entries name who acted. Absent header means "system".
func (a *API) withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get("X-Actor"))
		if actor != "" {
			r = r.WithContext(service.WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) withRequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		recorder := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(recorder, r)

		elapsed := time.Since(startedAt)
		routePath := chi.RouteContext(r.Context()).RoutePattern()
		if routePath == "" {
			routePath = r.URL.Path
		}
		status := strconv.Itoa(recorder.Status())

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, routePath, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, routePath).Observe(elapsed.Seconds())
		a.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("status", status),
			zap.Duration("elapsed", elapsed))
	})
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrNoOpenShift):
		a.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrInvalidSale):
		a.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrShiftAlreadyOpen), errors.Is(err, store.ErrDuplicateSerial):
		a.writeError(w, http.StatusConflict, err)
	default:
		a.writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic so internal details (SQL errors, file paths)
	// never reach the client.
	msg := err.Error()
	if status >= 500 {
		a.log.Error("internal error", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}
