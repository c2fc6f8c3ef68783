package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"tokopos/backend/internal/cache"
	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/service"
	"tokopos/backend/internal/store/memory"
)

// newTestAPI builds the full API over an in-memory store so handler tests
// exercise the complete request path.
func newTestAPI(t *testing.T) http.Handler {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopReportCache{}, domain.CostMethodFIFO)
	return New(svc, "*").Handler()
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "kasir-a")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	handler := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestSaleEndpointFlow(t *testing.T) {
	handler := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/stock-batches", map[string]any{
		"owner":     map[string]string{"kind": "product", "id": "prd_esteh"},
		"qty":       "5",
		"buy_price": "2000",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for batch receive, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", map[string]any{
		"cashier":        "kasir-a",
		"payment_method": "cash",
		"lines": []map[string]any{
			{"item_id": "prd_esteh", "qty": "2"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for sale, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp domain.SaleResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode sale response: %v", err)
	}
	if resp.Sale.ID == "" {
		t.Fatalf("expected sale id in response")
	}
	if resp.CostTotal.String() != "4000" {
		t.Fatalf("expected cost total 4000, got %s", resp.CostTotal)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales/"+resp.Sale.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for sale lookup, got %d", rec.Code)
	}
}

func TestSaleEndpointRejectsBadPayment(t *testing.T) {
	handler := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", map[string]any{
		"cashier":        "kasir-a",
		"payment_method": "bitcoin",
		"lines": []map[string]any{
			{"item_id": "prd_esteh", "qty": "1"},
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestGetSaleNotFound(t *testing.T) {
	handler := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/sales/sale_missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestShiftEndpoints(t *testing.T) {
	handler := newTestAPI(t)

	openPayload := map[string]any{"user_id": "kasir-a", "starting_cash": "100000"}
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/shifts/open", openPayload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for shift open, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/shifts/open", openPayload)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for double open, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/shifts/current?user_id=kasir-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for current shift, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/shifts/close", map[string]any{
		"user_id":           "kasir-a",
		"total_cash_actual": "100000",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for shift close, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var summary domain.ShiftSummary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("decode close summary: %v", err)
	}
	if !summary.Shift.Difference.IsZero() {
		t.Fatalf("expected zero difference, got %s", summary.Shift.Difference)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/shifts/current?user_id=kasir-a", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after close, got %d", rec.Code)
	}
}

func TestRepairCostsEndpoint(t *testing.T) {
	handler := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/maintenance/repair-costs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var result domain.RepairResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode repair result: %v", err)
	}
	if result.LinesFixed != 0 {
		t.Fatalf("expected nothing to fix on a fresh store, got %d", result.LinesFixed)
	}
}

func TestItemEndpoints(t *testing.T) {
	handler := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/items", map[string]any{
		"kind":       "product",
		"name":       "Teh Tarik",
		"unit":       "cup",
		"sell_price": "12000",
		"buy_price":  "4000",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for item create, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var created struct {
		Item domain.Item `json:"item"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode created item: %v", err)
	}

	rec = doJSON(t, handler, http.MethodPatch, "/api/v1/items/product/"+created.Item.ID, map[string]any{
		"sell_price": "13000",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for item update, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/items?kind=produk", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind filter, got %d", rec.Code)
	}
}

func TestDuplicateSerialConflict(t *testing.T) {
	handler := newTestAPI(t)

	payload := map[string]any{
		"owner":         map[string]string{"kind": "product", "id": "prd_roti"},
		"qty":           "1",
		"buy_price":     "6000",
		"serial_number": "SN-ROTI-001",
	}
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/stock-batches", payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for first batch, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/stock-batches", payload)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate serial, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}
