package costing

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// two batches of 5 units each, the older at 10, the newer at 20
func twoBatches() []Batch {
	t0 := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	return []Batch{
		{ID: "bat_a", QtyRemaining: d("5"), BuyPrice: d("10"), ReceivedAt: t0},
		{ID: "bat_b", QtyRemaining: d("5"), BuyPrice: d("20"), ReceivedAt: t0.Add(24 * time.Hour)},
	}
}

func TestComputeFIFO(t *testing.T) {
	plan, err := Compute(twoBatches(), d("7"), domain.CostMethodFIFO, "", d("99"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !plan.TotalCost.Equal(d("90")) {
		t.Fatalf("expected cost 90, got %s", plan.TotalCost)
	}
	if len(plan.Takes) != 2 {
		t.Fatalf("expected 2 takes, got %d", len(plan.Takes))
	}
	if plan.Takes[0].BatchID != "bat_a" || !plan.Takes[0].Qty.Equal(d("5")) {
		t.Fatalf("unexpected first take: %+v", plan.Takes[0])
	}
	if plan.Takes[1].BatchID != "bat_b" || !plan.Takes[1].Qty.Equal(d("2")) {
		t.Fatalf("unexpected second take: %+v", plan.Takes[1])
	}
	if plan.ShortQty.Sign() != 0 || plan.FallbackUsed {
		t.Fatalf("expected full coverage without fallback, got %+v", plan)
	}
}

func TestComputeLIFO(t *testing.T) {
	plan, err := Compute(twoBatches(), d("7"), domain.CostMethodLIFO, "", d("99"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !plan.TotalCost.Equal(d("120")) {
		t.Fatalf("expected cost 120, got %s", plan.TotalCost)
	}
	if plan.Takes[0].BatchID != "bat_b" || !plan.Takes[0].Qty.Equal(d("5")) {
		t.Fatalf("unexpected first take: %+v", plan.Takes[0])
	}
	if plan.Takes[1].BatchID != "bat_a" || !plan.Takes[1].Qty.Equal(d("2")) {
		t.Fatalf("unexpected second take: %+v", plan.Takes[1])
	}
}

func TestComputeAverage(t *testing.T) {
	plan, err := Compute(twoBatches(), d("7"), domain.CostMethodAverage, "", d("99"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	// weighted average is (5*10+5*20)/10 = 15, so 7 units cost 105
	if !plan.TotalCost.Equal(d("105")) {
		t.Fatalf("expected cost 105, got %s", plan.TotalCost)
	}
	// depletion walks oldest first even though valuation is averaged
	if plan.Takes[0].BatchID != "bat_a" || !plan.Takes[0].Qty.Equal(d("5")) {
		t.Fatalf("unexpected first take: %+v", plan.Takes[0])
	}
	if plan.Takes[1].BatchID != "bat_b" || !plan.Takes[1].Qty.Equal(d("2")) {
		t.Fatalf("unexpected second take: %+v", plan.Takes[1])
	}
}

func TestComputeSpecific(t *testing.T) {
	batches := twoBatches()
	batches[1].SerialNumber = "SN-42"

	plan, err := Compute(batches, d("3"), domain.CostMethodSpecific, "SN-42", d("99"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !plan.TotalCost.Equal(d("60")) {
		t.Fatalf("expected cost 60, got %s", plan.TotalCost)
	}
	if len(plan.Takes) != 1 || plan.Takes[0].BatchID != "bat_b" || !plan.Takes[0].Qty.Equal(d("3")) {
		t.Fatalf("unexpected takes: %+v", plan.Takes)
	}
	if plan.FallbackUsed {
		t.Fatalf("did not expect fallback")
	}
}

func TestComputeSpecificSerialNotFound(t *testing.T) {
	plan, err := Compute(twoBatches(), d("3"), domain.CostMethodSpecific, "SN-missing", d("8"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !plan.TotalCost.Equal(d("24")) {
		t.Fatalf("expected static fallback cost 24, got %s", plan.TotalCost)
	}
	if len(plan.Takes) != 0 {
		t.Fatalf("fallback must not touch batches, got %+v", plan.Takes)
	}
	if !plan.FallbackUsed {
		t.Fatalf("expected fallback flag")
	}
}

func TestComputeSpecificClampsToRemaining(t *testing.T) {
	batches := []Batch{
		{ID: "bat_sn", QtyRemaining: d("4"), BuyPrice: d("10"), SerialNumber: "SN-1", ReceivedAt: time.Now()},
	}
	plan, err := Compute(batches, d("10"), domain.CostMethodSpecific, "SN-1", d("99"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	// cost covers the full sold quantity at the batch price
	if !plan.TotalCost.Equal(d("100")) {
		t.Fatalf("expected cost 100, got %s", plan.TotalCost)
	}
	// physical take never exceeds what the batch holds
	if !plan.Takes[0].Qty.Equal(d("4")) {
		t.Fatalf("expected clamped take 4, got %s", plan.Takes[0].Qty)
	}
	if !plan.ShortQty.Equal(d("6")) {
		t.Fatalf("expected short qty 6, got %s", plan.ShortQty)
	}
}

func TestComputeSpecificExhaustedBatchKeepsItsPrice(t *testing.T) {
	batches := []Batch{
		{ID: "bat_empty", QtyRemaining: d("0"), BuyPrice: d("10"), SerialNumber: "SN-1", ReceivedAt: time.Now()},
	}
	plan, err := Compute(batches, d("2"), domain.CostMethodSpecific, "SN-1", d("99"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	// the lot is gone but the serial still identifies its price
	if !plan.TotalCost.Equal(d("20")) {
		t.Fatalf("expected cost 20, got %s", plan.TotalCost)
	}
	if len(plan.Takes) != 0 {
		t.Fatalf("empty batch must yield no takes, got %+v", plan.Takes)
	}
	if !plan.ShortQty.Equal(d("2")) {
		t.Fatalf("expected short qty 2, got %s", plan.ShortQty)
	}
	if plan.FallbackUsed {
		t.Fatalf("a resolved serial is not a fallback")
	}
}

func TestComputeExactDepletion(t *testing.T) {
	plan, err := Compute(twoBatches(), d("10"), domain.CostMethodFIFO, "", d("99"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !plan.TotalCost.Equal(d("150")) {
		t.Fatalf("expected cost 150, got %s", plan.TotalCost)
	}
	if plan.ShortQty.Sign() != 0 {
		t.Fatalf("expected zero short qty, got %s", plan.ShortQty)
	}
	var taken decimal.Decimal
	for _, tk := range plan.Takes {
		taken = taken.Add(tk.Qty)
	}
	if !taken.Equal(d("10")) {
		t.Fatalf("takes must conserve stock, got %s", taken)
	}
}

func TestComputeShortfallCostsNothingExtra(t *testing.T) {
	plan, err := Compute(twoBatches(), d("12"), domain.CostMethodFIFO, "", d("99"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	// 10 units exist; the 2 missing units contribute zero cost
	if !plan.TotalCost.Equal(d("150")) {
		t.Fatalf("expected cost 150, got %s", plan.TotalCost)
	}
	if !plan.ShortQty.Equal(d("2")) {
		t.Fatalf("expected short qty 2, got %s", plan.ShortQty)
	}
	if plan.FallbackUsed {
		t.Fatalf("partial coverage is not a fallback")
	}
}

func TestComputeNoBatchesFallsBack(t *testing.T) {
	for _, method := range []domain.CostMethod{domain.CostMethodFIFO, domain.CostMethodLIFO, domain.CostMethodAverage} {
		plan, err := Compute(nil, d("3"), method, "", d("7"))
		if err != nil {
			t.Fatalf("%s: compute: %v", method, err)
		}
		if !plan.TotalCost.Equal(d("21")) {
			t.Fatalf("%s: expected fallback cost 21, got %s", method, plan.TotalCost)
		}
		if !plan.FallbackUsed || len(plan.Takes) != 0 {
			t.Fatalf("%s: expected pure fallback, got %+v", method, plan)
		}
	}
}

func TestComputeDefaultAndUnknownMethods(t *testing.T) {
	for _, method := range []domain.CostMethod{domain.CostMethodDefault, domain.CostMethod("hifo")} {
		plan, err := Compute(twoBatches(), d("4"), method, "", d("12.5"))
		if err != nil {
			t.Fatalf("%s: compute: %v", method, err)
		}
		if !plan.TotalCost.Equal(d("50")) {
			t.Fatalf("%s: expected cost 50, got %s", method, plan.TotalCost)
		}
		if len(plan.Takes) != 0 {
			t.Fatalf("%s: static costing must not touch batches", method)
		}
	}
}

func TestComputeFractionalQty(t *testing.T) {
	batches := []Batch{
		{ID: "bat_kg", QtyRemaining: d("2"), BuyPrice: d("30000"), ReceivedAt: time.Now()},
	}
	plan, err := Compute(batches, d("0.5"), domain.CostMethodFIFO, "", d("0"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !plan.TotalCost.Equal(d("15000")) {
		t.Fatalf("expected cost 15000, got %s", plan.TotalCost)
	}
	if !plan.Takes[0].Qty.Equal(d("0.5")) {
		t.Fatalf("expected take 0.5, got %s", plan.Takes[0].Qty)
	}
}

func TestComputeTieBreakKeepsCreationOrder(t *testing.T) {
	ts := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	batches := []Batch{
		{ID: "bat_first", QtyRemaining: d("1"), BuyPrice: d("10"), ReceivedAt: ts},
		{ID: "bat_second", QtyRemaining: d("1"), BuyPrice: d("20"), ReceivedAt: ts},
	}
	plan, err := Compute(batches, d("1"), domain.CostMethodFIFO, "", d("0"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if plan.Takes[0].BatchID != "bat_first" {
		t.Fatalf("equal timestamps must keep creation order, got %+v", plan.Takes)
	}
}

func TestComputeRejectsNonPositiveQty(t *testing.T) {
	for _, qty := range []string{"0", "-1"} {
		if _, err := Compute(twoBatches(), d(qty), domain.CostMethodFIFO, "", d("10")); !errors.Is(err, ErrNonPositiveQty) {
			t.Fatalf("qty %s: expected ErrNonPositiveQty, got %v", qty, err)
		}
	}
}

func TestSaleProfit(t *testing.T) {
	lines := []domain.SaleLine{
		{Price: d("50000"), BuyPrice: d("10000"), CostTotal: d("30000"), Qty: d("3")},
		{Price: d("20000"), Qty: d("2")},
	}
	if got := SaleProfit(lines); !got.Equal(d("40000")) {
		t.Fatalf("expected profit 40000, got %s", got)
	}
}
