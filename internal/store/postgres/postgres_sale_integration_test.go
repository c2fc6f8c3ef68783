package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
)

func TestCreateSaleConsumesBatchesOldestFirst(t *testing.T) {
	databaseURL := os.Getenv("TOKOPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TOKOPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	item, err := s.CreateItem(ctx, domain.Item{
		Kind:      domain.ItemKindProduct,
		Name:      fmt.Sprintf("Es Teh IT %d", stamp),
		Unit:      "cup",
		SellPrice: decimal.NewFromInt(8000),
		BuyPrice:  decimal.NewFromInt(2500),
		Active:    true,
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE item_id = $1`, item.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_batches WHERE owner_id = $1`, item.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, item.ID)
	})

	owner := domain.ProductRef(item.ID)
	older, err := s.CreateStockBatch(ctx, domain.StockBatch{
		Owner:      owner,
		QtyIn:      decimal.NewFromInt(5),
		BuyPrice:   decimal.NewFromInt(2000),
		ReceivedAt: time.Now().UTC().Add(-2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("receive older batch: %v", err)
	}
	if _, err := s.CreateStockBatch(ctx, domain.StockBatch{
		Owner:      owner,
		QtyIn:      decimal.NewFromInt(5),
		BuyPrice:   decimal.NewFromInt(3000),
		ReceivedAt: time.Now().UTC().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("receive newer batch: %v", err)
	}

	sale, err := s.CreateSale(ctx, domain.Sale{
		Cashier:       "kasir-it",
		PaymentMethod: domain.PaymentMethodCash,
		PaymentStatus: domain.PaymentStatusPaid,
		Lines: []domain.SaleLine{
			{
				ItemID:     item.ID,
				ItemKind:   domain.ItemKindProduct,
				Qty:        decimal.NewFromInt(7),
				UnitFactor: decimal.NewFromInt(1),
			},
		},
	}, domain.CostMethodFIFO)
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM profits WHERE sale_id = $1`, sale.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE sale_id = $1`, sale.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, sale.ID)
	})

	// 5 * 2000 from the older batch plus 2 * 3000 from the newer one.
	wantCost := decimal.NewFromInt(16000)
	if !sale.Lines[0].CostTotal.Equal(wantCost) {
		t.Fatalf("expected cost total %s, got %s", wantCost, sale.Lines[0].CostTotal)
	}

	var remaining decimal.Decimal
	if err := s.db.QueryRowContext(ctx, `
		SELECT qty_remaining
		FROM stock_batches
		WHERE id = $1
	`, older.ID).Scan(&remaining); err != nil {
		t.Fatalf("query older batch: %v", err)
	}
	if !remaining.IsZero() {
		t.Fatalf("expected older batch exhausted, got %s remaining", remaining)
	}

	profit, err := s.GetProfit(ctx, sale.ID)
	if err != nil {
		t.Fatalf("get profit: %v", err)
	}
	// 7 * 8000 revenue minus 16000 cost.
	if !profit.Total.Equal(decimal.NewFromInt(40000)) {
		t.Fatalf("expected profit 40000, got %s", profit.Total)
	}
}
