package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidSale      = errors.New("invalid sale")
	ErrShiftAlreadyOpen = errors.New("shift already open")
	ErrNoOpenShift      = errors.New("no open shift")
	ErrDuplicateSerial  = errors.New("duplicate serial number")
)

// Repository is the persistence boundary. The memory implementation backs
// tests and demos; the postgres implementation is the production store. Both
// run the same costing planner inside their atomic regions, so batch
// consumption and COGS assignment behave identically.
type Repository interface {
	ListItems(ctx context.Context, kind domain.ItemKind, activeOnly bool) ([]domain.Item, error)
	CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error)
	GetItem(ctx context.Context, ref domain.ItemRef) (*domain.Item, error)
	UpdateItem(ctx context.Context, item domain.Item) (*domain.Item, error)
	SetItemStock(ctx context.Context, ref domain.ItemRef, qty decimal.Decimal) error

	CreateStockBatch(ctx context.Context, batch domain.StockBatch) (*domain.StockBatch, error)
	ListStockBatches(ctx context.Context, owner domain.ItemRef, includeExhausted bool, limit int) ([]domain.StockBatch, error)

	// CreateSale atomically consumes stock batches per the costing method,
	// assigns each line's cost basis, decrements aggregate stock, links the
	// cashier's open shift if any, and records the derived profit row.
	CreateSale(ctx context.Context, sale domain.Sale, method domain.CostMethod) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, from, to time.Time, limit int) ([]domain.Sale, error)
	GetProfit(ctx context.Context, saleID string) (*domain.Profit, error)

	// RepairMissingCosts backfills buy_price on sale lines still at zero and
	// refreshes the profit rows of the affected sales. Profit rows are
	// updated, never inserted. The job is idempotent: a second run finds
	// nothing left to fix.
	RepairMissingCosts(ctx context.Context) (domain.RepairResult, error)

	OpenShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)
	GetOpenShift(ctx context.Context, userID string) (*domain.Shift, error)
	CloseShift(ctx context.Context, userID string, totalCashActual decimal.Decimal, closedAt time.Time) (*domain.ShiftSummary, error)

	GetDailyReport(ctx context.Context, from, to time.Time) (domain.DailyReport, error)
	GetProfitReport(ctx context.Context, from, to time.Time) (domain.ProfitReport, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from, to time.Time, limit int) ([]domain.AuditLog, error)
}
