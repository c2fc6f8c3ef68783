package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ItemKind distinguishes sellable products from recipe ingredients. A stock
// batch belongs to exactly one item of exactly one kind.
type ItemKind string

const (
	ItemKindProduct    ItemKind = "product"
	ItemKindIngredient ItemKind = "ingredient"
)

// ItemRef identifies the owner of a stock batch. Modelling the owner as a
// kind+id pair rules out the both-set and both-null states a pair of nullable
// foreign keys would allow.
type ItemRef struct {
	Kind ItemKind `json:"kind"`
	ID   string   `json:"id"`
}

func ProductRef(id string) ItemRef    { return ItemRef{Kind: ItemKindProduct, ID: id} }
func IngredientRef(id string) ItemRef { return ItemRef{Kind: ItemKindIngredient, ID: id} }

// Item is a product or ingredient in the catalog. BuyPrice is the static
// fallback cost used when no batch can answer a cost lookup; CostPrice is the
// recipe/production cost preferred by the cost repair job when set.
type Item struct {
	ID        string          `json:"id"`
	Kind      ItemKind        `json:"kind"`
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	SellPrice decimal.Decimal `json:"sell_price"`
	BuyPrice  decimal.Decimal `json:"buy_price"`
	CostPrice decimal.Decimal `json:"cost_price"`
	Stock     decimal.Decimal `json:"stock"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

type ItemCreateRequest struct {
	Kind      ItemKind        `json:"kind"`
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	SellPrice decimal.Decimal `json:"sell_price"`
	BuyPrice  decimal.Decimal `json:"buy_price"`
	CostPrice decimal.Decimal `json:"cost_price"`
}

type ItemUpdateRequest struct {
	Name      *string          `json:"name,omitempty"`
	Unit      *string          `json:"unit,omitempty"`
	SellPrice *decimal.Decimal `json:"sell_price,omitempty"`
	BuyPrice  *decimal.Decimal `json:"buy_price,omitempty"`
	CostPrice *decimal.Decimal `json:"cost_price,omitempty"`
	Active    *bool            `json:"active,omitempty"`
}

type ItemListResponse struct {
	Items []Item `json:"items"`
}

// StockBatch is one inbound lot of stock carrying its own acquisition price.
// QtyRemaining is the only field that changes after creation and it only ever
// decreases; it never goes below zero. Exhausted batches are kept for the
// audit trail but excluded from consumption.
type StockBatch struct {
	ID           string          `json:"id"`
	Owner        ItemRef         `json:"owner"`
	QtyIn        decimal.Decimal `json:"qty_in"`
	QtyRemaining decimal.Decimal `json:"qty_remaining"`
	BuyPrice     decimal.Decimal `json:"buy_price"`
	SerialNumber string          `json:"serial_number,omitempty"`
	ReceivedAt   time.Time       `json:"received_at"`
}

type StockBatchReceiveRequest struct {
	Owner        ItemRef         `json:"owner"`
	Qty          decimal.Decimal `json:"qty"`
	BuyPrice     decimal.Decimal `json:"buy_price"`
	SerialNumber string          `json:"serial_number,omitempty"`
}

type StockBatchListResponse struct {
	Batches []StockBatch `json:"batches"`
}

// CostMethod selects the batch consumption and costing policy for a sale.
type CostMethod string

const (
	CostMethodFIFO     CostMethod = "fifo"
	CostMethodLIFO     CostMethod = "lifo"
	CostMethodSpecific CostMethod = "specific"
	CostMethodAverage  CostMethod = "average"
	CostMethodDefault  CostMethod = "default"
)

// KnownCostMethod reports whether m is a recognised policy. Unrecognised
// methods behave like CostMethodDefault, so this is advisory only.
func KnownCostMethod(m CostMethod) bool {
	switch m {
	case CostMethodFIFO, CostMethodLIFO, CostMethodSpecific, CostMethodAverage, CostMethodDefault:
		return true
	}
	return false
}

const (
	PaymentMethodCash     = "cash"
	PaymentMethodQRIS     = "qris"
	PaymentMethodCard     = "card"
	PaymentMethodTransfer = "transfer"
)

const (
	PaymentStatusPaid    = "paid"
	PaymentStatusPending = "pending"
)

// SaleLine is one detail row of a sale. Price is the total revenue for the
// line. CostTotal is the exact cost the costing engine charged the line;
// BuyPrice is the derived unit cost basis kept for display and for the
// uncosted-line scan (both zero on legacy rows until the repair job backfills
// them). UnitFactor converts the sold unit into the base stock unit.
type SaleLine struct {
	ItemID        string          `json:"item_id"`
	ItemKind      ItemKind        `json:"item_kind"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	CostTotal     decimal.Decimal `json:"cost_total"`
	UnitFactor    decimal.Decimal `json:"unit_factor"`
	ScannedSerial string          `json:"scanned_serial,omitempty"`
	ShortQty      decimal.Decimal `json:"short_qty"`
	FallbackUsed  bool            `json:"fallback_used,omitempty"`
}

// Sale is a finalized transaction header with its detail lines.
type Sale struct {
	ID            string          `json:"id"`
	Cashier       string          `json:"cashier"`
	ShiftID       string          `json:"shift_id,omitempty"`
	PaymentMethod string          `json:"payment_method"`
	PaymentStatus string          `json:"payment_status"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
	CreatedAt     time.Time       `json:"created_at"`
	Lines         []SaleLine      `json:"lines"`
}

// Profit is the cached per-sale margin: sum of price - cost_total over the
// sale's lines. It is a denormalization; recomputation from the lines is the
// source of truth.
type Profit struct {
	SaleID    string          `json:"sale_id"`
	Total     decimal.Decimal `json:"total"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type SaleLineRequest struct {
	ItemID        string          `json:"item_id"`
	Qty           decimal.Decimal `json:"qty"`
	UnitFactor    decimal.Decimal `json:"unit_factor,omitempty"`
	ScannedSerial string          `json:"scanned_serial,omitempty"`
}

type SaleRequest struct {
	Cashier       string            `json:"cashier"`
	PaymentMethod string            `json:"payment_method"`
	PaymentStatus string            `json:"payment_status"`
	Lines         []SaleLineRequest `json:"lines"`
}

type SaleResponse struct {
	Sale      Sale            `json:"sale"`
	CostTotal decimal.Decimal `json:"cost_total"`
	Profit    decimal.Decimal `json:"profit"`
}

type SaleListResponse struct {
	Sales []Sale `json:"sales"`
}

// RepairResult summarises one run of the missing-cost repair job.
type RepairResult struct {
	LinesExamined    int `json:"lines_examined"`
	LinesFixed       int `json:"lines_fixed"`
	LinesSkipped     int `json:"lines_skipped"`
	ProfitsRefreshed int `json:"profits_refreshed"`
}

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"
)

// Shift is a cashier session. The expected/actual/difference fields are
// populated once on close; the transition to closed is terminal.
type Shift struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	StartingCash      decimal.Decimal `json:"starting_cash"`
	Status            string          `json:"status"`
	OpenedAt          time.Time       `json:"opened_at"`
	TotalCashExpected decimal.Decimal `json:"total_cash_expected"`
	TotalCashActual   decimal.Decimal `json:"total_cash_actual"`
	Difference        decimal.Decimal `json:"difference"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
}

type ShiftOpenRequest struct {
	UserID       string          `json:"user_id"`
	StartingCash decimal.Decimal `json:"starting_cash"`
}

type ShiftCloseRequest struct {
	UserID          string          `json:"user_id"`
	TotalCashActual decimal.Decimal `json:"total_cash_actual"`
}

// ShiftSummary is the close/report view: the shift plus per-method payment
// totals. Non-cash totals are display only and never feed the cash
// difference.
type ShiftSummary struct {
	Shift         Shift                      `json:"shift"`
	PaymentTotals map[string]decimal.Decimal `json:"payment_totals"`
}

type StockOpnameItem struct {
	ItemID     string          `json:"item_id"`
	CountedQty decimal.Decimal `json:"counted_qty"`
}

type StockOpnameRequest struct {
	Notes string            `json:"notes"`
	Items []StockOpnameItem `json:"items"`
}

type StockOpnameAdjustment struct {
	ItemID     string          `json:"item_id"`
	SystemQty  decimal.Decimal `json:"system_qty"`
	CountedQty decimal.Decimal `json:"counted_qty"`
	DeltaQty   decimal.Decimal `json:"delta_qty"`
}

type StockOpnameResponse struct {
	OpnameID    string                  `json:"opname_id"`
	Notes       string                  `json:"notes"`
	Adjustments []StockOpnameAdjustment `json:"adjustments"`
	CreatedAt   string                  `json:"created_at"`
}

type DailyReportPayment struct {
	PaymentMethod string          `json:"payment_method"`
	Transactions  int64           `json:"transactions"`
	Total         decimal.Decimal `json:"total"`
}

type DailyReport struct {
	Date         string               `json:"date"`
	Transactions int64                `json:"transactions"`
	GrossSales   decimal.Decimal      `json:"gross_sales"`
	ByPayment    []DailyReportPayment `json:"by_payment"`
}

type ProfitReport struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Revenue decimal.Decimal `json:"revenue"`
	Cost    decimal.Decimal `json:"cost"`
	Profit  decimal.Decimal `json:"profit"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}
