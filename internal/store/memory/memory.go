package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/costing"
	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	items           map[string]domain.Item
	batchesByOwner  map[string][]domain.StockBatch
	salesByID       map[string]*domain.Sale
	profitsBySale   map[string]domain.Profit
	shiftsByID      map[string]domain.Shift
	openShiftByUser map[string]string
	auditLogs       []domain.AuditLog
}

func New() *Store {
	return &Store{
		items:           make(map[string]domain.Item),
		batchesByOwner:  make(map[string][]domain.StockBatch),
		salesByID:       make(map[string]*domain.Sale),
		profitsBySale:   make(map[string]domain.Profit),
		shiftsByID:      make(map[string]domain.Shift),
		openShiftByUser: make(map[string]string),
		auditLogs:       make([]domain.AuditLog, 0, 128),
	}
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	items := []domain.Item{
		{ID: "prd_kopisusu", Kind: domain.ItemKindProduct, Name: "Kopi Susu Gula Aren", Unit: "cup", SellPrice: dec("18000"), BuyPrice: dec("7000"), Active: true},
		{ID: "prd_esteh", Kind: domain.ItemKindProduct, Name: "Es Teh Manis", Unit: "cup", SellPrice: dec("8000"), BuyPrice: dec("2500"), Active: true},
		{ID: "prd_roti", Kind: domain.ItemKindProduct, Name: "Roti Bakar Coklat", Unit: "pcs", SellPrice: dec("15000"), BuyPrice: dec("6000"), CostPrice: dec("6500"), Active: true},
		{ID: "prd_airmineral", Kind: domain.ItemKindProduct, Name: "Air Mineral 600ml", Unit: "botol", SellPrice: dec("5000"), BuyPrice: dec("3000"), Active: true},
		{ID: "ing_bijikopi", Kind: domain.ItemKindIngredient, Name: "Biji Kopi Robusta", Unit: "kg", BuyPrice: dec("90000"), Active: true},
		{ID: "ing_susu", Kind: domain.ItemKindIngredient, Name: "Susu UHT Full Cream", Unit: "liter", BuyPrice: dec("17000"), Active: true},
		{ID: "ing_gulaaren", Kind: domain.ItemKindIngredient, Name: "Gula Aren Cair", Unit: "liter", BuyPrice: dec("35000"), Active: true},
	}
	for _, it := range items {
		it.Stock = dec("50")
		it.CreatedAt = now
		s.items[itemKey(domain.ItemRef{Kind: it.Kind, ID: it.ID})] = it
	}
	return s
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func itemKey(ref domain.ItemRef) string {
	return string(ref.Kind) + "::" + ref.ID
}

func (s *Store) ListItems(_ context.Context, kind domain.ItemKind, activeOnly bool) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Item, 0, len(s.items))
	for _, it := range s.items {
		if kind != "" && it.Kind != kind {
			continue
		}
		if activeOnly && !it.Active {
			continue
		}
		items = append(items, it)
	}

	slices.SortFunc(items, func(a, b domain.Item) int {
		if a.Kind == b.Kind {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(string(a.Kind), string(b.Kind))
	})

	return items, nil
}

func (s *Store) CreateItem(_ context.Context, item domain.Item) (*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.Name == "" || (item.Kind != domain.ItemKindProduct && item.Kind != domain.ItemKindIngredient) {
		return nil, store.ErrInvalidSale
	}
	if item.SellPrice.Sign() < 0 || item.BuyPrice.Sign() < 0 || item.CostPrice.Sign() < 0 {
		return nil, store.ErrInvalidSale
	}
	if item.ID == "" {
		item.ID = xid.New(idPrefix(item.Kind))
	}
	key := itemKey(domain.ItemRef{Kind: item.Kind, ID: item.ID})
	if _, exists := s.items[key]; exists {
		return nil, store.ErrInvalidSale
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	item.Active = true

	s.items[key] = item
	created := item
	return &created, nil
}

func (s *Store) GetItem(_ context.Context, ref domain.ItemRef) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.items[itemKey(ref)]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyItem := item
	return &copyItem, nil
}

func (s *Store) UpdateItem(_ context.Context, item domain.Item) (*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.Name == "" || item.SellPrice.Sign() < 0 || item.BuyPrice.Sign() < 0 || item.CostPrice.Sign() < 0 {
		return nil, store.ErrInvalidSale
	}
	key := itemKey(domain.ItemRef{Kind: item.Kind, ID: item.ID})
	if _, exists := s.items[key]; !exists {
		return nil, store.ErrNotFound
	}

	s.items[key] = item
	updated := item
	return &updated, nil
}

func (s *Store) SetItemStock(_ context.Context, ref domain.ItemRef, qty decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.items[itemKey(ref)]
	if !exists {
		return store.ErrNotFound
	}
	item.Stock = qty
	s.items[itemKey(ref)] = item
	return nil
}

func (s *Store) CreateStockBatch(_ context.Context, batch domain.StockBatch) (*domain.StockBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.QtyIn.Sign() <= 0 || batch.BuyPrice.Sign() < 0 {
		return nil, store.ErrInvalidSale
	}
	key := itemKey(batch.Owner)
	item, exists := s.items[key]
	if !exists {
		return nil, store.ErrNotFound
	}
	if batch.SerialNumber != "" {
		for _, b := range s.batchesByOwner[key] {
			if b.SerialNumber == batch.SerialNumber {
				return nil, store.ErrDuplicateSerial
			}
		}
	}

	if batch.ID == "" {
		batch.ID = xid.New("bat")
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}
	batch.QtyRemaining = batch.QtyIn

	s.batchesByOwner[key] = append(s.batchesByOwner[key], batch)
	item.Stock = item.Stock.Add(batch.QtyIn)
	s.items[key] = item

	created := batch
	return &created, nil
}

func (s *Store) ListStockBatches(_ context.Context, owner domain.ItemRef, includeExhausted bool, limit int) ([]domain.StockBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := make([]domain.StockBatch, 0, len(s.batchesByOwner[itemKey(owner)]))
	for _, b := range s.batchesByOwner[itemKey(owner)] {
		if !includeExhausted && b.QtyRemaining.Sign() <= 0 {
			continue
		}
		batches = append(batches, b)
		if limit > 0 && len(batches) == limit {
			break
		}
	}
	return batches, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, method domain.CostMethod) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.Cashier == "" || len(sale.Lines) == 0 {
		return nil, store.ErrInvalidSale
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.PaymentStatus == "" {
		sale.PaymentStatus = domain.PaymentStatusPaid
	}
	if shiftID, ok := s.openShiftByUser[sale.Cashier]; ok {
		sale.ShiftID = shiftID
	}

	grandTotal := decimal.Zero
	lines := make([]domain.SaleLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		if line.Qty.Sign() <= 0 {
			return nil, store.ErrInvalidSale
		}
		ref := domain.ItemRef{Kind: line.ItemKind, ID: line.ItemID}
		key := itemKey(ref)
		item, exists := s.items[key]
		if !exists || !item.Active {
			return nil, fmt.Errorf("item %s unavailable: %w", line.ItemID, store.ErrNotFound)
		}

		factor := line.UnitFactor
		if factor.Sign() <= 0 {
			factor = decimal.NewFromInt(1)
		}
		stockQty := line.Qty.Mul(factor)

		planBatches := make([]costing.Batch, 0, len(s.batchesByOwner[key]))
		for _, b := range s.batchesByOwner[key] {
			planBatches = append(planBatches, costing.Batch{
				ID:           b.ID,
				QtyRemaining: b.QtyRemaining,
				BuyPrice:     b.BuyPrice,
				SerialNumber: b.SerialNumber,
				ReceivedAt:   b.ReceivedAt,
			})
		}
		plan, err := costing.Compute(planBatches, stockQty, method, line.ScannedSerial, item.BuyPrice)
		if err != nil {
			return nil, store.ErrInvalidSale
		}

		for _, take := range plan.Takes {
			for i := range s.batchesByOwner[key] {
				if s.batchesByOwner[key][i].ID == take.BatchID {
					s.batchesByOwner[key][i].QtyRemaining = s.batchesByOwner[key][i].QtyRemaining.Sub(take.Qty)
					break
				}
			}
		}

		// aggregate stock drops by the sold quantity even when no batch
		// covered it
		item.Stock = item.Stock.Sub(stockQty)
		s.items[key] = item

		if line.Price.Sign() <= 0 {
			line.Price = item.SellPrice.Mul(line.Qty)
		}
		line.UnitFactor = factor
		line.CostTotal = plan.TotalCost.Round(2)
		line.BuyPrice = plan.TotalCost.Div(line.Qty).Round(2)
		line.ShortQty = plan.ShortQty
		line.FallbackUsed = plan.FallbackUsed
		grandTotal = grandTotal.Add(line.Price)
		lines = append(lines, line)
	}

	sale.Lines = lines
	sale.GrandTotal = grandTotal.Round(2)

	saleCopy := cloneSale(&sale)
	s.salesByID[sale.ID] = saleCopy
	s.profitsBySale[sale.ID] = domain.Profit{
		SaleID:    sale.ID,
		Total:     costing.SaleProfit(lines).Round(2),
		UpdatedAt: sale.CreatedAt,
	}

	return cloneSale(saleCopy), nil
}

func (s *Store) GetSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, from, to time.Time, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, 64)
	for _, sale := range s.salesByID {
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		sales = append(sales, *cloneSale(sale))
	}

	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) GetProfit(_ context.Context, saleID string) (*domain.Profit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profit, exists := s.profitsBySale[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProfit := profit
	return &copyProfit, nil
}

func (s *Store) RepairMissingCosts(_ context.Context) (domain.RepairResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result domain.RepairResult
	now := time.Now().UTC()

	for _, sale := range s.salesByID {
		fixed := false
		for i := range sale.Lines {
			line := &sale.Lines[i]
			if line.BuyPrice.Sign() != 0 {
				continue
			}
			result.LinesExamined++

			item, exists := s.items[itemKey(domain.ItemRef{Kind: line.ItemKind, ID: line.ItemID})]
			if !exists {
				result.LinesSkipped++
				continue
			}
			unitCost := costing.RepairUnitCost(item.CostPrice, item.BuyPrice)
			if unitCost.Sign() == 0 {
				result.LinesSkipped++
				continue
			}
			line.BuyPrice = unitCost.Round(2)
			line.CostTotal = unitCost.Mul(line.Qty).Round(2)
			result.LinesFixed++
			fixed = true
		}

		if !fixed {
			continue
		}
		// refresh the cached profit, but only if the row already exists
		profit, exists := s.profitsBySale[sale.ID]
		if !exists {
			continue
		}
		profit.Total = costing.SaleProfit(sale.Lines).Round(2)
		profit.UpdatedAt = now
		s.profitsBySale[sale.ID] = profit
		result.ProfitsRefreshed++
	}

	return result, nil
}

func (s *Store) OpenShift(_ context.Context, shift domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(shift.UserID) == "" {
		return nil, store.ErrInvalidSale
	}
	if shift.StartingCash.Sign() < 0 {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.openShiftByUser[shift.UserID]; exists {
		return nil, store.ErrShiftAlreadyOpen
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusOpen
	shift.ClosedAt = nil
	shift.TotalCashExpected = decimal.Zero
	shift.TotalCashActual = decimal.Zero
	shift.Difference = decimal.Zero

	s.shiftsByID[shift.ID] = shift
	s.openShiftByUser[shift.UserID] = shift.ID
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) GetOpenShift(_ context.Context, userID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shiftID, exists := s.openShiftByUser[userID]
	if !exists {
		return nil, store.ErrNoOpenShift
	}
	shift, exists := s.shiftsByID[shiftID]
	if !exists || shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrNoOpenShift
	}
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) CloseShift(_ context.Context, userID string, totalCashActual decimal.Decimal, closedAt time.Time) (*domain.ShiftSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shiftID, exists := s.openShiftByUser[userID]
	if !exists {
		return nil, store.ErrNoOpenShift
	}
	shift, exists := s.shiftsByID[shiftID]
	if !exists || shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrNoOpenShift
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	cashSales := decimal.Zero
	paymentTotals := make(map[string]decimal.Decimal)
	for _, sale := range s.salesByID {
		if sale.ShiftID != shift.ID || sale.PaymentStatus != domain.PaymentStatusPaid {
			continue
		}
		paymentTotals[sale.PaymentMethod] = paymentTotals[sale.PaymentMethod].Add(sale.GrandTotal)
		if sale.PaymentMethod == domain.PaymentMethodCash {
			cashSales = cashSales.Add(sale.GrandTotal)
		}
	}

	shift.Status = domain.ShiftStatusClosed
	shift.TotalCashExpected = shift.StartingCash.Add(cashSales).Round(2)
	shift.TotalCashActual = totalCashActual.Round(2)
	shift.Difference = shift.TotalCashActual.Sub(shift.TotalCashExpected)
	shift.ClosedAt = &closedAt

	delete(s.openShiftByUser, userID)
	s.shiftsByID[shiftID] = shift

	return &domain.ShiftSummary{Shift: shift, PaymentTotals: paymentTotals}, nil
}

func (s *Store) GetDailyReport(_ context.Context, from, to time.Time) (domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.DailyReport{
		Date:      from.Format("2006-01-02"),
		ByPayment: make([]domain.DailyReportPayment, 0, 4),
	}
	byPayment := map[string]*domain.DailyReportPayment{}

	for _, sale := range s.salesByID {
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		report.Transactions++
		report.GrossSales = report.GrossSales.Add(sale.GrandTotal)

		payment := byPayment[sale.PaymentMethod]
		if payment == nil {
			payment = &domain.DailyReportPayment{PaymentMethod: sale.PaymentMethod}
			byPayment[sale.PaymentMethod] = payment
		}
		payment.Transactions++
		payment.Total = payment.Total.Add(sale.GrandTotal)
	}

	for _, entry := range byPayment {
		report.ByPayment = append(report.ByPayment, *entry)
	}
	slices.SortFunc(report.ByPayment, func(a, b domain.DailyReportPayment) int {
		return cmpString(a.PaymentMethod, b.PaymentMethod)
	})

	return report, nil
}

func (s *Store) GetProfitReport(_ context.Context, from, to time.Time) (domain.ProfitReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.ProfitReport{
		From: from.Format("2006-01-02"),
		To:   to.Format("2006-01-02"),
	}
	for _, sale := range s.salesByID {
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		report.Revenue = report.Revenue.Add(sale.GrandTotal)
		for _, line := range sale.Lines {
			report.Cost = report.Cost.Add(line.CostTotal)
		}
	}
	report.Profit = report.Revenue.Sub(report.Cost)
	return report, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func idPrefix(kind domain.ItemKind) string {
	if kind == domain.ItemKindIngredient {
		return "ing"
	}
	return "prd"
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	dupLines := make([]domain.SaleLine, len(src.Lines))
	copy(dupLines, src.Lines)
	dup.Lines = dupLines
	return &dup
}
