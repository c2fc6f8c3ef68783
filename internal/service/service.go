package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tokopos/backend/internal/cache"
	"tokopos/backend/internal/costing"
	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/logger"
	"tokopos/backend/internal/metrics"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(string)
	return actor, ok && actor != ""
}

const reportCacheTTL = 5 * time.Minute

type Service struct {
	repo       store.Repository
	reports    cache.ReportCache
	costMethod domain.CostMethod
	log        *zap.Logger
}

func New(repo store.Repository, reports cache.ReportCache, costMethod domain.CostMethod) *Service {
	if reports == nil {
		reports = cache.NoopReportCache{}
	}
	method := domain.CostMethod(strings.ToLower(strings.TrimSpace(string(costMethod))))
	if method == "" {
		method = domain.CostMethodFIFO
	}

	s := &Service{
		repo:       repo,
		reports:    reports,
		costMethod: method,
		log:        logger.Get(),
	}
	if !domain.KnownCostMethod(method) {
		// unrecognised methods cost every line at the static item price
		s.log.Warn("unknown cost method, sales will use static-price costing",
			zap.String("cost_method", string(method)))
	}
	return s
}

func (s *Service) CostMethod() domain.CostMethod {
	return s.costMethod
}

func (s *Service) ListItems(ctx context.Context, kind string, activeOnly bool) (domain.ItemListResponse, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	switch domain.ItemKind(kind) {
	case "", domain.ItemKindProduct, domain.ItemKindIngredient:
	default:
		return domain.ItemListResponse{}, store.ErrInvalidSale
	}

	items, err := s.repo.ListItems(ctx, domain.ItemKind(kind), activeOnly)
	if err != nil {
		return domain.ItemListResponse{}, err
	}
	return domain.ItemListResponse{Items: items}, nil
}

func (s *Service) CreateItem(ctx context.Context, req domain.ItemCreateRequest) (domain.Item, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Unit = strings.TrimSpace(req.Unit)
	if req.Name == "" {
		return domain.Item{}, store.ErrInvalidSale
	}
	if req.Kind != domain.ItemKindProduct && req.Kind != domain.ItemKindIngredient {
		return domain.Item{}, store.ErrInvalidSale
	}
	if req.SellPrice.Sign() < 0 || req.BuyPrice.Sign() < 0 || req.CostPrice.Sign() < 0 {
		return domain.Item{}, store.ErrInvalidSale
	}
	if req.Unit == "" {
		req.Unit = "pcs"
	}

	created, err := s.repo.CreateItem(ctx, domain.Item{
		Kind:      req.Kind,
		Name:      req.Name,
		Unit:      req.Unit,
		SellPrice: req.SellPrice,
		BuyPrice:  req.BuyPrice,
		CostPrice: req.CostPrice,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Item{}, err
	}

	s.logAudit(ctx, "item_create", string(created.Kind), created.ID, fmt.Sprintf("name=%s,sell=%s,buy=%s", created.Name, created.SellPrice, created.BuyPrice))
	return *created, nil
}

func (s *Service) GetItem(ctx context.Context, kind string, id string) (domain.Item, error) {
	ref := domain.ItemRef{Kind: domain.ItemKind(strings.ToLower(strings.TrimSpace(kind))), ID: strings.TrimSpace(id)}
	if ref.ID == "" || (ref.Kind != domain.ItemKindProduct && ref.Kind != domain.ItemKindIngredient) {
		return domain.Item{}, store.ErrInvalidSale
	}
	item, err := s.repo.GetItem(ctx, ref)
	if err != nil {
		return domain.Item{}, err
	}
	return *item, nil
}

func (s *Service) UpdateItem(ctx context.Context, kind string, id string, req domain.ItemUpdateRequest) (domain.Item, error) {
	existing, err := s.GetItem(ctx, kind, id)
	if err != nil {
		return domain.Item{}, err
	}

	updated := existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Item{}, store.ErrInvalidSale
		}
		updated.Name = name
	}
	if req.Unit != nil {
		unit := strings.TrimSpace(*req.Unit)
		if unit == "" {
			return domain.Item{}, store.ErrInvalidSale
		}
		updated.Unit = unit
	}
	if req.SellPrice != nil {
		if req.SellPrice.Sign() < 0 {
			return domain.Item{}, store.ErrInvalidSale
		}
		updated.SellPrice = *req.SellPrice
	}
	if req.BuyPrice != nil {
		if req.BuyPrice.Sign() < 0 {
			return domain.Item{}, store.ErrInvalidSale
		}
		updated.BuyPrice = *req.BuyPrice
	}
	if req.CostPrice != nil {
		if req.CostPrice.Sign() < 0 {
			return domain.Item{}, store.ErrInvalidSale
		}
		updated.CostPrice = *req.CostPrice
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateItem(ctx, updated)
	if err != nil {
		return domain.Item{}, err
	}

	s.logAudit(ctx, "item_update", string(saved.Kind), saved.ID, fmt.Sprintf("active=%t,sell=%s,buy=%s,cost=%s", saved.Active, saved.SellPrice, saved.BuyPrice, saved.CostPrice))
	return *saved, nil
}

func (s *Service) ReceiveStockBatch(ctx context.Context, req domain.StockBatchReceiveRequest) (domain.StockBatch, error) {
	req.Owner.ID = strings.TrimSpace(req.Owner.ID)
	req.SerialNumber = strings.TrimSpace(req.SerialNumber)
	if req.Owner.ID == "" || req.Qty.Sign() <= 0 || req.BuyPrice.Sign() < 0 {
		return domain.StockBatch{}, store.ErrInvalidSale
	}

	owner := req.Owner
	if owner.Kind == "" {
		resolved, err := s.resolveItem(ctx, owner.ID)
		if err != nil {
			return domain.StockBatch{}, err
		}
		owner.Kind = resolved.Kind
	}

	created, err := s.repo.CreateStockBatch(ctx, domain.StockBatch{
		Owner:        owner,
		QtyIn:        req.Qty,
		BuyPrice:     req.BuyPrice,
		SerialNumber: req.SerialNumber,
		ReceivedAt:   time.Now().UTC(),
	})
	if err != nil {
		return domain.StockBatch{}, err
	}

	s.logAudit(ctx, "stock_batch_receive", "stock_batch", created.ID, fmt.Sprintf("owner=%s/%s,qty=%s,buy=%s", owner.Kind, owner.ID, created.QtyIn, created.BuyPrice))
	return *created, nil
}

func (s *Service) ListStockBatches(ctx context.Context, kind string, id string, includeExhausted bool, limit int) (domain.StockBatchListResponse, error) {
	item, err := s.GetItem(ctx, kind, id)
	if err != nil {
		return domain.StockBatchListResponse{}, err
	}

	batches, err := s.repo.ListStockBatches(ctx, domain.ItemRef{Kind: item.Kind, ID: item.ID}, includeExhausted, limit)
	if err != nil {
		return domain.StockBatchListResponse{}, err
	}
	return domain.StockBatchListResponse{Batches: batches}, nil
}

// CompleteSale finalizes a cart. Batch consumption, cost assignment, stock
// and shift linkage all happen inside the store's atomic region; this layer
// resolves items, applies the configured cost method, and reports on lines
// the costing engine could not fully cover.
func (s *Service) CompleteSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	req.Cashier = strings.TrimSpace(req.Cashier)
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	req.PaymentStatus = strings.ToLower(strings.TrimSpace(req.PaymentStatus))
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentMethodCash
	}
	if req.PaymentStatus == "" {
		req.PaymentStatus = domain.PaymentStatusPaid
	}
	if req.Cashier == "" || len(req.Lines) == 0 {
		return domain.SaleResponse{}, store.ErrInvalidSale
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.SaleResponse{}, store.ErrInvalidSale
	}
	if req.PaymentStatus != domain.PaymentStatusPaid && req.PaymentStatus != domain.PaymentStatusPending {
		return domain.SaleResponse{}, store.ErrInvalidSale
	}

	lines := make([]domain.SaleLine, 0, len(req.Lines))
	for _, lineReq := range req.Lines {
		lineReq.ItemID = strings.TrimSpace(lineReq.ItemID)
		lineReq.ScannedSerial = strings.TrimSpace(lineReq.ScannedSerial)
		if lineReq.ItemID == "" || lineReq.Qty.Sign() <= 0 {
			return domain.SaleResponse{}, store.ErrInvalidSale
		}
		// Specific-lot costing cannot work without a serial, so refuse the
		// sale up front instead of silently falling back to the static price.
		if s.costMethod == domain.CostMethodSpecific && lineReq.ScannedSerial == "" {
			return domain.SaleResponse{}, fmt.Errorf("item %s requires a scanned serial: %w", lineReq.ItemID, store.ErrInvalidSale)
		}
		item, err := s.resolveItem(ctx, lineReq.ItemID)
		if err != nil {
			return domain.SaleResponse{}, err
		}
		lines = append(lines, domain.SaleLine{
			ItemID:        item.ID,
			ItemKind:      item.Kind,
			Qty:           lineReq.Qty,
			UnitFactor:    lineReq.UnitFactor,
			ScannedSerial: lineReq.ScannedSerial,
		})
	}

	created, err := s.repo.CreateSale(ctx, domain.Sale{
		Cashier:       req.Cashier,
		PaymentMethod: req.PaymentMethod,
		PaymentStatus: req.PaymentStatus,
		CreatedAt:     time.Now().UTC(),
		Lines:         lines,
	}, s.costMethod)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	metrics.SalesCounter.WithLabelValues(created.PaymentMethod).Inc()
	costTotal := decimal.Zero
	for _, line := range created.Lines {
		costTotal = costTotal.Add(line.CostTotal)
		if line.FallbackUsed {
			metrics.FallbackCostedLines.Inc()
			s.log.Warn("sale line costed from static item price",
				zap.String("sale_id", created.ID),
				zap.String("item_id", line.ItemID),
				zap.String("qty", line.Qty.String()))
		}
		if line.ShortQty.Sign() > 0 {
			metrics.ShortLines.Inc()
			s.log.Warn("sale line exceeded available batch stock",
				zap.String("sale_id", created.ID),
				zap.String("item_id", line.ItemID),
				zap.String("short_qty", line.ShortQty.String()))
		}
	}

	s.logAudit(ctx, "sale_complete", "sale", created.ID, fmt.Sprintf("total=%s,payment=%s,lines=%d", created.GrandTotal, created.PaymentMethod, len(created.Lines)))

	return domain.SaleResponse{
		Sale:      *created,
		CostTotal: costTotal,
		Profit:    costing.SaleProfit(created.Lines).Round(2),
	}, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.SaleResponse, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.SaleResponse{}, store.ErrInvalidSale
	}
	sale, err := s.repo.GetSaleByID(ctx, id)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	costTotal := decimal.Zero
	for _, line := range sale.Lines {
		costTotal = costTotal.Add(line.CostTotal)
	}
	resp := domain.SaleResponse{Sale: *sale, CostTotal: costTotal}

	if profit, err := s.repo.GetProfit(ctx, sale.ID); err == nil {
		resp.Profit = profit.Total
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.SaleResponse{}, err
	}
	return resp, nil
}

func (s *Service) ListSales(ctx context.Context, date string, limit int) (domain.SaleListResponse, error) {
	from, to, err := dayRange(date)
	if err != nil {
		return domain.SaleListResponse{}, err
	}
	if limit < 1 {
		limit = 100
	}

	sales, err := s.repo.ListSales(ctx, from, to, limit)
	if err != nil {
		return domain.SaleListResponse{}, err
	}
	return domain.SaleListResponse{Sales: sales}, nil
}

// RepairMissingCosts backfills cost bases on sale lines recorded before a
// buy price was known. Safe to run repeatedly.
func (s *Service) RepairMissingCosts(ctx context.Context) (domain.RepairResult, error) {
	result, err := s.repo.RepairMissingCosts(ctx)
	if err != nil {
		return domain.RepairResult{}, err
	}

	metrics.RepairedLines.Add(float64(result.LinesFixed))
	s.log.Info("missing-cost repair finished",
		zap.Int("examined", result.LinesExamined),
		zap.Int("fixed", result.LinesFixed),
		zap.Int("skipped", result.LinesSkipped),
		zap.Int("profits_refreshed", result.ProfitsRefreshed))
	s.logAudit(ctx, "repair_missing_costs", "sale_line", "", fmt.Sprintf("examined=%d,fixed=%d,skipped=%d", result.LinesExamined, result.LinesFixed, result.LinesSkipped))

	return result, nil
}

func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (domain.Shift, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.StartingCash.Sign() < 0 {
		return domain.Shift{}, store.ErrInvalidSale
	}

	saved, err := s.repo.OpenShift(ctx, domain.Shift{
		UserID:       req.UserID,
		StartingCash: req.StartingCash,
		OpenedAt:     time.Now().UTC(),
	})
	if err != nil {
		return domain.Shift{}, err
	}

	s.logAudit(ctx, "shift_open", "shift", saved.ID, fmt.Sprintf("user=%s,starting_cash=%s", saved.UserID, saved.StartingCash))
	return *saved, nil
}

func (s *Service) CloseShift(ctx context.Context, req domain.ShiftCloseRequest) (domain.ShiftSummary, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.TotalCashActual.Sign() < 0 {
		return domain.ShiftSummary{}, store.ErrInvalidSale
	}

	summary, err := s.repo.CloseShift(ctx, req.UserID, req.TotalCashActual, time.Now().UTC())
	if err != nil {
		return domain.ShiftSummary{}, err
	}

	s.logAudit(ctx, "shift_close", "shift", summary.Shift.ID, fmt.Sprintf("expected=%s,actual=%s,difference=%s", summary.Shift.TotalCashExpected, summary.Shift.TotalCashActual, summary.Shift.Difference))
	return *summary, nil
}

func (s *Service) GetCurrentShift(ctx context.Context, userID string) (domain.Shift, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Shift{}, store.ErrInvalidSale
	}
	shift, err := s.repo.GetOpenShift(ctx, userID)
	if err != nil {
		return domain.Shift{}, err
	}
	return *shift, nil
}

func (s *Service) StockOpname(ctx context.Context, req domain.StockOpnameRequest) (domain.StockOpnameResponse, error) {
	if len(req.Items) == 0 {
		return domain.StockOpnameResponse{}, store.ErrInvalidSale
	}

	adjustments := make([]domain.StockOpnameAdjustment, 0, len(req.Items))
	for _, counted := range req.Items {
		counted.ItemID = strings.TrimSpace(counted.ItemID)
		if counted.ItemID == "" || counted.CountedQty.Sign() < 0 {
			return domain.StockOpnameResponse{}, store.ErrInvalidSale
		}
		item, err := s.resolveItem(ctx, counted.ItemID)
		if err != nil {
			return domain.StockOpnameResponse{}, err
		}
		if !item.Stock.Equal(counted.CountedQty) {
			if err := s.repo.SetItemStock(ctx, domain.ItemRef{Kind: item.Kind, ID: item.ID}, counted.CountedQty); err != nil {
				return domain.StockOpnameResponse{}, err
			}
		}
		adjustments = append(adjustments, domain.StockOpnameAdjustment{
			ItemID:     item.ID,
			SystemQty:  item.Stock,
			CountedQty: counted.CountedQty,
			DeltaQty:   counted.CountedQty.Sub(item.Stock),
		})
	}

	opnameID := xid.New("opname")
	s.logAudit(ctx, "stock_opname", "inventory", opnameID, fmt.Sprintf("items=%d,notes=%s", len(req.Items), req.Notes))

	return domain.StockOpnameResponse{
		OpnameID:    opnameID,
		Notes:       req.Notes,
		Adjustments: adjustments,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (s *Service) DailyReport(ctx context.Context, date string) (domain.DailyReport, error) {
	from, to, err := dayRange(date)
	if err != nil {
		return domain.DailyReport{}, err
	}

	cacheKey := "report:daily:" + from.Format("2006-01-02")
	var report domain.DailyReport
	if hit := s.cacheGet(ctx, cacheKey, &report); hit {
		return report, nil
	}

	report, err = s.repo.GetDailyReport(ctx, from, to)
	if err != nil {
		return domain.DailyReport{}, err
	}
	s.cacheSet(ctx, cacheKey, report)
	return report, nil
}

func (s *Service) ProfitReport(ctx context.Context, fromDate string, toDate string) (domain.ProfitReport, error) {
	from, _, err := dayRange(fromDate)
	if err != nil {
		return domain.ProfitReport{}, err
	}
	toStart, toEnd, err := dayRange(toDate)
	if err != nil {
		return domain.ProfitReport{}, err
	}
	if toStart.Before(from) {
		return domain.ProfitReport{}, store.ErrInvalidSale
	}

	cacheKey := "report:profit:" + from.Format("2006-01-02") + ":" + toStart.Format("2006-01-02")
	var report domain.ProfitReport
	if hit := s.cacheGet(ctx, cacheKey, &report); hit {
		return report, nil
	}

	report, err = s.repo.GetProfitReport(ctx, from, toEnd)
	if err != nil {
		return domain.ProfitReport{}, err
	}
	report.From = from.Format("2006-01-02")
	report.To = toStart.Format("2006-01-02")
	s.cacheSet(ctx, cacheKey, report)
	return report, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// resolveItem looks a bare item id up as a product first, then as an
// ingredient. Sale lines and opname counts carry ids without a kind.
func (s *Service) resolveItem(ctx context.Context, id string) (*domain.Item, error) {
	item, err := s.repo.GetItem(ctx, domain.ProductRef(id))
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return s.repo.GetItem(ctx, domain.IngredientRef(id))
}

func (s *Service) cacheGet(ctx context.Context, key string, out any) bool {
	payload, hit, err := s.reports.Get(ctx, key)
	if err != nil {
		s.log.Warn("report cache get failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if !hit {
		return false
	}
	if err := json.Unmarshal(payload, out); err != nil {
		s.log.Warn("report cache payload corrupt", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s *Service) cacheSet(ctx context.Context, key string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.reports.Set(ctx, key, payload, reportCacheTTL); err != nil {
		s.log.Warn("report cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = "system"
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		s.log.Warn("audit log write failed",
			zap.String("action", action),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}

// dayRange turns a YYYY-MM-DD string into the [start, start+24h) window.
// Empty means today in UTC.
func dayRange(date string) (time.Time, time.Time, error) {
	var day time.Time
	if strings.TrimSpace(date) == "" {
		now := time.Now().UTC()
		day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return time.Time{}, time.Time{}, store.ErrInvalidSale
		}
		day = parsed.UTC()
	}
	return day, day.Add(24 * time.Hour), nil
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodQRIS, domain.PaymentMethodCard, domain.PaymentMethodTransfer:
		return true
	default:
		return false
	}
}
