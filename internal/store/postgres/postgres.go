package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"tokopos/backend/internal/costing"
	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

// Serializable transactions can abort under contention; writes that touch
// batch rows retry a bounded number of times before surfacing the error.
const maxSerializationRetries = 3

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListItems(ctx context.Context, kind domain.ItemKind, activeOnly bool) ([]domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, unit, sell_price, buy_price, cost_price, stock, active, created_at
		FROM items
		WHERE ($1 = '' OR kind = $1)
			AND ($2 = false OR active = true)
		ORDER BY kind, name
	`, string(kind), activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Item, 0, 128)
	for rows.Next() {
		var it domain.Item
		if err := rows.Scan(&it.ID, &it.Kind, &it.Name, &it.Unit, &it.SellPrice, &it.BuyPrice, &it.CostPrice, &it.Stock, &it.Active, &it.CreatedAt); err != nil {
			return nil, err
		}
		it.CreatedAt = it.CreatedAt.UTC()
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (s *Store) CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	if item.Name == "" || (item.Kind != domain.ItemKindProduct && item.Kind != domain.ItemKindIngredient) {
		return nil, store.ErrInvalidSale
	}
	if item.SellPrice.Sign() < 0 || item.BuyPrice.Sign() < 0 || item.CostPrice.Sign() < 0 {
		return nil, store.ErrInvalidSale
	}
	if item.ID == "" {
		prefix := "prd"
		if item.Kind == domain.ItemKindIngredient {
			prefix = "ing"
		}
		item.ID = xid.New(prefix)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	item.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, kind, name, unit, sell_price, buy_price, cost_price, stock, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
	`, item.ID, item.Kind, item.Name, item.Unit, item.SellPrice, item.BuyPrice, item.CostPrice, item.Stock, item.Active, item.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidSale
		}
		return nil, err
	}

	created := item
	return &created, nil
}

func (s *Store) GetItem(ctx context.Context, ref domain.ItemRef) (*domain.Item, error) {
	var item domain.Item
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, unit, sell_price, buy_price, cost_price, stock, active, created_at
		FROM items
		WHERE id = $1 AND kind = $2
	`, ref.ID, ref.Kind).Scan(&item.ID, &item.Kind, &item.Name, &item.Unit, &item.SellPrice, &item.BuyPrice, &item.CostPrice, &item.Stock, &item.Active, &item.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}

func (s *Store) UpdateItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	if item.Name == "" || item.SellPrice.Sign() < 0 || item.BuyPrice.Sign() < 0 || item.CostPrice.Sign() < 0 {
		return nil, store.ErrInvalidSale
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE items
		SET name = $3, unit = $4, sell_price = $5, buy_price = $6, cost_price = $7, active = $8, updated_at = now()
		WHERE id = $1 AND kind = $2
	`, item.ID, item.Kind, item.Name, item.Unit, item.SellPrice, item.BuyPrice, item.CostPrice, item.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := item
	return &updated, nil
}

func (s *Store) SetItemStock(ctx context.Context, ref domain.ItemRef, qty decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items
		SET stock = $3, updated_at = now()
		WHERE id = $1 AND kind = $2
	`, ref.ID, ref.Kind, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateStockBatch(ctx context.Context, batch domain.StockBatch) (*domain.StockBatch, error) {
	if batch.QtyIn.Sign() <= 0 || batch.BuyPrice.Sign() < 0 {
		return nil, store.ErrInvalidSale
	}
	if batch.ID == "" {
		batch.ID = xid.New("bat")
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}
	batch.QtyRemaining = batch.QtyIn
	batch.SerialNumber = strings.TrimSpace(batch.SerialNumber)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM items WHERE id = $1 AND kind = $2)
	`, batch.Owner.ID, batch.Owner.Kind).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_batches (
			id, owner_kind, owner_id, qty_in, qty_remaining, buy_price,
			serial_number, received_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
	`, batch.ID, batch.Owner.Kind, batch.Owner.ID, batch.QtyIn, batch.QtyRemaining, batch.BuyPrice, nullIfEmpty(batch.SerialNumber), batch.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateSerial
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE items
		SET stock = stock + $3, updated_at = now()
		WHERE id = $1 AND kind = $2
	`, batch.Owner.ID, batch.Owner.Kind, batch.QtyIn)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := batch
	return &created, nil
}

func (s *Store) ListStockBatches(ctx context.Context, owner domain.ItemRef, includeExhausted bool, limit int) ([]domain.StockBatch, error) {
	if limit < 1 {
		limit = 200
	}

	query := `
		SELECT id, owner_kind, owner_id, qty_in, qty_remaining, buy_price, serial_number, received_at
		FROM stock_batches
		WHERE owner_kind = $1 AND owner_id = $2
	`
	if !includeExhausted {
		query += ` AND qty_remaining > 0`
	}
	query += `
		ORDER BY received_at ASC, id ASC
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, query, owner.Kind, owner.ID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.StockBatch, 0, limit)
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, method domain.CostMethod) (*domain.Sale, error) {
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

	var created *domain.Sale
	err := s.withSerializableRetry(ctx, func() error {
		var err error
		created, err = s.createSaleTx(ctx, sale, method)
		return err
	})
	return created, err
}

func (s *Store) createSaleTx(ctx context.Context, sale domain.Sale, method domain.CostMethod) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var shiftID sql.NullString
	err = pgTx.QueryRowContext(ctx, `
		SELECT id FROM shifts WHERE user_id = $1 AND status = 'open'
	`, sale.Cashier).Scan(&shiftID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if shiftID.Valid {
		sale.ShiftID = shiftID.String
	}

	grandTotal := decimal.Zero
	lines := make([]domain.SaleLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		if line.Qty.Sign() <= 0 {
			return nil, store.ErrInvalidSale
		}

		var item domain.Item
		err = pgTx.QueryRowContext(ctx, `
			SELECT id, kind, sell_price, buy_price, active
			FROM items
			WHERE id = $1 AND kind = $2
			FOR UPDATE
		`, line.ItemID, line.ItemKind).Scan(&item.ID, &item.Kind, &item.SellPrice, &item.BuyPrice, &item.Active)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("item %s unavailable: %w", line.ItemID, store.ErrNotFound)
			}
			return nil, err
		}
		if !item.Active {
			return nil, fmt.Errorf("item %s unavailable: %w", line.ItemID, store.ErrNotFound)
		}

		factor := line.UnitFactor
		if factor.Sign() <= 0 {
			factor = decimal.NewFromInt(1)
		}
		stockQty := line.Qty.Mul(factor)

		// Exhausted batches ride along so a specific-lot serial still resolves
		// to its batch price; the planner skips them for depletion.
		batchRows, err := pgTx.QueryContext(ctx, `
			SELECT id, owner_kind, owner_id, qty_in, qty_remaining, buy_price, serial_number, received_at
			FROM stock_batches
			WHERE owner_kind = $1 AND owner_id = $2
			ORDER BY received_at ASC, id ASC
			FOR UPDATE
		`, line.ItemKind, line.ItemID)
		if err != nil {
			return nil, err
		}
		planBatches := make([]costing.Batch, 0, 8)
		for batchRows.Next() {
			batch, err := scanBatch(batchRows)
			if err != nil {
				_ = batchRows.Close()
				return nil, err
			}
			planBatches = append(planBatches, costing.Batch{
				ID:           batch.ID,
				QtyRemaining: batch.QtyRemaining,
				BuyPrice:     batch.BuyPrice,
				SerialNumber: batch.SerialNumber,
				ReceivedAt:   batch.ReceivedAt,
			})
		}
		if err := batchRows.Err(); err != nil {
			_ = batchRows.Close()
			return nil, err
		}
		_ = batchRows.Close()

		plan, err := costing.Compute(planBatches, stockQty, method, line.ScannedSerial, item.BuyPrice)
		if err != nil {
			return nil, store.ErrInvalidSale
		}

		for _, take := range plan.Takes {
			_, err = pgTx.ExecContext(ctx, `
				UPDATE stock_batches
				SET qty_remaining = qty_remaining - $1, updated_at = now()
				WHERE id = $2
			`, take.Qty, take.BatchID)
			if err != nil {
				return nil, err
			}
		}

		// aggregate stock drops by the sold quantity even when no batch
		// covered it
		_, err = pgTx.ExecContext(ctx, `
			UPDATE items
			SET stock = stock - $3, updated_at = now()
			WHERE id = $1 AND kind = $2
		`, line.ItemID, line.ItemKind, stockQty)
		if err != nil {
			return nil, err
		}

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

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (id, cashier, shift_id, payment_method, payment_status, grand_total, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, sale.ID, sale.Cashier, nullIfEmpty(sale.ShiftID), sale.PaymentMethod, sale.PaymentStatus, sale.GrandTotal, sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	for i, line := range sale.Lines {
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO sale_lines (
				sale_id, line_no, item_id, item_kind, qty, price, buy_price,
				cost_total, unit_factor, scanned_serial, short_qty, fallback_used
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, sale.ID, i+1, line.ItemID, line.ItemKind, line.Qty, line.Price, line.BuyPrice,
			line.CostTotal, line.UnitFactor, nullIfEmpty(line.ScannedSerial), line.ShortQty, line.FallbackUsed)
		if err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO profits (sale_id, total, updated_at)
		VALUES ($1,$2,$3)
	`, sale.ID, costing.SaleProfit(sale.Lines).Round(2), sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	var sale domain.Sale
	var shiftID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, cashier, shift_id, payment_method, payment_status, grand_total, created_at
		FROM sales
		WHERE id = $1
	`, id).Scan(&sale.ID, &sale.Cashier, &shiftID, &sale.PaymentMethod, &sale.PaymentStatus, &sale.GrandTotal, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if shiftID.Valid {
		sale.ShiftID = shiftID.String
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	lines, err := s.loadSaleLines(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines
	return &sale, nil
}

func (s *Store) loadSaleLines(ctx context.Context, saleID string) ([]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, item_kind, qty, price, buy_price, cost_total, unit_factor, scanned_serial, short_qty, fallback_used
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY line_no ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		var serial sql.NullString
		if err := rows.Scan(&line.ItemID, &line.ItemKind, &line.Qty, &line.Price, &line.BuyPrice, &line.CostTotal, &line.UnitFactor, &serial, &line.ShortQty, &line.FallbackUsed); err != nil {
			return nil, err
		}
		if serial.Valid {
			line.ScannedSerial = serial.String
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListSales(ctx context.Context, from, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cashier, shift_id, payment_method, payment_status, grand_total, created_at
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		var shiftID sql.NullString
		if err := rows.Scan(&sale.ID, &sale.Cashier, &shiftID, &sale.PaymentMethod, &sale.PaymentStatus, &sale.GrandTotal, &sale.CreatedAt); err != nil {
			return nil, err
		}
		if shiftID.Valid {
			sale.ShiftID = shiftID.String
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		lines, err := s.loadSaleLines(ctx, sales[i].ID)
		if err != nil {
			return nil, err
		}
		sales[i].Lines = lines
	}
	return sales, nil
}

func (s *Store) GetProfit(ctx context.Context, saleID string) (*domain.Profit, error) {
	var profit domain.Profit
	err := s.db.QueryRowContext(ctx, `
		SELECT sale_id, total, updated_at
		FROM profits
		WHERE sale_id = $1
	`, saleID).Scan(&profit.SaleID, &profit.Total, &profit.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	profit.UpdatedAt = profit.UpdatedAt.UTC()
	return &profit, nil
}

func (s *Store) RepairMissingCosts(ctx context.Context) (domain.RepairResult, error) {
	var result domain.RepairResult
	err := s.withSerializableRetry(ctx, func() error {
		var err error
		result, err = s.repairMissingCostsTx(ctx)
		return err
	})
	return result, err
}

func (s *Store) repairMissingCostsTx(ctx context.Context) (domain.RepairResult, error) {
	var result domain.RepairResult

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return result, err
	}
	defer func() { _ = pgTx.Rollback() }()

	rows, err := pgTx.QueryContext(ctx, `
		SELECT sl.sale_id, sl.line_no, sl.qty, i.cost_price, i.buy_price
		FROM sale_lines sl
		LEFT JOIN items i ON i.id = sl.item_id AND i.kind = sl.item_kind
		WHERE sl.buy_price = 0
		ORDER BY sl.sale_id, sl.line_no
		FOR UPDATE OF sl
	`)
	if err != nil {
		return result, err
	}

	type fix struct {
		saleID   string
		lineNo   int
		qty      decimal.Decimal
		unitCost decimal.Decimal
	}
	fixes := make([]fix, 0, 64)
	affected := make(map[string]struct{})
	for rows.Next() {
		var saleID string
		var lineNo int
		var qty decimal.Decimal
		var costPrice, buyPrice decimal.NullDecimal
		if err := rows.Scan(&saleID, &lineNo, &qty, &costPrice, &buyPrice); err != nil {
			_ = rows.Close()
			return result, err
		}
		result.LinesExamined++

		// item deleted since the sale, nothing to backfill from
		if !costPrice.Valid && !buyPrice.Valid {
			result.LinesSkipped++
			continue
		}
		unitCost := costing.RepairUnitCost(costPrice.Decimal, buyPrice.Decimal)
		if unitCost.Sign() == 0 {
			result.LinesSkipped++
			continue
		}
		fixes = append(fixes, fix{saleID: saleID, lineNo: lineNo, qty: qty, unitCost: unitCost})
		affected[saleID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return result, err
	}
	_ = rows.Close()

	for _, f := range fixes {
		_, err := pgTx.ExecContext(ctx, `
			UPDATE sale_lines
			SET buy_price = $3, cost_total = $4
			WHERE sale_id = $1 AND line_no = $2
		`, f.saleID, f.lineNo, f.unitCost.Round(2), f.unitCost.Mul(f.qty).Round(2))
		if err != nil {
			return result, err
		}
		result.LinesFixed++
	}

	for saleID := range affected {
		// refresh the cached profit, but only if the row already exists
		res, err := pgTx.ExecContext(ctx, `
			UPDATE profits
			SET total = (
				SELECT COALESCE(SUM(price - cost_total), 0)
				FROM sale_lines
				WHERE sale_id = $1
			), updated_at = now()
			WHERE sale_id = $1
		`, saleID)
		if err != nil {
			return result, err
		}
		refreshed, err := res.RowsAffected()
		if err != nil {
			return result, err
		}
		result.ProfitsRefreshed += int(refreshed)
	}

	if err := pgTx.Commit(); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Store) OpenShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(shift.UserID) == "" || shift.StartingCash.Sign() < 0 {
		return nil, store.ErrInvalidSale
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusOpen
	shift.ClosedAt = nil

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shifts (
			id, user_id, starting_cash, status, opened_at,
			total_cash_expected, total_cash_actual, difference, closed_at
		)
		VALUES ($1,$2,$3,$4,$5,0,0,0,NULL)
	`, shift.ID, shift.UserID, shift.StartingCash, shift.Status, shift.OpenedAt)
	if err != nil {
		// partial unique index on (user_id) WHERE status = 'open'
		if isUniqueViolation(err) {
			return nil, store.ErrShiftAlreadyOpen
		}
		return nil, err
	}
	saved := shift
	return &saved, nil
}

func (s *Store) GetOpenShift(ctx context.Context, userID string) (*domain.Shift, error) {
	shift, err := scanShiftRow(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, starting_cash, status, opened_at,
			total_cash_expected, total_cash_actual, difference, closed_at
		FROM shifts
		WHERE user_id = $1 AND status = 'open'
		ORDER BY opened_at DESC
		LIMIT 1
	`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNoOpenShift
		}
		return nil, err
	}
	return shift, nil
}

func (s *Store) CloseShift(ctx context.Context, userID string, totalCashActual decimal.Decimal, closedAt time.Time) (*domain.ShiftSummary, error) {
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	var summary *domain.ShiftSummary
	err := s.withSerializableRetry(ctx, func() error {
		var err error
		summary, err = s.closeShiftTx(ctx, userID, totalCashActual, closedAt)
		return err
	})
	return summary, err
}

func (s *Store) closeShiftTx(ctx context.Context, userID string, totalCashActual decimal.Decimal, closedAt time.Time) (*domain.ShiftSummary, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	shift, err := scanShiftRow(pgTx.QueryRowContext(ctx, `
		SELECT id, user_id, starting_cash, status, opened_at,
			total_cash_expected, total_cash_actual, difference, closed_at
		FROM shifts
		WHERE user_id = $1 AND status = 'open'
		FOR UPDATE
	`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNoOpenShift
		}
		return nil, err
	}

	paymentTotals := make(map[string]decimal.Decimal)
	cashSales := decimal.Zero
	rows, err := pgTx.QueryContext(ctx, `
		SELECT payment_method, COALESCE(SUM(grand_total), 0)
		FROM sales
		WHERE shift_id = $1 AND payment_status = $2
		GROUP BY payment_method
	`, shift.ID, domain.PaymentStatusPaid)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var method string
		var total decimal.Decimal
		if err := rows.Scan(&method, &total); err != nil {
			_ = rows.Close()
			return nil, err
		}
		paymentTotals[method] = total
		if method == domain.PaymentMethodCash {
			cashSales = total
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	shift.Status = domain.ShiftStatusClosed
	shift.TotalCashExpected = shift.StartingCash.Add(cashSales).Round(2)
	shift.TotalCashActual = totalCashActual.Round(2)
	shift.Difference = shift.TotalCashActual.Sub(shift.TotalCashExpected)
	shift.ClosedAt = &closedAt

	_, err = pgTx.ExecContext(ctx, `
		UPDATE shifts
		SET status = 'closed', total_cash_expected = $2, total_cash_actual = $3,
			difference = $4, closed_at = $5
		WHERE id = $1 AND status = 'open'
	`, shift.ID, shift.TotalCashExpected, shift.TotalCashActual, shift.Difference, closedAt)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &domain.ShiftSummary{Shift: *shift, PaymentTotals: paymentTotals}, nil
}

func (s *Store) GetDailyReport(ctx context.Context, from, to time.Time) (domain.DailyReport, error) {
	report := domain.DailyReport{
		Date:      from.Format("2006-01-02"),
		ByPayment: make([]domain.DailyReportPayment, 0, 4),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::bigint, COALESCE(SUM(grand_total), 0)
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(&report.Transactions, &report.GrossSales)
	if err != nil {
		return report, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, COUNT(*)::bigint, COALESCE(SUM(grand_total), 0)
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY payment_method
		ORDER BY payment_method
	`, from, to)
	if err != nil {
		return report, err
	}
	defer rows.Close()

	for rows.Next() {
		var row domain.DailyReportPayment
		if err := rows.Scan(&row.PaymentMethod, &row.Transactions, &row.Total); err != nil {
			return report, err
		}
		report.ByPayment = append(report.ByPayment, row)
	}
	if err := rows.Err(); err != nil {
		return report, err
	}

	return report, nil
}

func (s *Store) GetProfitReport(ctx context.Context, from, to time.Time) (domain.ProfitReport, error) {
	report := domain.ProfitReport{
		From: from.Format("2006-01-02"),
		To:   to.Format("2006-01-02"),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT SUM(grand_total) FROM sales WHERE created_at >= $1 AND created_at < $2), 0),
			COALESCE((
				SELECT SUM(sl.cost_total)
				FROM sale_lines sl
				JOIN sales s2 ON s2.id = sl.sale_id
				WHERE s2.created_at >= $1 AND s2.created_at < $2
			), 0)
	`, from, to).Scan(&report.Revenue, &report.Cost)
	if err != nil {
		return report, err
	}
	report.Profit = report.Revenue.Sub(report.Cost)
	return report, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.Actor, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) withSerializableRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		err = fn()
		if err == nil || !isSerializationFailure(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (domain.StockBatch, error) {
	var batch domain.StockBatch
	var serial sql.NullString
	err := row.Scan(&batch.ID, &batch.Owner.Kind, &batch.Owner.ID, &batch.QtyIn, &batch.QtyRemaining, &batch.BuyPrice, &serial, &batch.ReceivedAt)
	if err != nil {
		return batch, err
	}
	if serial.Valid {
		batch.SerialNumber = serial.String
	}
	batch.ReceivedAt = batch.ReceivedAt.UTC()
	return batch, nil
}

func scanShiftRow(row *sql.Row) (*domain.Shift, error) {
	var shift domain.Shift
	var closedAt sql.NullTime
	err := row.Scan(&shift.ID, &shift.UserID, &shift.StartingCash, &shift.Status, &shift.OpenedAt,
		&shift.TotalCashExpected, &shift.TotalCashActual, &shift.Difference, &closedAt)
	if err != nil {
		return nil, err
	}
	shift.OpenedAt = shift.OpenedAt.UTC()
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		shift.ClosedAt = &at
	}
	return &shift, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
