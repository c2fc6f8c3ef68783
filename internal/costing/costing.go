// Package costing plans batch consumption and cost-of-goods for a sold
// quantity. It is pure: the caller loads the item's eligible batches, the
// planner decides which batches to take from and at what cost, and the caller
// applies the takes inside its own transaction.
package costing

import (
	"errors"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
)

var ErrNonPositiveQty = errors.New("costing: qty sold must be positive")

// Batch is the read-only view of one stock batch the planner works with.
// Batches must be passed in creation order; equal ReceivedAt values keep that
// order as the tie break.
type Batch struct {
	ID           string
	QtyRemaining decimal.Decimal
	BuyPrice     decimal.Decimal
	SerialNumber string
	ReceivedAt   time.Time
}

// Take instructs the caller to decrement one batch by Qty.
type Take struct {
	BatchID string
	Qty     decimal.Decimal
}

// Plan is the outcome of a costing run. TotalCost is never negative and is
// not rounded; callers round once at persistence. ShortQty is the part of the
// sold quantity no batch could physically cover; it contributes zero cost
// except under SPECIFIC and AVERAGE, which cost the full sold quantity.
// FallbackUsed marks lines costed from the item's static buy price.
type Plan struct {
	Takes        []Take
	TotalCost    decimal.Decimal
	ShortQty     decimal.Decimal
	FallbackUsed bool
}

// Compute builds the consumption plan for qtySold units of an item whose
// batches are given in creation order. Exhausted batches are skipped for
// depletion but still answer a specific-lot serial lookup. fallbackPrice is
// the item's static buy price, used whenever no batch can answer the lookup.
// An unrecognised method behaves like CostMethodDefault.
func Compute(batches []Batch, qtySold decimal.Decimal, method domain.CostMethod, scannedSerial string, fallbackPrice decimal.Decimal) (Plan, error) {
	if qtySold.Sign() <= 0 {
		return Plan{}, ErrNonPositiveQty
	}

	eligible := make([]Batch, 0, len(batches))
	for _, b := range batches {
		if b.QtyRemaining.Sign() > 0 {
			eligible = append(eligible, b)
		}
	}
	// Stable sort keeps creation order as the tie break for equal timestamps.
	slices.SortStableFunc(eligible, func(a, b Batch) int {
		return a.ReceivedAt.Compare(b.ReceivedAt)
	})

	switch method {
	case domain.CostMethodFIFO:
		return consumeOrdered(eligible, qtySold, fallbackPrice, false), nil
	case domain.CostMethodLIFO:
		return consumeOrdered(eligible, qtySold, fallbackPrice, true), nil
	case domain.CostMethodSpecific:
		return consumeSpecific(batches, qtySold, scannedSerial, fallbackPrice), nil
	case domain.CostMethodAverage:
		return consumeAverage(eligible, qtySold, fallbackPrice), nil
	default:
		return Plan{
			TotalCost:    qtySold.Mul(fallbackPrice),
			FallbackUsed: true,
		}, nil
	}
}

// consumeOrdered walks the eligible batches oldest-first (or newest-first for
// LIFO), taking min(remaining, needed) from each and pricing every take at
// that batch's own buy price. Running out of batches is not an error: the
// shortfall is reported and costs nothing further.
func consumeOrdered(eligible []Batch, qtySold, fallbackPrice decimal.Decimal, newestFirst bool) Plan {
	if len(eligible) == 0 {
		return Plan{
			TotalCost:    qtySold.Mul(fallbackPrice),
			ShortQty:     qtySold,
			FallbackUsed: true,
		}
	}

	order := make([]Batch, len(eligible))
	copy(order, eligible)
	if newestFirst {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}

	var plan Plan
	remaining := qtySold
	for _, b := range order {
		if remaining.Sign() <= 0 {
			break
		}
		take := decimal.Min(b.QtyRemaining, remaining)
		plan.Takes = append(plan.Takes, Take{BatchID: b.ID, Qty: take})
		plan.TotalCost = plan.TotalCost.Add(take.Mul(b.BuyPrice))
		remaining = remaining.Sub(take)
	}
	plan.ShortQty = remaining
	return plan
}

// consumeSpecific costs the full sold quantity at the scanned batch's price.
// The lookup spans exhausted batches: the serial still identifies the lot and
// its price even when nothing physical is left to take. The take is clamped
// to the batch's remaining quantity so the ledger never goes negative; the
// overshoot shows up as ShortQty. An unknown serial falls back to the static
// price without touching any batch.
func consumeSpecific(batches []Batch, qtySold decimal.Decimal, scannedSerial string, fallbackPrice decimal.Decimal) Plan {
	if scannedSerial != "" {
		for _, b := range batches {
			if b.SerialNumber == scannedSerial {
				plan := Plan{
					TotalCost: qtySold.Mul(b.BuyPrice),
					ShortQty:  qtySold,
				}
				if take := decimal.Min(b.QtyRemaining, qtySold); take.Sign() > 0 {
					plan.Takes = []Take{{BatchID: b.ID, Qty: take}}
					plan.ShortQty = qtySold.Sub(take)
				}
				return plan
			}
		}
	}
	return Plan{
		TotalCost:    qtySold.Mul(fallbackPrice),
		ShortQty:     qtySold,
		FallbackUsed: true,
	}
}

// consumeAverage prices the full sold quantity at the weighted average cost
// of the eligible batches while depleting them physically oldest-first. The
// valuation deliberately ignores which batches the units came out of.
func consumeAverage(eligible []Batch, qtySold, fallbackPrice decimal.Decimal) Plan {
	if len(eligible) == 0 {
		return Plan{
			TotalCost:    qtySold.Mul(fallbackPrice),
			ShortQty:     qtySold,
			FallbackUsed: true,
		}
	}

	var totalQty, totalValue decimal.Decimal
	for _, b := range eligible {
		totalQty = totalQty.Add(b.QtyRemaining)
		totalValue = totalValue.Add(b.QtyRemaining.Mul(b.BuyPrice))
	}
	avg := totalValue.Div(totalQty)

	var plan Plan
	remaining := qtySold
	for _, b := range eligible {
		if remaining.Sign() <= 0 {
			break
		}
		take := decimal.Min(b.QtyRemaining, remaining)
		plan.Takes = append(plan.Takes, Take{BatchID: b.ID, Qty: take})
		remaining = remaining.Sub(take)
	}
	plan.ShortQty = remaining
	plan.TotalCost = qtySold.Mul(avg)
	return plan
}

// RepairUnitCost picks the cost basis for backfilling an uncosted sale line:
// the item's recipe cost when set, otherwise its static buy price.
func RepairUnitCost(costPrice, buyPrice decimal.Decimal) decimal.Decimal {
	if costPrice.Sign() > 0 {
		return costPrice
	}
	return buyPrice
}

// SaleProfit sums price minus cost over a sale's lines.
func SaleProfit(lines []domain.SaleLine) decimal.Decimal {
	var total decimal.Decimal
	for _, l := range lines {
		total = total.Add(l.Price.Sub(l.CostTotal))
	}
	return total
}
