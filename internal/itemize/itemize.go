// Package itemize breaks a receipt total into per-item or per-night charges.
package itemize

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/zombor/expense-agent/internal/extraction"
	"github.com/zombor/expense-agent/internal/scanning"
)

// MaxNights bounds the nightly split; longer periods are almost always a
// misread year and produce no items
const MaxNights = 366

// Source tells where the items of a Result came from
type Source string

const (
	SourceProvider Source = "provider"
	SourceReceipt  Source = "receipt"
	SourceNightly  Source = "nightly_split"
	SourceNone     Source = "none"
)

type Result struct {
	Source Source                `json:"source"`
	Items  []extraction.LineItem `json:"items"`
	Nights int                   `json:"nights,omitempty"`
	// Reason explains an empty result
	Reason string `json:"reason,omitempty"`
}

// Itemize returns the receipt's line items. Provider-reported items from the
// raw payload win, then the items stored on the record, then an even nightly
// split of the total over the service period. It never fails; when nothing
// applies the result is empty.
func Itemize(rec extraction.NormalizedReceipt, payload *scanning.Payload) Result {
	if payload != nil {
		if items := extraction.NormalizeItems(payload.Items); len(items) > 0 {
			return Result{Source: SourceProvider, Items: items}
		}
	}
	if len(rec.LineItems) > 0 {
		items := make([]extraction.LineItem, len(rec.LineItems))
		copy(items, rec.LineItems)
		return Result{Source: SourceReceipt, Items: items}
	}
	return NightlySplit(rec)
}

// NightlySplit divides the total evenly over the nights of the service
// period. When the receipt separates a subtotal (or tax) from the total the
// difference becomes its own tax and fees item. Any rounding remainder goes
// to the first night, so the items always sum to the total exactly.
func NightlySplit(rec extraction.NormalizedReceipt) Result {
	if rec.ServicePeriod == nil {
		return empty("no service period")
	}
	if rec.Amount == nil {
		return empty("no total amount")
	}
	nights := rec.ServicePeriod.Nights()
	if nights <= 0 {
		return empty(fmt.Sprintf("service period spans %d nights", nights))
	}
	if nights > MaxNights {
		return empty(fmt.Sprintf("service period spans %d nights, more than %d", nights, MaxNights))
	}

	total := *rec.Amount
	charge, fees := splitFees(total, rec.Subtotal, rec.Tax)

	n := decimal.NewFromInt(int64(nights))
	base := charge.Div(n).Truncate(2)
	remainder := charge.Sub(base.Mul(n))

	items := make([]extraction.LineItem, 0, nights+1)
	for i := 0; i < nights; i++ {
		amount := base
		if i == 0 {
			amount = amount.Add(remainder)
		}
		date := rec.ServicePeriod.Start.AddDays(i)
		items = append(items, extraction.LineItem{
			Description: fmt.Sprintf("Night %d of %d", i+1, nights),
			Amount:      amount,
			Date:        &date,
			Synthetic:   true,
		})
	}
	if fees != nil {
		items = append(items, extraction.LineItem{
			Description: "Taxes and fees",
			Amount:      *fees,
			Synthetic:   true,
		})
	}

	return Result{Source: SourceNightly, Items: items, Nights: nights}
}

// splitFees separates the nightly charge from taxes and fees. Only a
// subtotal or tax strictly between zero and the total is trusted.
func splitFees(total decimal.Decimal, subtotal, tax *decimal.Decimal) (decimal.Decimal, *decimal.Decimal) {
	between := func(d *decimal.Decimal) bool {
		return d != nil && d.IsPositive() && d.LessThan(total)
	}
	switch {
	case between(subtotal):
		fees := total.Sub(*subtotal)
		return *subtotal, &fees
	case between(tax):
		fees := *tax
		return total.Sub(fees), &fees
	}
	return total, nil
}

// Sum adds up item amounts
func Sum(items []extraction.LineItem) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(it.Amount)
	}
	return sum
}

func empty(reason string) Result {
	return Result{Source: SourceNone, Items: []extraction.LineItem{}, Reason: reason}
}
