package billing

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ComputeTotals derives HT/VAT/TTC amounts from the document inputs.
//
// Item discounts apply per line, shipping joins the running totals, and the
// global discount only shrinks HT. VAT is then scaled by the same ratio as HT
// so the per-item rate mix is kept. Outputs are rounded half away from zero to
// cents; TTC values are sums of the rounded parts.
func ComputeTotals(items []Item, discount float64, discountType DiscountType, shipping *Shipping, reverseCharge bool) Totals {
	totalHT := decimal.Zero
	totalVAT := decimal.Zero

	for _, item := range items {
		lineHT := decimal.NewFromFloat(item.Quantity).
			Mul(decimal.NewFromFloat(item.UnitPrice)).
			Mul(decimal.NewFromFloat(item.Progress())).
			Div(hundred)
		lineHT = applyLineDiscount(lineHT, item.Discount, item.DiscountType)

		totalHT = totalHT.Add(lineHT)
		if !reverseCharge {
			totalVAT = totalVAT.Add(lineHT.Mul(decimal.NewFromFloat(item.VATRate)).Div(hundred))
		}
	}

	if shipping != nil && shipping.BillShipping {
		shippingHT := decimal.NewFromFloat(shipping.ShippingAmountHT)
		totalHT = totalHT.Add(shippingHT)
		if !reverseCharge {
			totalVAT = totalVAT.Add(shippingHT.Mul(decimal.NewFromFloat(shipping.ShippingVATRate)).Div(hundred))
		}
	}

	finalHT := applyGlobalDiscount(totalHT, discount, discountType)
	finalVAT := decimal.Zero
	if !totalHT.IsZero() {
		finalVAT = totalVAT.Mul(finalHT).Div(totalHT)
	}

	roundedHT := round2(totalHT)
	roundedVAT := round2(totalVAT)
	roundedFinalHT := round2(finalHT)
	roundedFinalVAT := round2(finalVAT)

	return Totals{
		TotalHT:        roundedHT.InexactFloat64(),
		TotalVAT:       roundedVAT.InexactFloat64(),
		TotalTTC:       roundedHT.Add(roundedVAT).InexactFloat64(),
		FinalTotalHT:   roundedFinalHT.InexactFloat64(),
		FinalTotalVAT:  roundedFinalVAT.InexactFloat64(),
		FinalTotalTTC:  roundedFinalHT.Add(roundedFinalVAT).InexactFloat64(),
		DiscountAmount: roundedHT.Sub(roundedFinalHT).InexactFloat64(),
	}
}

// ComputeCreditNoteTotals runs ComputeTotals and forces every amount non-positive.
func ComputeCreditNoteTotals(items []Item, discount float64, discountType DiscountType, shipping *Shipping, reverseCharge bool) Totals {
	t := ComputeTotals(items, discount, discountType, shipping, reverseCharge)
	return Totals{
		TotalHT:        negate(t.TotalHT),
		TotalVAT:       negate(t.TotalVAT),
		TotalTTC:       negate(t.TotalTTC),
		FinalTotalHT:   negate(t.FinalTotalHT),
		FinalTotalVAT:  negate(t.FinalTotalVAT),
		FinalTotalTTC:  negate(t.FinalTotalTTC),
		DiscountAmount: negate(t.DiscountAmount),
	}
}

// ContractValue is the 100% value of items, ignoring progress percentages.
func ContractValue(items []Item, discount float64, discountType DiscountType, shipping *Shipping, reverseCharge bool) float64 {
	full := make([]Item, len(items))
	for i, item := range items {
		item.ProgressPercentage = nil
		full[i] = item
	}
	return ComputeTotals(full, discount, discountType, shipping, reverseCharge).FinalTotalTTC
}

// applyLineDiscount reduces a line by a percentage (capped at 100) or a flat
// value. Only a flat discount floors the line at zero, so negative lines keep
// their sign under a percentage.
func applyLineDiscount(amount decimal.Decimal, discount float64, discountType DiscountType) decimal.Decimal {
	discounted := discountBy(amount, discount, discountType)
	if discountType == DiscountFixed && discount != 0 && discounted.IsNegative() {
		return decimal.Zero
	}
	return discounted
}

// applyGlobalDiscount reduces the HT total and floors a discounted total at
// zero. A zero discount leaves the amount untouched, negative amounts included.
func applyGlobalDiscount(amount decimal.Decimal, discount float64, discountType DiscountType) decimal.Decimal {
	if discount == 0 {
		return amount
	}
	discounted := discountBy(amount, discount, discountType)
	if discounted.IsNegative() {
		return decimal.Zero
	}
	return discounted
}

func discountBy(amount decimal.Decimal, discount float64, discountType DiscountType) decimal.Decimal {
	if discount == 0 {
		return amount
	}
	value := decimal.NewFromFloat(discount)
	switch discountType {
	case DiscountPercentage:
		value = decimal.Min(value, hundred)
		return amount.Mul(hundred.Sub(value)).Div(hundred)
	case DiscountFixed:
		return amount.Sub(value)
	default:
		return amount
	}
}

func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func negate(v float64) float64 {
	if v == 0 {
		return 0
	}
	if v < 0 {
		return v
	}
	return -v
}
