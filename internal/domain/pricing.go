package domain

// EffectiveUnitPrice returns the price a line is charged at: the sale price when one is
// set and strictly lower than the list price, otherwise the list price.
func EffectiveUnitPrice(p Product) int64 {
	if p.SalePrice != nil && *p.SalePrice >= 0 && *p.SalePrice < p.Price {
		return *p.SalePrice
	}
	return p.Price
}

// LineTotal computes the charged amount for a quantity of the product.
func LineTotal(p Product, quantity int) int64 {
	if quantity <= 0 {
		return 0
	}
	return EffectiveUnitPrice(p) * int64(quantity)
}

// SumOrderItems returns the subtotal across order line snapshots.
func SumOrderItems(items []OrderItem) int64 {
	var subtotal int64
	for _, item := range items {
		subtotal += item.Total
	}
	return subtotal
}

// ComputeTotals folds shipping, tax, and discount into the grand total. Discounts are
// clamped so the total never goes negative.
func ComputeTotals(subtotal, shipping, tax, discount int64) OrderTotals {
	if discount < 0 {
		discount = 0
	}
	total := subtotal + shipping + tax - discount
	if total < 0 {
		total = 0
	}
	return OrderTotals{
		Subtotal: subtotal,
		Shipping: shipping,
		Tax:      tax,
		Discount: discount,
		Total:    total,
	}
}
