package order

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// InstrumentConstraints 描述证券的手数与价格步长限制。
type InstrumentConstraints struct {
	LotSize  int64
	TickSize decimal.Decimal
	MaxQty   int64
}

// Lot returns the effective lot size (at least 1).
func (c InstrumentConstraints) Lot() int64 {
	if c.LotSize <= 0 {
		return 1
	}
	return c.LotSize
}

// RoundDown 把数量向下取整到手数的整数倍，从不向上取整。
func (c InstrumentConstraints) RoundDown(qty int64) int64 {
	if qty <= 0 {
		return 0
	}
	lot := c.Lot()
	return qty / lot * lot
}

// Validate 检查价格/数量是否符合手数与价格步长。
func (c InstrumentConstraints) Validate(price decimal.Decimal, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("qty %d must be > 0", qty)
	}
	if qty%c.Lot() != 0 {
		return fmt.Errorf("qty %d not aligned to lotSize %d", qty, c.Lot())
	}
	if c.MaxQty > 0 && qty > c.MaxQty {
		return fmt.Errorf("qty %d > maxQty %d", qty, c.MaxQty)
	}
	if c.TickSize.IsPositive() && price.IsPositive() && !price.Mod(c.TickSize).IsZero() {
		return fmt.Errorf("price %s not aligned to tickSize %s", price, c.TickSize)
	}
	return nil
}
