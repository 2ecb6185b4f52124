package models

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Prices are stored as NUMERIC(12,2), see migrations/001_service_records.sql.
const (
	PricePrecision = 12
	PriceScale     = 2
)

// MaxPrice is the first amount the price column cannot hold.
var MaxPrice = decimal.New(1, PricePrecision-PriceScale)

var (
	ErrPriceNotPositive = errors.New("price must be greater than zero")
	ErrPriceScale       = errors.New("price must have at most 2 decimal places")
	ErrPriceRange       = errors.New("price must be less than 10000000000")
)

// CheckPrice reports whether p can be stored without rounding or overflow.
func CheckPrice(p decimal.Decimal) error {
	switch {
	case !p.IsPositive():
		return ErrPriceNotPositive
	case !p.Equal(p.Truncate(PriceScale)):
		return ErrPriceScale
	case p.GreaterThanOrEqual(MaxPrice):
		return ErrPriceRange
	}
	return nil
}
