package conversion

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gaiaecotrack/tokenizer/internal/db"
)

// ErrInvalidEnergyValue is returned for deltas that are not non-negative
// finite numbers
var ErrInvalidEnergyValue = errors.New("invalid energy value")

// ErrUnknownBrand is returned for brands without a conversion rule
var ErrUnknownBrand = errors.New("unknown generator brand")

// Per-brand divisors. Hoymiles reports watt-hour-scale units and earns one
// token per 1000; Growatt's eToday figure is treated as already token-scaled.
// The asymmetry is inherited from production behaviour; do not "fix" it
// without confirming the vendor unit semantics.
const (
	hoymilesDivisor = 1000
	growattDivisor  = 1
)

// TokensFor maps a brand and an energy delta to an integral token count.
// Pure and deterministic; the result is always non-negative.
func TokensFor(brand string, energyDelta float64) (int64, error) {
	if math.IsNaN(energyDelta) || math.IsInf(energyDelta, 0) || energyDelta < 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEnergyValue, energyDelta)
	}

	switch brand {
	case db.BrandHoymiles:
		return int64(math.Floor(energyDelta / hoymilesDivisor)), nil
	case db.BrandGrowatt:
		return int64(math.Floor(energyDelta / growattDivisor)), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownBrand, brand)
	}
}

// ParseEnergyValue parses a vendor-reported energy figure. Vendors return
// these inconsistently as JSON numbers or quoted strings, sometimes
// bracketed; anything that does not resolve to a non-negative finite number
// fails with ErrInvalidEnergyValue.
func ParseEnergyValue(raw string) (float64, error) {
	cleaned := strings.Trim(strings.TrimSpace(raw), "[]\"")
	if cleaned == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidEnergyValue)
	}

	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidEnergyValue, raw)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEnergyValue, value)
	}

	return value, nil
}
