package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Amount is a quantity of coins in minor units.
type Amount int64

const (
	Coin Amount = 100_000_000
	Cent Amount = 1_000_000

	maxWholeDigits = 10
)

// ParseAmount accepts a decimal coin value with up to eight fractional digits.
func ParseAmount(raw string) (Amount, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" && (!hasFrac || frac == "") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if len(whole) > maxWholeDigits || len(frac) > 8 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}

	var units Amount
	if whole != "" {
		n, err := strconv.ParseInt(whole, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
		}
		units = Amount(n) * Coin
	}

	if frac != "" {
		padded := frac + strings.Repeat("0", 8-len(frac))
		n, err := strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
		}
		units += Amount(n)
	}

	return units, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// String formats with eight decimals, trimming trailing zeros down to two.
func (a Amount) String() string {
	abs := int64(a)
	if abs < 0 {
		abs = -abs
	}

	str := fmt.Sprintf("%d.%08d", abs/int64(Coin), abs%int64(Coin))
	trimmed := strings.TrimRight(str, "0")
	dot := strings.IndexByte(trimmed, '.')
	if minLen := dot + 3; len(trimmed) < minLen {
		trimmed = str[:minLen]
	}

	if a < 0 {
		return "-" + trimmed
	}
	return trimmed
}

func (a Amount) Float64() float64 {
	return float64(a) / float64(Coin)
}
