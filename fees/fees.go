// Package fees computes the VAT and escrow service fee derived from a
// contract's base amount. Amounts are integer minor units and the math is
// pure basis-point arithmetic, so identical inputs always produce identical
// totals.
package fees

import (
	"fmt"

	"mizan/core"
)

// Default basis-point rates applied when a policy is not configured.
const (
	DefaultVATRateBps   = 1_500
	DefaultEscrowFeeBps = 200
)

// Policy captures the configured fee rates in basis points.
type Policy struct {
	VATRateBps   uint32
	EscrowFeeBps uint32
}

// DefaultPolicy returns the standard VAT and escrow fee rates.
func DefaultPolicy() Policy {
	return Policy{VATRateBps: DefaultVATRateBps, EscrowFeeBps: DefaultEscrowFeeBps}
}

// Valid reports whether both rates are within the representable range.
func (p Policy) Valid() bool {
	return p.VATRateBps <= 10_000 && p.EscrowFeeBps <= 10_000
}

// Totals summarises the derived amounts for a base amount. Total is always
// Base + VAT + EscrowFee.
type Totals struct {
	Base      int64 `json:"base"`
	VAT       int64 `json:"vat"`
	EscrowFee int64 `json:"escrowFee"`
	Total     int64 `json:"total"`
}

// Compute derives VAT and the escrow service fee from the base amount. VAT
// applies to the base; the escrow fee applies to base plus VAT. The result is
// re-derivable from the same inputs with no stored state.
func (p Policy) Compute(base int64, vatApplicable, escrowEnabled bool) (Totals, error) {
	if base < 0 {
		return Totals{}, fmt.Errorf("%w: base amount must be non-negative", core.ErrInvalidAmount)
	}
	if !p.Valid() {
		return Totals{}, fmt.Errorf("%w: fee rate bps out of range", core.ErrInvalidAmount)
	}
	totals := Totals{Base: base}
	if vatApplicable {
		totals.VAT = mulBps(base, p.VATRateBps)
	}
	if escrowEnabled {
		totals.EscrowFee = mulBps(base+totals.VAT, p.EscrowFeeBps)
	}
	totals.Total = totals.Base + totals.VAT + totals.EscrowFee
	return totals, nil
}

// Compute applies the default policy.
func Compute(base int64, vatApplicable, escrowEnabled bool) (Totals, error) {
	return DefaultPolicy().Compute(base, vatApplicable, escrowEnabled)
}

func mulBps(amount int64, bps uint32) int64 {
	return amount * int64(bps) / 10_000
}
