package vietqr

import "github.com/shopspring/decimal"

// AmountPolicy decides the amount encoded in the QR image.
type AmountPolicy interface {
	TestAmount(amount decimal.Decimal) decimal.Decimal
}

// SandboxPolicy scales amounts down so test transfers move little money:
// min(round(amount / Divisor), Cap).
type SandboxPolicy struct {
	Divisor decimal.Decimal
	Cap     decimal.Decimal
}

func DefaultSandboxPolicy() SandboxPolicy {
	return SandboxPolicy{Divisor: decimal.NewFromInt(1000), Cap: decimal.NewFromInt(50000)}
}

func (p SandboxPolicy) TestAmount(amount decimal.Decimal) decimal.Decimal {
	divisor := p.Divisor
	if divisor.Sign() <= 0 {
		divisor = decimal.NewFromInt(1)
	}
	scaled := amount.Div(divisor).Round(0)
	if p.Cap.Sign() > 0 && scaled.GreaterThan(p.Cap) {
		return p.Cap
	}
	return scaled
}

// ExactPolicy encodes the full amount in whole dong.
type ExactPolicy struct{}

func (ExactPolicy) TestAmount(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(0)
}
