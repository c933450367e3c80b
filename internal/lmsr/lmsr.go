// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary FDA drug-approval markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(2) for binary)
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All functions here are pure and deterministic: they operate on a State
// value and never touch storage. Transcendental math uses the log-sum-exp
// trick for numerical stability.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"
)

// ErrInvalidLiquidity is returned when b <= 0.
var ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

const (
	// OpeningProbabilityFloor and OpeningProbabilityCeil bound the opening
	// probability so a market never opens near-certain.
	OpeningProbabilityFloor = 0.05
	OpeningProbabilityCeil  = 0.95

	// priceExponentSnap is the |z| beyond which the sigmoid is snapped to
	// 0 or 1 instead of evaluating exp, avoiding overflow.
	priceExponentSnap = 40

	// sellBisectionIterations is enough to resolve the share interval to
	// below double-precision epsilon.
	sellBisectionIterations = 56
)

// State is a market's LMSR state: outstanding YES/NO quantities and the
// liquidity parameter b. Higher b means deeper liquidity and smaller price
// impact per dollar.
type State struct {
	QYes float64
	QNo  float64
	B    float64
}

// TradeResult describes the outcome of a buy or sell against the maker.
// Shares is always non-negative; for sells the ledger applies the sign.
type TradeResult struct {
	QYes        float64
	QNo         float64
	Shares      float64
	ProceedsUsd float64
	PriceBefore float64
	PriceAfter  float64
}

// logSumExp computes ln(exp(a) + exp(b)) using max-subtraction so the exp
// arguments stay in [0, 1]. Without the trick, exp(x) overflows float64
// when x > ~709.
func logSumExp(a, b float64) float64 {
	m := math.Max(a, b)
	return m + math.Log(math.Exp(a-m)+math.Exp(b-m))
}

// logSubExp computes ln(exp(x) - exp(y)) for x > y. The budget solver only
// calls it with x > y: the target log-potential always exceeds the other
// side's contribution when the budget is positive.
func logSubExp(x, y float64) float64 {
	if x <= y {
		panic("lmsr: logSubExp requires x > y")
	}
	return x + math.Log1p(-math.Exp(y-x))
}

// Cost computes the LMSR potential function:
//
//	C(q) = b * ln(exp(qYes/b) + exp(qNo/b))
//
// The dollar cost of any trade equals the change in this function.
func Cost(s State) float64 {
	return s.B * logSumExp(s.QYes/s.B, s.QNo/s.B)
}

// PriceYes computes the instantaneous YES probability:
//
//	p = 1 / (1 + exp((qNo-qYes)/b))
//
// For extreme quantity imbalances the exponent is snapped so the result is
// exactly 0 or 1 without evaluating exp.
func PriceYes(s State) float64 {
	z := (s.QNo - s.QYes) / s.B
	if z > priceExponentSnap {
		return 0
	}
	if z < -priceExponentSnap {
		return 1
	}
	return 1 / (1 + math.Exp(z))
}

// ClampProbability bounds a probability to the allowed opening range.
// Non-finite inputs fall back to 0.5.
func ClampProbability(p float64) float64 {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0.5
	}
	return math.Max(OpeningProbabilityFloor, math.Min(OpeningProbabilityCeil, p))
}

// InitialState inverts the price formula so a new market opens centered on
// the desired probability with qYes = -qNo:
//
//	delta = b * ln(p/(1-p)), qYes = delta/2, qNo = -delta/2
func InitialState(openingProbability, b float64) (State, error) {
	if b <= 0 {
		return State{}, ErrInvalidLiquidity
	}
	p := ClampProbability(openingProbability)
	delta := b * math.Log(p/(1-p))
	return State{QYes: delta / 2, QNo: -delta / 2, B: b}, nil
}

// BuyForBudget solves analytically for the post-trade quantity such that
// the cost-function change equals exactly budgetUsd. buyYes selects the
// side. A zero or negative budget is a no-op returning the unchanged price
// on both sides.
//
// The solve works in the log domain: with L the current log-potential
// C(q)/b, spending the budget raises it to L + budget/b, and the bought
// side's new quantity is b * ln(exp(L + budget/b) - exp(qOther/b)).
func BuyForBudget(s State, buyYes bool, budgetUsd float64) TradeResult {
	priceBefore := PriceYes(s)
	budget := math.Max(0, budgetUsd)
	if budget <= 0 {
		return TradeResult{
			QYes:        s.QYes,
			QNo:         s.QNo,
			PriceBefore: priceBefore,
			PriceAfter:  priceBefore,
		}
	}

	baseLog := logSumExp(s.QYes/s.B, s.QNo/s.B)
	targetLog := baseLog + budget/s.B

	next := s
	var shares float64
	if buyYes {
		next.QYes = s.B * logSubExp(targetLog, s.QNo/s.B)
		shares = next.QYes - s.QYes
	} else {
		next.QNo = s.B * logSubExp(targetLog, s.QYes/s.B)
		shares = next.QNo - s.QNo
	}

	return TradeResult{
		QYes:        next.QYes,
		QNo:         next.QNo,
		Shares:      shares,
		PriceBefore: priceBefore,
		PriceAfter:  PriceYes(next),
	}
}

// SellShares sells a fixed share count on one side and returns the
// proceeds as the cost-function decrease, floored at zero to guard against
// floating-point noise. A non-positive share count is a no-op.
func SellShares(s State, sellYes bool, shares float64) TradeResult {
	priceBefore := PriceYes(s)
	qty := math.Max(0, shares)
	if qty <= 0 {
		return TradeResult{
			QYes:        s.QYes,
			QNo:         s.QNo,
			PriceBefore: priceBefore,
			PriceAfter:  priceBefore,
		}
	}

	next := s
	if sellYes {
		next.QYes -= qty
	} else {
		next.QNo -= qty
	}
	proceeds := math.Max(0, Cost(s)-Cost(next))

	return TradeResult{
		QYes:        next.QYes,
		QNo:         next.QNo,
		Shares:      qty,
		ProceedsUsd: proceeds,
		PriceBefore: priceBefore,
		PriceAfter:  PriceYes(next),
	}
}

// SellForProceeds finds the largest sale, bounded by heldShares, whose
// proceeds do not exceed proceedsUsd. Proceeds are monotonically
// increasing in shares sold for a fixed side, so a bounded bisection over
// [0, heldShares] converges; the result never sells more than held and
// never raises more cash than requested.
func SellForProceeds(s State, sellYes bool, heldShares, proceedsUsd float64) TradeResult {
	maxShares := math.Max(0, heldShares)
	target := math.Max(0, proceedsUsd)
	zeroSale := SellShares(s, sellYes, 0)

	if maxShares <= 0 || target <= 0 {
		return zeroSale
	}

	maxSale := SellShares(s, sellYes, maxShares)
	if maxSale.ProceedsUsd <= 0 {
		return zeroSale
	}
	if target >= maxSale.ProceedsUsd-1e-9 {
		return maxSale
	}

	low, high := 0.0, maxShares
	best := zeroSale
	for i := 0; i < sellBisectionIterations; i++ {
		mid := (low + high) / 2
		sale := SellShares(s, sellYes, mid)
		if sale.ProceedsUsd <= target {
			low = mid
			best = sale
		} else {
			high = mid
		}
	}
	return best
}

// MaxLoss returns the market maker's maximum possible loss, b * ln(2) for
// binary markets.
func MaxLoss(b float64) float64 {
	return b * math.Ln2
}
