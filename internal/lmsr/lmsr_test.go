package lmsr

import (
	"math"
	"testing"
)

// --- Price function tests ---

func TestPriceYes_InitiallyFiftyFifty(t *testing.T) {
	price := PriceYes(State{QYes: 0, QNo: 0, B: 100})
	if price != 0.5 {
		t.Errorf("expected initial price 0.5, got %f", price)
	}
}

func TestPriceYes_BuyingYesIncreasesPrice(t *testing.T) {
	before := PriceYes(State{QYes: 0, QNo: 0, B: 100})
	after := PriceYes(State{QYes: 10, QNo: 0, B: 100})
	if after <= before {
		t.Errorf("buying YES should increase price: before=%f after=%f", before, after)
	}
}

func TestPriceYes_AlwaysInUnitInterval(t *testing.T) {
	tests := []struct {
		name      string
		qYes, qNo float64
	}{
		{"origin", 0, 0},
		{"moderate", 30, 10},
		{"very large YES", 100000, 0},
		{"very large NO", 0, 100000},
		{"both large equal", 100000, 100000},
		{"both very negative", -100000, -100000},
		{"overflow-scale values", 1e15, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price := PriceYes(State{QYes: tt.qYes, QNo: tt.qNo, B: 100})
			if price < 0 || price > 1 || math.IsNaN(price) {
				t.Errorf("price out of [0,1]: %f (q=%.0f,%.0f)", price, tt.qYes, tt.qNo)
			}
		})
	}
}

func TestPriceYes_ExponentSnap(t *testing.T) {
	// z = (qNo-qYes)/b far beyond the snap threshold.
	if p := PriceYes(State{QYes: 0, QNo: 1e7, B: 100}); p != 0 {
		t.Errorf("expected snapped price 0, got %g", p)
	}
	if p := PriceYes(State{QYes: 1e7, QNo: 0, B: 100}); p != 1 {
		t.Errorf("expected snapped price 1, got %g", p)
	}
}

// --- Cost function tests ---

func TestCost_PathIndependence(t *testing.T) {
	// Spending $10 then $5 lands on the same state as spending $15 at once.
	s0 := State{QYes: 0, QNo: 0, B: 100}
	step1 := BuyForBudget(s0, true, 10)
	step2 := BuyForBudget(State{QYes: step1.QYes, QNo: step1.QNo, B: 100}, true, 5)
	direct := BuyForBudget(s0, true, 15)

	if math.Abs(step2.QYes-direct.QYes) > 1e-9 {
		t.Errorf("LMSR should be path-independent: sequential qYes=%f direct qYes=%f",
			step2.QYes, direct.QYes)
	}
}

func TestCost_NoOverflowAtExtremeQuantities(t *testing.T) {
	c := Cost(State{QYes: 1e6, QNo: -1e6, B: 100})
	if math.IsInf(c, 0) || math.IsNaN(c) {
		t.Errorf("cost should stay finite via log-sum-exp, got %f", c)
	}
}

// --- Initial state tests ---

func TestInitialState_CenteredOnProbability(t *testing.T) {
	tests := []float64{0.1, 0.25, 0.5, 0.81, 0.9}
	for _, p := range tests {
		s, err := InitialState(p, 25000)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := PriceYes(s); math.Abs(got-p) > 1e-9 {
			t.Errorf("InitialState(%f) should open at that price, got %f", p, got)
		}
		if math.Abs(s.QYes+s.QNo) > 1e-9 {
			t.Errorf("expected symmetric open qYes=-qNo, got %f and %f", s.QYes, s.QNo)
		}
	}
}

func TestInitialState_ConcreteBaseline(t *testing.T) {
	// b=25000, p=0.81: verify against the inversion formula itself.
	s, err := InitialState(0.81, 25000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantDelta := 25000 * math.Log(0.81/0.19)
	if math.Abs(s.QYes-wantDelta/2) > 1e-6 {
		t.Errorf("qYes should be delta/2=%f, got %f", wantDelta/2, s.QYes)
	}
	if math.Abs(PriceYes(s)-0.81) > 1e-9 {
		t.Errorf("opening price should be 0.81, got %f", PriceYes(s))
	}
}

func TestInitialState_ClampsProbability(t *testing.T) {
	s, _ := InitialState(0.999, 100)
	if got := PriceYes(s); math.Abs(got-OpeningProbabilityCeil) > 1e-9 {
		t.Errorf("probability should be clamped to %f, got %f", OpeningProbabilityCeil, got)
	}

	s, _ = InitialState(0.0001, 100)
	if got := PriceYes(s); math.Abs(got-OpeningProbabilityFloor) > 1e-9 {
		t.Errorf("probability should be clamped to %f, got %f", OpeningProbabilityFloor, got)
	}
}

func TestInitialState_InvalidLiquidity(t *testing.T) {
	if _, err := InitialState(0.5, 0); err != ErrInvalidLiquidity {
		t.Errorf("expected ErrInvalidLiquidity for b=0, got %v", err)
	}
	if _, err := InitialState(0.5, -25); err != ErrInvalidLiquidity {
		t.Errorf("expected ErrInvalidLiquidity for b=-25, got %v", err)
	}
}

func TestClampProbability_NonFinite(t *testing.T) {
	if got := ClampProbability(math.NaN()); got != 0.5 {
		t.Errorf("NaN should clamp to 0.5, got %f", got)
	}
	if got := ClampProbability(math.Inf(1)); got != 0.5 {
		t.Errorf("+Inf should clamp to 0.5, got %f", got)
	}
}

// --- Budget buy tests ---

func TestBuyForBudget_CostEqualsBudget(t *testing.T) {
	budgets := []float64{0.01, 1, 50, 1000, 250000}
	for _, budget := range budgets {
		s := State{QYes: 120, QNo: -40, B: 25000}
		res := BuyForBudget(s, true, budget)
		after := State{QYes: res.QYes, QNo: res.QNo, B: s.B}

		paid := Cost(after) - Cost(s)
		if math.Abs(paid-budget) > 1e-6*math.Max(1, budget) {
			t.Errorf("cost change should equal budget %f, got %f", budget, paid)
		}
		if res.Shares <= 0 {
			t.Errorf("positive budget should acquire shares, got %f", res.Shares)
		}
	}
}

func TestBuyForBudget_MovesPriceTowardSide(t *testing.T) {
	s := State{QYes: 0, QNo: 0, B: 100}

	yes := BuyForBudget(s, true, 25)
	if yes.PriceAfter <= yes.PriceBefore {
		t.Errorf("buying YES should raise the YES price: before=%f after=%f",
			yes.PriceBefore, yes.PriceAfter)
	}

	no := BuyForBudget(s, false, 25)
	if no.PriceAfter >= no.PriceBefore {
		t.Errorf("buying NO should lower the YES price: before=%f after=%f",
			no.PriceBefore, no.PriceAfter)
	}
}

func TestBuyForBudget_ZeroOrNegativeBudgetIsNoop(t *testing.T) {
	s := State{QYes: 10, QNo: -5, B: 100}
	for _, budget := range []float64{0, -25} {
		res := BuyForBudget(s, true, budget)
		if res.Shares != 0 || res.QYes != s.QYes || res.QNo != s.QNo {
			t.Errorf("budget %f should be a no-op, got %+v", budget, res)
		}
		if res.PriceBefore != res.PriceAfter {
			t.Errorf("no-op should return the same price on both sides: %f vs %f",
				res.PriceBefore, res.PriceAfter)
		}
	}
}

func TestBuyForBudget_Convexity(t *testing.T) {
	// The same dollar budget buys fewer shares as the price moves up.
	s := State{QYes: 0, QNo: 0, B: 100}
	first := BuyForBudget(s, true, 50)
	second := BuyForBudget(State{QYes: first.QYes, QNo: first.QNo, B: 100}, true, 50)
	if second.Shares >= first.Shares {
		t.Errorf("later dollars should buy fewer shares: first=%f second=%f",
			first.Shares, second.Shares)
	}
}

// --- Share sale tests ---

func TestSellShares_RoundTripsBuy(t *testing.T) {
	s := State{QYes: 0, QNo: 0, B: 100}
	buy := BuyForBudget(s, true, 75)
	sale := SellShares(State{QYes: buy.QYes, QNo: buy.QNo, B: 100}, true, buy.Shares)

	if math.Abs(sale.ProceedsUsd-75) > 1e-6 {
		t.Errorf("selling everything back should return the budget, got %f", sale.ProceedsUsd)
	}
	if math.Abs(sale.QYes-s.QYes) > 1e-6 {
		t.Errorf("state should return to origin, got qYes=%f", sale.QYes)
	}
}

func TestSellShares_NonPositiveIsNoop(t *testing.T) {
	s := State{QYes: 10, QNo: 0, B: 100}
	for _, qty := range []float64{0, -3} {
		res := SellShares(s, true, qty)
		if res.Shares != 0 || res.ProceedsUsd != 0 {
			t.Errorf("share count %f should be a no-op, got %+v", qty, res)
		}
	}
}

func TestSellShares_LowersYesPrice(t *testing.T) {
	res := SellShares(State{QYes: 50, QNo: 0, B: 100}, true, 20)
	if res.PriceAfter >= res.PriceBefore {
		t.Errorf("selling YES should lower the YES price: before=%f after=%f",
			res.PriceBefore, res.PriceAfter)
	}
}

// --- Proceeds-capped sale tests ---

func TestSellForProceeds_NeverExceedsBounds(t *testing.T) {
	tests := []struct {
		name     string
		held     float64
		proceeds float64
	}{
		{"small target", 100, 5},
		{"target above max", 10, 1e9},
		{"fractional holdings", 3.25, 1},
		{"tiny target", 100, 0.0001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := State{QYes: 200, QNo: 40, B: 100}
			res := SellForProceeds(s, true, tt.held, tt.proceeds)
			if res.Shares > tt.held {
				t.Errorf("sold %f shares but only held %f", res.Shares, tt.held)
			}
			if res.ProceedsUsd > tt.proceeds+1e-9 && res.Shares < tt.held {
				t.Errorf("proceeds %f exceed requested %f", res.ProceedsUsd, tt.proceeds)
			}
		})
	}
}

func TestSellForProceeds_HitsTargetWhenReachable(t *testing.T) {
	s := State{QYes: 500, QNo: 100, B: 100}
	target := 20.0
	res := SellForProceeds(s, true, 400, target)
	if math.Abs(res.ProceedsUsd-target) > 1e-6 {
		t.Errorf("reachable target should be met within bisection tolerance, got %f", res.ProceedsUsd)
	}
}

func TestSellForProceeds_ZeroInputsAreNoop(t *testing.T) {
	s := State{QYes: 50, QNo: 0, B: 100}
	if res := SellForProceeds(s, true, 0, 10); res.Shares != 0 {
		t.Errorf("zero holdings should be a no-op, got %+v", res)
	}
	if res := SellForProceeds(s, true, 10, 0); res.Shares != 0 {
		t.Errorf("zero target should be a no-op, got %+v", res)
	}
}

// --- Internal helper tests ---

func TestLogSumExp_NoOverflow(t *testing.T) {
	result := logSumExp(1000, 1001)
	if math.IsNaN(result) || math.IsInf(result, 1) {
		t.Errorf("logSumExp should not overflow: got %f", result)
	}
	if result < 1000 || result > 1002 {
		t.Errorf("logSumExp(1000,1001) should be in [1000,1002], got %f", result)
	}
}

func TestLogSumExp_EqualValues(t *testing.T) {
	// ln(2 * exp(x)) = x + ln(2)
	result := logSumExp(3, 3)
	expected := 3.0 + math.Log(2)
	if math.Abs(result-expected) > 1e-10 {
		t.Errorf("logSumExp(3,3) should be %f, got %f", expected, result)
	}
}

func TestLogSubExp_InvertsLogSumExp(t *testing.T) {
	// logSubExp(logSumExp(a,b), b) == a
	a, b := 2.5, 1.0
	got := logSubExp(logSumExp(a, b), b)
	if math.Abs(got-a) > 1e-10 {
		t.Errorf("logSubExp should invert logSumExp: want %f got %f", a, got)
	}
}

func TestMaxLoss_Bounded(t *testing.T) {
	// A trader pushing the market to near-certainty cannot cost the maker
	// more than b*ln(2).
	b := 100.0
	s, _ := InitialState(0.5, b)
	buy := BuyForBudget(s, true, 1e6)
	traderPaid := Cost(State{QYes: buy.QYes, QNo: buy.QNo, B: b}) - Cost(s)
	makerLoss := buy.Shares - traderPaid
	if makerLoss > MaxLoss(b)+1e-6 {
		t.Errorf("maker loss %f exceeds theoretical bound %f", makerLoss, MaxLoss(b))
	}
}
