package allocation

import "math"

// Projection is the outcome of simulating a savings goal forward.
type Projection struct {
	ProjectedTotal float64 `json:"projected_total"`
	WillReachGoal  bool    `json:"will_reach_goal"`
	MonthsToReach  int     `json:"months_to_reach"` // -1 when the goal is not reached in time
	ExcessAmount   float64 `json:"excess_amount"`
}

// BandedProjection wraps a projection with optimistic and pessimistic
// totals one volatility band above and below the expected return.
type BandedProjection struct {
	Projection
	OptimisticTotal  float64 `json:"optimistic_total"`
	PessimisticTotal float64 `json:"pessimistic_total"`
}

// ProjectCompletion simulates month-by-month compounding with a fixed
// monthly deposit: balance = balance*(1+monthlyReturn) + monthlyDeposit.
// The simulation runs the full monthsRemaining even after the goal is
// met so ProjectedTotal reflects the horizon, not the crossing point.
func ProjectCompletion(currentAmount, targetAmount, monthlyDeposit, expectedReturnPct float64, monthsRemaining int) Projection {
	monthlyReturn := expectedReturnPct / 100 / 12

	balance := currentAmount
	monthsToReach := -1
	if balance >= targetAmount {
		monthsToReach = 0
	}

	for month := 1; month <= monthsRemaining; month++ {
		balance = balance*(1+monthlyReturn) + monthlyDeposit
		if monthsToReach == -1 && balance >= targetAmount {
			monthsToReach = month
		}
	}

	excess := 0.0
	if balance > targetAmount {
		excess = balance - targetAmount
	}

	return Projection{
		ProjectedTotal: balance,
		WillReachGoal:  monthsToReach >= 0,
		MonthsToReach:  monthsToReach,
		ExcessAmount:   excess,
	}
}

// ProjectWithBands runs the projection at the expected return and one
// volatility band to either side.
func ProjectWithBands(currentAmount, targetAmount, monthlyDeposit, expectedReturnPct, volatilityPct float64, monthsRemaining int) BandedProjection {
	base := ProjectCompletion(currentAmount, targetAmount, monthlyDeposit, expectedReturnPct, monthsRemaining)
	up := ProjectCompletion(currentAmount, targetAmount, monthlyDeposit, expectedReturnPct+volatilityPct, monthsRemaining)
	down := ProjectCompletion(currentAmount, targetAmount, monthlyDeposit, expectedReturnPct-volatilityPct, monthsRemaining)

	return BandedProjection{
		Projection:       base,
		OptimisticTotal:  up.ProjectedTotal,
		PessimisticTotal: down.ProjectedTotal,
	}
}

// RecommendedMonthlyDeposit solves the future-value-of-annuity equation
// for the deposit that reaches the goal in exactly monthsRemaining
// months. Returns 0 when the goal is already covered by compounding the
// current amount, and the outstanding shortfall when no months remain.
func RecommendedMonthlyDeposit(currentAmount, targetAmount float64, monthsRemaining int, expectedReturnPct float64) float64 {
	if monthsRemaining <= 0 {
		shortfall := targetAmount - currentAmount
		if shortfall < 0 {
			return 0
		}
		return shortfall
	}

	monthlyReturn := expectedReturnPct / 100 / 12
	n := float64(monthsRemaining)

	growthFactor := math.Pow(1+monthlyReturn, n)
	needed := targetAmount - currentAmount*growthFactor
	if needed <= 0 {
		return 0
	}

	if monthlyReturn == 0 {
		return needed / n
	}

	annuityFactor := (growthFactor - 1) / monthlyReturn
	return needed / annuityFactor
}
