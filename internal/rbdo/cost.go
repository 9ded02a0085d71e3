package rbdo

import "math"

// PenalizedCost turns per-constraint reliabilities into a single penalty:
// the weighted sum of squared shortfalls below each reliability target.
// The penalty is zero exactly when every target is met.
func PenalizedCost(reliabilities []float64, target, weight Param) (float64, error) {
	const op = "PenalizedCost"
	m := len(reliabilities)
	t, err := target.Broadcast(m)
	if err != nil {
		return 0, wrapError(KindShape, op, err, "reliability_target")
	}
	w, err := weight.Broadcast(m)
	if err != nil {
		return 0, wrapError(KindShape, op, err, "penalty_weight")
	}
	penalty := 0.0
	for i, r := range reliabilities {
		deficit := math.Max(0, t[i]-r)
		penalty += w[i] * deficit * deficit
	}
	return penalty, nil
}

// better reports whether a should be preferred over b under the
// feasibility-first rule: any feasible record beats an infeasible one,
// feasible records compare by objective, infeasible ones by penalty.
func better(a, b CandidateRecord) bool {
	switch {
	case a.Feasible() && !b.Feasible():
		return true
	case !a.Feasible() && b.Feasible():
		return false
	case a.Feasible():
		return a.Objective < b.Objective
	default:
		return a.Penalty < b.Penalty
	}
}

// SelectBest returns the index of the feasibility-first best record. Ties
// keep the lowest index. It returns -1 for an empty slice.
func SelectBest(records []CandidateRecord) int {
	best := -1
	for i, r := range records {
		if best < 0 || better(r, records[best]) {
			best = i
		}
	}
	return best
}

// Accept is the acceptance rule applied to the round's best candidate
// against the running best.
func Accept(best, candidate CandidateRecord) bool {
	if candidate.Feasible() {
		return !best.Feasible() || candidate.Objective < best.Objective
	}
	return !best.Feasible() && candidate.Penalty < best.Penalty
}
