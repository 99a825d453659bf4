package engine

import "math"

// priceEpsilon absorbs float noise in threshold comparisons so that, for
// example, a price sitting exactly on an activation threshold reliably
// counts as having crossed it.
const priceEpsilon = 1e-6

// almostEqual reports whether a and b differ by no more than priceEpsilon.
func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= priceEpsilon
}

// geq reports a >= b within epsilon.
func geq(a, b float64) bool {
	return a > b || almostEqual(a, b)
}

// leq reports a <= b within epsilon.
func leq(a, b float64) bool {
	return a < b || almostEqual(a, b)
}

// validPrice rejects non-positive and non-finite prices.
func validPrice(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}
