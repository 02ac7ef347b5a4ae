package stat

import (
	"math"

	gstat "gonum.org/v1/gonum/stat"
)

// Returns converts a price series into period-over-period fractional returns.
// The result has len(prices)-1 entries; zero prices contribute a zero return.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev := prices[i-1]
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (prices[i]-prev)/prev)
	}
	return out
}

// Correlation returns the Pearson correlation of two return series. Series of
// unequal length are trimmed to their most recent common tail. Returns 0 when
// fewer than two overlapping samples exist or either series has zero variance.
func Correlation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	x := a[len(a)-n:]
	y := b[len(b)-n:]

	r := gstat.Correlation(x, y, nil)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return r
}
