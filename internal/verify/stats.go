package verify

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// oneSampleT tests H0: mean(xs) == mu with a two-sided Student t test. A
// constant sample away from mu reports a saturated, finite statistic so
// results stay JSON-encodable.
func oneSampleT(xs []float64, mu float64) (t, p float64) {
	n := float64(len(xs))
	mean, sd := stat.MeanStdDev(xs, nil)
	if sd == 0 {
		if mean == mu {
			return 0, 1
		}
		return math.Copysign(math.MaxFloat64, mean-mu), 0
	}
	t = (mean - mu) / (sd / math.Sqrt(n))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: n - 1}
	p = 2 * dist.Survival(math.Abs(t))
	return t, math.Min(p, 1)
}

// mannWhitneyU is the two-sided Mann-Whitney U test using the normal
// approximation with tie and continuity corrections. U is reported for a.
func mannWhitneyU(a, b []float64) (u, p float64) {
	n1, n2 := float64(len(a)), float64(len(b))
	type obs struct {
		v     float64
		first bool
	}
	pooled := make([]obs, 0, len(a)+len(b))
	for _, v := range a {
		pooled = append(pooled, obs{v, true})
	}
	for _, v := range b {
		pooled = append(pooled, obs{v, false})
	}
	sort.Slice(pooled, func(i, j int) bool { return pooled[i].v < pooled[j].v })

	var rankSum, tieTerm float64
	for i := 0; i < len(pooled); {
		j := i
		for j < len(pooled) && pooled[j].v == pooled[i].v {
			j++
		}
		// Ties share the average of ranks i+1..j.
		rank := float64(i+1+j) / 2
		for k := i; k < j; k++ {
			if pooled[k].first {
				rankSum += rank
			}
		}
		t := float64(j - i)
		tieTerm += t*t*t - t
		i = j
	}

	u = rankSum - n1*(n1+1)/2
	n := n1 + n2
	mu := n1 * n2 / 2
	sigma := math.Sqrt(n1 * n2 / 12 * ((n + 1) - tieTerm/(n*(n-1))))
	if sigma == 0 {
		return u, 1
	}
	big := math.Max(u, n1*n2-u)
	z := (big - mu - 0.5) / sigma
	p = 2 * distuv.UnitNormal.Survival(z)
	return u, math.Min(p, 1)
}

// ksTwoSample is the two-sample Kolmogorov-Smirnov test with the
// asymptotic p-value.
func ksTwoSample(a, b []float64) (d, p float64) {
	x := append([]float64(nil), a...)
	y := append([]float64(nil), b...)
	sort.Float64s(x)
	sort.Float64s(y)
	d = stat.KolmogorovSmirnov(x, nil, y, nil)

	n1, n2 := float64(len(x)), float64(len(y))
	en := math.Sqrt(n1 * n2 / (n1 + n2))
	return d, kolmogorovSurvival((en + 0.12 + 0.11/en) * d)
}

// kolmogorovSurvival is P(K > lambda) for the Kolmogorov distribution.
func kolmogorovSurvival(lambda float64) float64 {
	if lambda < 1e-3 {
		return 1
	}
	var sum float64
	sign := 1.0
	for j := 1; j <= 100; j++ {
		term := sign * math.Exp(-2*float64(j*j)*lambda*lambda)
		sum += term
		if math.Abs(term) < 1e-12 {
			break
		}
		sign = -sign
	}
	return math.Max(0, math.Min(1, 2*sum))
}
