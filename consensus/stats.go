// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package consensus

import (
	"math"
)

// Statistics helpers for the allele-ratio score.  Everything is computed in
// log space so that large depths can't overflow.

// alleleDepthCap bounds the depth used by AlleleRatioScore.  Deep coverage is
// frequently biased in ways a fair-coin model doesn't capture, and without the
// cap a slightly uneven split at depth 1000 would look impossibly unlikely.
const alleleDepthCap = 10

// LogFactorial returns ln(n!), using Stirling's approximation with the
// 1/(12n) correction term.  n <= 1 returns 0.
func LogFactorial(n int) float64 {
	if n <= 1 {
		return 0
	}
	x := float64(n)
	return x*math.Log(x) - x + 0.5*math.Log(2*math.Pi*x) + 1/(12*x)
}

// BinomialCoefficient returns an approximation of (n choose k).  It returns 0
// when k is outside [0, n].
func BinomialCoefficient(n, k int) float64 {
	if k < 0 || k > n {
		return 0
	}
	return math.Exp(logBinomialCoefficient(n, k))
}

func logBinomialCoefficient(n, k int) float64 {
	return LogFactorial(n) - LogFactorial(k) - LogFactorial(n-k)
}

// BinomialProbHalf returns the probability of exactly k successes in n fair
// coin flips.
func BinomialProbHalf(n, k int) float64 {
	if k < 0 || k > n {
		return 0
	}
	return math.Exp(logBinomialCoefficient(n, k) - float64(n)*math.Ln2)
}

// AlleleRatioScore scores how close an n1:n2 split between two alleles is to
// 50:50.  The result is in [0, 1]; 1 means the split is as even as the depth
// allows, and 0 means one of the alleles is absent.
func AlleleRatioScore(n1, n2 int) float64 {
	minor := n1
	if n2 < minor {
		minor = n2
	}
	if minor <= 0 {
		return 0
	}
	n := n1 + n2
	if n > alleleDepthCap {
		minor = int(math.Round(float64(minor) * alleleDepthCap / float64(n)))
		n = alleleDepthCap
		if minor == 0 {
			return 0
		}
	}
	best := BinomialProbHalf(n, n/2)
	if best <= 0 {
		return 0
	}
	score := BinomialProbHalf(n, minor) / best
	if score > 1 {
		score = 1
	}
	return score
}
