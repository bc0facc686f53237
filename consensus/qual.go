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

// This file contains the confidence-math tables used by the combination
// engine.  They are filled in once by init() and never modified afterwards.

const (
	// MaxQual is the highest quality a computed (non-perfect) call can have.
	MaxQual = 99.4
	// PerfectQual is reported for a column decided by a single confidence-100
	// base type.
	PerfectQual = 100

	// nDepend-1 is the observation count at which the dependency bonus stops
	// growing.
	nDepend = 11
	// maxAdjConf is the largest possible adjusted confidence, i.e. a
	// confidence-100 call plus the largest dependency bonus.
	maxAdjConf = MaxConf + 49
	nAdjConf   = maxAdjConf + 1
)

// dependTable[min(n, nDepend-1)] is added to the highest confidence among n
// same-type observations from a single (chemistry, strand) partition.  Errors
// within a partition are correlated, so the bonus grows far more slowly than
// it would if each observation were independent, and flattens out at 49.
var dependTable = [nDepend]int{0, 0, 15, 24, 31, 36, 40, 43, 46, 48, 49}

// errProbTable[c] is 10^(-c/10), the probability that an event with adjusted
// confidence c names the wrong type.
var errProbTable [nAdjConf]float64

// callProbTable[c] is 1 - errProbTable[c].
var callProbTable [nAdjConf]float64

// logCallTable[c] and logErrTable[c] are the natural logs of the entries
// above.  logCallTable[0] is -Inf, but zero-confidence events are never
// generated.
var (
	logCallTable [nAdjConf]float64
	logErrTable  [nAdjConf]float64
)

func init() {
	for c := 0; c < nAdjConf; c++ {
		e := math.Exp(float64(c) * (-0.1 * math.Ln10))
		errProbTable[c] = e
		callProbTable[c] = 1 - e
		logErrTable[c] = float64(c) * (-0.1 * math.Ln10)
		// Log1p keeps precision when e is tiny.
		logCallTable[c] = math.Log1p(-e)
	}
}

// adjustedConf returns the dependency-discounted confidence for count
// same-partition observations of one type, the best of which has confidence
// maxConf.
func adjustedConf(maxConf uint8, count uint32) int {
	idx := int(count)
	if count >= nDepend {
		idx = nDepend - 1
	}
	c := int(maxConf) + dependTable[idx]
	if c > maxAdjConf {
		c = maxAdjConf
	}
	return c
}

// qualFromErr converts the probability that a call is wrong into a phred
// quality, saturating at MaxQual.
func qualFromErr(errProb float64) float64 {
	if !(errProb > 0) {
		return MaxQual
	}
	q := -10 * math.Log10(errProb)
	if q > MaxQual {
		return MaxQual
	}
	if q < 0 {
		return 0
	}
	return q
}
