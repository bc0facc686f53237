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

// Combination engine.
//
// For each (partition, type) pair with at least one observation, the column
// yields one event: "the true base is this type, with probability p", with
// the remaining (1-p) spread evenly over the other hypotheses.  Each
// hypothesis' likelihood is the product of the probabilities every event
// assigns to it; the best hypothesis' share of the total is its posterior.
//
// Products are accumulated as sums of logs and normalized against the
// largest one, since twenty confident events easily underflow a float64.

// compatibleProb is the minimum probability an event must assign to a
// hypothesis for the event to count as supporting it during discrepancy
// scoring.
const compatibleProb = 0.25

// logSpread[n] is ln(n-1), the log of the number of hypotheses sharing an
// event's error probability when there are n hypotheses.
var logSpread = [NBaseEnum + 1]float64{0, 0, 0, math.Log(2), math.Log(3), math.Log(4)}

// event is the dependency-discounted evidence for one type from one
// partition.
type event struct {
	base BaseType
	conf int
}

// prob returns the probability e assigns to hypothesis h, out of nHyp.
func (e event) prob(h BaseType, nHyp int) float64 {
	if e.base == h {
		return callProbTable[e.conf]
	}
	return errProbTable[e.conf] / float64(nHyp-1)
}

func (e event) logProb(h BaseType, nHyp int) float64 {
	if e.base == h {
		return logCallTable[e.conf]
	}
	return logErrTable[e.conf] - logSpread[nHyp]
}

// call is the consensus result for one column.
type call struct {
	char byte
	qual float64
}

var noCall = call{char: DashChar}

// combiner turns column accumulators into calls.  It holds scratch space
// only; a single combiner is reused for every column of a Calc invocation.
type combiner struct {
	consCutoff float64
	ambiguity  bool

	events []event
	nHyp   int
	pads   bool
}

func newCombiner(opts *Opts) *combiner {
	return &combiner{
		consCutoff: opts.ConsCutoff,
		ambiguity:  opts.Ambiguity,
		events:     make([]event, 0, nPartition*NBaseEnum),
	}
}

// perfectCall checks for a column decided by an asserted confidence-100
// base.  It returns ok == false when no type, or more than one type, claims
// confidence 100.
func perfectCall(col *column, ps partitionSet) (c call, ok bool) {
	found := -1
	for t := 0; t < NBaseEnum; t++ {
		for _, p := range ps {
			cl := col.cells[p][t]
			if cl.count != 0 && cl.max >= MaxConf {
				if found >= 0 {
					return noCall, false
				}
				found = t
				break
			}
		}
	}
	if found < 0 {
		return noCall, false
	}
	if BaseType(found) == BasePad {
		// No visible base.
		return call{char: PadChar, qual: 0}, true
	}
	return call{char: BaseToASCIITable[found], qual: PerfectQual}, true
}

// collect fills cb.events from the partitions in ps.
func (cb *combiner) collect(col *column, ps partitionSet) {
	cb.events = cb.events[:0]
	cb.pads = col.padsPresent(ps)
	cb.nHyp = NBase
	if cb.pads {
		cb.nHyp = NBaseEnum
	}
	for _, p := range ps {
		row := &col.cells[p]
		for t := 0; t < cb.nHyp; t++ {
			cl := row[t]
			if BaseType(t) == BasePad {
				// Unknown calls are folded into the pad hypothesis.  Without pads
				// in the column they are simply dropped (the loop never gets here).
				unk := row[BaseUnknown]
				if unk.count != 0 {
					if cl.count == 0 || unk.max > cl.max {
						cl.max = unk.max
					}
					cl.count += unk.count
				}
			}
			if cl.count == 0 {
				continue
			}
			cb.events = append(cb.events, event{base: BaseType(t), conf: adjustedConf(cl.max, cl.count)})
		}
	}
}

// logLikelihoods returns, for each of the nHyp hypotheses, the log of the
// product of the probabilities assigned by the events that pass keep.  A nil
// keep keeps every event.  n is the number of events kept.
func (cb *combiner) logLikelihoods(keep func(event) bool) (ll [NBaseEnum]float64, n int) {
	for _, e := range cb.events {
		if keep != nil && !keep(e) {
			continue
		}
		n++
		for h := 0; h < cb.nHyp; h++ {
			ll[h] += e.logProb(BaseType(h), cb.nHyp)
		}
	}
	return
}

// errorProb returns 1 - posterior(h), computed directly from the other
// hypotheses' shares so that it doesn't cancel to 0 as the posterior
// approaches 1.  ok is false if the normalization is degenerate.
func errorProb(ll *[NBaseEnum]float64, nHyp int, h int) (p float64, ok bool) {
	m := math.Inf(-1)
	for i := 0; i < nHyp; i++ {
		if ll[i] > m {
			m = ll[i]
		}
	}
	if math.IsInf(m, -1) || math.IsNaN(m) {
		return 0, false
	}
	var other, total float64
	for i := 0; i < nHyp; i++ {
		v := math.Exp(ll[i] - m)
		total += v
		if i != h {
			other += v
		}
	}
	if !(total > 0) || math.IsInf(total, 0) {
		return 0, false
	}
	return other / total, true
}

// best returns the most likely hypothesis.  The scan uses a strict
// comparison, so exact ties go to the lowest BaseType.
func best(ll *[NBaseEnum]float64, nHyp int) int {
	b := 0
	for h := 1; h < nHyp; h++ {
		if ll[h] > ll[b] {
			b = h
		}
	}
	return b
}

// combine computes the consensus call for col from the partitions in ps.
// When discrep is set, it also returns the discrepancy score; otherwise the
// returned score is 0.
func (cb *combiner) combine(col *column, ps partitionSet, discrep bool) (c call, score float64) {
	if !col.touched {
		return noCall, 0
	}
	if pc, ok := perfectCall(col, ps); ok {
		return pc, 0
	}
	cb.collect(col, ps)
	if len(cb.events) == 0 {
		return noCall, 0
	}
	ll, _ := cb.logLikelihoods(nil)
	h := best(&ll, cb.nHyp)
	errP, ok := errorProb(&ll, cb.nHyp, h)
	if !ok {
		return noCall, 0
	}
	c.qual = qualFromErr(errP)
	switch {
	case cb.ambiguity:
		c.char = cb.ambiguityChar()
	case c.qual < cb.consCutoff:
		c.char = DashChar
	default:
		c.char = BaseToASCIITable[h]
	}
	if discrep {
		score = cb.discrepancy()
	}
	return
}

// support returns the sum of t's adjusted confidences over all partitions,
// and whether t has any evidence at all.
func (cb *combiner) support(t BaseType) (sum float64, seen bool) {
	for _, e := range cb.events {
		if e.base == t {
			sum += float64(e.conf)
			seen = true
		}
	}
	return
}

// ambiguityChar tests A/C/G/T independently against the consensus cutoff and
// returns the IUB code for the set of types that clear it.
func (cb *combiner) ambiguityChar() byte {
	var mask uint8
	for t := BaseA; t <= BaseT; t++ {
		if s, seen := cb.support(t); seen && s >= cb.consCutoff {
			mask |= 1 << t
		}
	}
	if mask != 0 {
		return IUBCode(mask)
	}
	if cb.pads {
		if s, seen := cb.support(BasePad); seen && s >= cb.consCutoff {
			return PadChar
		}
	}
	return AmbiguousChar
}

// discrepancy returns the second-highest per-hypothesis confidence, where
// each hypothesis is scored using only the events compatible with it.  A
// high value means two types are both well supported.
func (cb *combiner) discrepancy() float64 {
	var first, second float64
	for l := 0; l < cb.nHyp; l++ {
		hyp := BaseType(l)
		ll, n := cb.logLikelihoods(func(e event) bool {
			return e.prob(hyp, cb.nHyp) >= compatibleProb
		})
		if n == 0 {
			continue
		}
		errP, ok := errorProb(&ll, cb.nHyp, l)
		if !ok {
			continue
		}
		q := qualFromErr(errP)
		if q > first {
			first, second = q, first
		} else if q > second {
			second = q
		}
	}
	return second
}

// alleleRatio scores the split between the two most observed types in col.
func alleleRatio(col *column, ps partitionSet) float64 {
	if !col.touched {
		return 0
	}
	counts := col.typeCounts(ps)
	var n1, n2 uint32
	for _, c := range counts {
		if c > n1 {
			n1, n2 = c, n1
		} else if c > n2 {
			n2 = c
		}
	}
	return AlleleRatioScore(int(n1), int(n2))
}
