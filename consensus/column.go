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

// nClass is the number of per-partition accumulator slots: one for each
// hypothesis type, plus one for BaseUnknown, which only ever joins the
// evidence through the pad hypothesis.
const nClass = NBaseEnum + 1

// cell summarizes every observation of one base class within one partition.
// A cell with count == 0 is untouched, and its max is meaningless.
type cell struct {
	max   uint8
	count uint32
}

// column is the accumulator for a single contig column.  Nothing is carried
// across columns; a column is reset to its zero value before it is reused.
type column struct {
	// touched is false iff no observation was recorded since the last reset.
	touched bool
	cells   [nPartition][nClass]cell
}

// add records a single observation.  Callers have already dropped
// zero-confidence and below-cutoff calls.
func (col *column) add(partition int, base BaseType, conf uint8) {
	if base > BaseUnknown {
		base = BaseUnknown
	}
	c := &col.cells[partition][base]
	if c.count == 0 || conf > c.max {
		c.max = conf
	}
	c.count++
	col.touched = true
}

func (col *column) reset() {
	if col.touched {
		*col = column{}
	}
}

// partitionSet lists the partitions one consensus is computed from.
type partitionSet []int

var (
	allPartitions = partitionSet{
		partitionIndex(chemSingle, StrandFwd),
		partitionIndex(chemSingle, StrandRev),
		partitionIndex(chemDouble, StrandFwd),
		partitionIndex(chemDouble, StrandRev),
	}
	fwdPartitions = partitionSet{
		partitionIndex(chemSingle, StrandFwd),
		partitionIndex(chemDouble, StrandFwd),
	}
	revPartitions = partitionSet{
		partitionIndex(chemSingle, StrandRev),
		partitionIndex(chemDouble, StrandRev),
	}
)

// padsPresent returns true if any partition in ps saw a pad.
func (col *column) padsPresent(ps partitionSet) bool {
	for _, p := range ps {
		if col.cells[p][BasePad].count != 0 {
			return true
		}
	}
	return false
}

// typeCounts returns the per-type observation counts summed over ps.
// Unknowns are not included.
func (col *column) typeCounts(ps partitionSet) (counts [NBaseEnum]uint32) {
	for _, p := range ps {
		for t := 0; t < NBaseEnum; t++ {
			counts[t] += col.cells[p][t].count
		}
	}
	return
}
