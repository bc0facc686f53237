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

// ContigID identifies a contig within a Provider.
type ContigID int

// ReadID identifies a read within a Provider.
type ReadID int64

// NoRead is returned by Provider.NextRead once the contig's reads are
// exhausted, and by ContigInfo for a contig with no reads.
const NoRead ReadID = -1

// ContigInfo describes one contig.
type ContigInfo struct {
	// Length is the number of columns in the contig.  Columns are 0-based.
	Length int
	// FirstRead is the read with the lowest start column, or NoRead.
	FirstRead ReadID
}

// ReadInfo describes one read's placement in its contig.
type ReadInfo struct {
	// Start is the 0-based contig column of the read's first call.
	Start int
	// Length is the number of calls (and columns) the read covers.
	Length int
	Strand Strand
	// DoubleChem is set for reads whose chemistry is not strand-specific.
	// When dual-strand output is requested, such reads are counted in both
	// strand partitions.
	DoubleChem bool
	// Name is carried for error messages only.
	Name string
}

// End returns 1 + the last column covered by the read.
func (ri *ReadInfo) End() int {
	return ri.Start + ri.Length
}

// Provider supplies already-aligned reads for a contig.  Reads must be
// enumerated in nondecreasing Start order.
//
// Every sequence returned by ReadSequence is handed back through
// ReleaseSequence exactly once, after which the caller no longer touches it.
type Provider interface {
	ContigInfo(contig ContigID) (ContigInfo, error)
	// NextRead returns the read after cur, or NoRead.
	NextRead(cur ReadID) (ReadID, error)
	ReadInfo(id ReadID) (ReadInfo, error)
	// ReadSequence returns the calls for read-local positions [start, end).
	ReadSequence(id ReadID, start, end int) ([]BaseCall, error)
	ReleaseSequence(id ReadID, seq []BaseCall)
	// MaxReadLength is an upper bound on ReadInfo.Length for every read the
	// provider can return.
	MaxReadLength() int
}
