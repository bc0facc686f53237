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

// Common consensus components.

// BaseType identifies the base class of a single read position.
type BaseType byte

// These constants double as indexes into the per-partition accumulator rows,
// so their order matters: ties during the best-hypothesis search are broken
// in favor of the lowest value.
const (
	// BaseA represents an A base.
	BaseA BaseType = iota
	// BaseC represents a C base.
	BaseC
	// BaseG represents a G base.
	BaseG
	// BaseT represents a T base.
	BaseT
	// BasePad represents a padding character ('*'), i.e. a gap in this read
	// relative to the contig's padded coordinate system.
	BasePad
	// BaseUnknown is the catch-all for characters outside the alphabet above.
	// It is never counted as a hypothesis of its own.
	BaseUnknown
)

const (
	// NBase is the number of regular base types.
	NBase = 4
	// NBaseEnum counts BasePad as well as the regular base types.
	NBaseEnum = 5
)

// Consensus characters which don't correspond to a BaseType.
const (
	// DashChar is emitted when a column has no usable evidence, or the call's
	// quality falls below the consensus cutoff.
	DashChar = '-'
	// PadChar is emitted when the pad hypothesis wins.
	PadChar = '*'
	// AmbiguousChar is the all-bases IUB code.
	AmbiguousChar = 'N'
)

// ASCIIToBaseTable maps read characters to BaseTypes.
var ASCIIToBaseTable [256]BaseType

// BaseToASCIITable is the A/C/G/T/Pad -> ASCII mapping.
var BaseToASCIITable = [...]byte{'A', 'C', 'G', 'T', PadChar}

// iubTable maps an A=1/C=2/G=4/T=8 bitmask to its IUB code.  Index 0 is
// unused; callers handle the empty set themselves.
var iubTable = [16]byte{
	0, 'A', 'C', 'M',
	'G', 'R', 'S', 'V',
	'T', 'W', 'Y', 'H',
	'K', 'D', 'B', 'N',
}

func init() {
	for i := range ASCIIToBaseTable {
		ASCIIToBaseTable[i] = BaseUnknown
	}
	for _, c := range []struct {
		ch   byte
		base BaseType
	}{
		{'A', BaseA}, {'C', BaseC}, {'G', BaseG}, {'T', BaseT}, {'U', BaseT},
	} {
		ASCIIToBaseTable[c.ch] = c.base
		ASCIIToBaseTable[c.ch+('a'-'A')] = c.base
	}
	ASCIIToBaseTable['*'] = BasePad
	// Some assembly formats use ',' for pads.
	ASCIIToBaseTable[','] = BasePad
}

// IUBCode returns the IUB character for a nonempty A=1/C=2/G=4/T=8 mask.
func IUBCode(mask uint8) byte {
	if mask == 0 || mask > 15 {
		return AmbiguousChar
	}
	return iubTable[mask]
}

// Strand identifies the orientation of a read relative to the contig.
type Strand byte

const (
	// StrandFwd means the read is aligned in the contig's orientation.
	StrandFwd Strand = iota
	// StrandRev means the read is reverse-complemented relative to the contig.
	StrandRev
)

// StrandToASCIITable is the Strand -> ASCII mapping.
var StrandToASCIITable = [...]byte{'+', '-'}

// BaseCall is a single (base, confidence) pair from a read.  Conf is on a
// phred-like 0..100 scale, where 100 asserts certainty (e.g. a manually
// edited base).
type BaseCall struct {
	Base BaseType
	Conf uint8
}

// MaxConf is the largest legal BaseCall.Conf value.
const MaxConf = 100

// Reads with the same (chemistry, strand) pair share a partition; evidence
// within a partition is treated as correlated.
const (
	chemSingle = 0
	chemDouble = 1

	nStrand    = 2
	nPartition = 4
)

func partitionIndex(chem int, strand Strand) int {
	return chem*nStrand + int(strand)
}
