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
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Mode selects the consensus algorithm.
type Mode int

const (
	// ModeConfidence is the confidence-weighted Bayesian consensus.
	ModeConfidence Mode = iota
	// ModeAdditive is the legacy base-frequency consensus.  It is not
	// implemented by this package; Calc rejects it.
	ModeAdditive
)

// MaxHalfBufferLen bounds the number of columns in each half of the stream
// window.  Larger MaxReadLen values are an allocation failure, reported with
// kind errors.Unavailable.
const MaxHalfBufferLen = 1 << 18

// Opts controls a Calc invocation.
type Opts struct {
	Mode Mode
	// ConsCutoff is the quality below which a column is reported as a dash.
	// In ambiguity mode it is the per-type threshold instead.
	ConsCutoff float64
	// QualCutoff is the minimum confidence for a read's call to be used at
	// all.  Zero-confidence calls are always ignored.
	QualCutoff int
	// Ambiguity enables IUB ambiguity codes in the consensus.
	Ambiguity bool
	// MaxReadLen sets the half-buffer size.  0 means Provider.MaxReadLength().
	MaxReadLen int
}

// DefaultOpts is the default set of options.
var DefaultOpts = Opts{
	Mode:       ModeConfidence,
	ConsCutoff: 0,
	QualCutoff: 0,
	Ambiguity:  false,
	MaxReadLen: 0,
}

// Output holds caller-owned result buffers.  Each buffer is either nil (not
// requested) or at least (end - start + 1) long; position i describes column
// start+i.
//
// If Cons2 is non-nil, dual-strand output is produced: Cons/Qual describe the
// forward strand and Cons2/Qual2 the reverse strand.  Dual-strand output and
// Discrep are mutually exclusive.
type Output struct {
	// Cons is required.
	Cons []byte
	Qual []float32

	Cons2 []byte
	Qual2 []float32

	// Discrep receives the confidence of the second-best supported base type,
	// a heterozygosity signal.
	Discrep []float32
	// Het receives the allele-ratio score of the two most observed types.
	Het []float32
}

func (o *Output) check(n int) error {
	short := func(name string, l int) error {
		return errors.E(errors.Invalid, fmt.Sprintf("consensus.Calc: %s buffer has length %d, need %d", name, l, n))
	}
	if o == nil || o.Cons == nil {
		return errors.E(errors.Invalid, "consensus.Calc: consensus buffer required")
	}
	if len(o.Cons) < n {
		return short("consensus", len(o.Cons))
	}
	if o.Qual != nil && len(o.Qual) < n {
		return short("quality", len(o.Qual))
	}
	if o.Cons2 != nil && len(o.Cons2) < n {
		return short("second consensus", len(o.Cons2))
	}
	if o.Qual2 != nil {
		if o.Cons2 == nil {
			return errors.E(errors.Invalid, "consensus.Calc: second quality buffer requires a second consensus buffer")
		}
		if len(o.Qual2) < n {
			return short("second quality", len(o.Qual2))
		}
	}
	if o.Discrep != nil {
		if o.Cons2 != nil {
			return errors.E(errors.Invalid, "consensus.Calc: discrepancy scores can't be combined with dual-strand output")
		}
		if len(o.Discrep) < n {
			return short("discrepancy", len(o.Discrep))
		}
	}
	if o.Het != nil && len(o.Het) < n {
		return short("allele-ratio", len(o.Het))
	}
	return nil
}

// Calc computes the consensus for columns [start, end] (0-based, inclusive)
// of contig, writing the results to out.  On error the contents of out are
// undefined.
//
// Provider protocol violations are reported with kind errors.Integrity.
// Numerically degenerate columns are not errors; they get a dash with
// quality 0.
func Calc(p Provider, contig ContigID, start, end int, opts Opts, out *Output) error {
	if opts.Mode != ModeConfidence {
		return errors.E(errors.NotSupported, fmt.Sprintf("consensus.Calc: unsupported mode %d", opts.Mode))
	}
	if start > end {
		return errors.E(errors.Invalid, fmt.Sprintf("consensus.Calc: start %d > end %d", start, end))
	}
	info, err := p.ContigInfo(contig)
	if err != nil {
		return errors.E(fmt.Sprintf("consensus.Calc: contig %d", contig), err)
	}
	if start < 0 || end >= info.Length {
		return errors.E(errors.Invalid, fmt.Sprintf("consensus.Calc: range [%d, %d] outside contig %d of length %d", start, end, contig, info.Length))
	}
	if err = out.check(end - start + 1); err != nil {
		return err
	}
	maxReadLen := opts.MaxReadLen
	if maxReadLen == 0 {
		maxReadLen = p.MaxReadLength()
	}
	if maxReadLen <= 0 || maxReadLen > MaxHalfBufferLen {
		return errors.E(errors.Unavailable, fmt.Sprintf("consensus.Calc: can't allocate half-buffers of %d columns (limit %d)", maxReadLen, MaxHalfBufferLen))
	}
	log.Debug.Printf("consensus.Calc: contig %d [%d, %d], half-buffer %d", contig, start, end, maxReadLen)
	s := newStream(p, start, end, maxReadLen, &opts, out)
	return s.run(info.FirstRead)
}
