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
// Package report encodes consensus results for one or more contig ranges as
// FASTQ, TSV or recordio.
package report

import (
	"github.com/grailbio/contigtools/consensus"
)

// Field is a bitset naming the optional per-column values of a Contig.
type Field uint32

const (
	// FieldQual requests consensus qualities.
	FieldQual Field = 1 << iota
	// FieldStrands requests separate forward (Cons) and reverse (Cons2)
	// consensus sequences.
	FieldStrands
	// FieldDiscrep requests discrepancy scores.  It can't be combined with
	// FieldStrands.
	FieldDiscrep
	// FieldHet requests allele-ratio scores.
	FieldHet
)

// Contig holds the consensus for columns [Start, Start+len(Cons)) of the
// contig Name.  Start is 0-based.  Optional slices are nil when absent, and
// otherwise as long as Cons.
type Contig struct {
	Name  string
	Start int

	Cons []byte
	Qual []float32

	Cons2 []byte
	Qual2 []float32

	Discrep []float32
	Het     []float32
}

// NewContig allocates a Contig for the 0-based inclusive range [start, end].
func NewContig(name string, start, end int, fields Field) *Contig {
	n := end - start + 1
	c := &Contig{Name: name, Start: start, Cons: make([]byte, n)}
	if fields&FieldQual != 0 {
		c.Qual = make([]float32, n)
	}
	if fields&FieldStrands != 0 {
		c.Cons2 = make([]byte, n)
		if fields&FieldQual != 0 {
			c.Qual2 = make([]float32, n)
		}
	}
	if fields&FieldDiscrep != 0 {
		c.Discrep = make([]float32, n)
	}
	if fields&FieldHet != 0 {
		c.Het = make([]float32, n)
	}
	return c
}

// Fields returns the set of optional values c carries.
func (c *Contig) Fields() Field {
	var f Field
	if c.Qual != nil {
		f |= FieldQual
	}
	if c.Cons2 != nil {
		f |= FieldStrands
	}
	if c.Discrep != nil {
		f |= FieldDiscrep
	}
	if c.Het != nil {
		f |= FieldHet
	}
	return f
}

// End returns the last (0-based, inclusive) column of c.
func (c *Contig) End() int {
	return c.Start + len(c.Cons) - 1
}

// Output returns a consensus.Output that fills c's buffers.
func (c *Contig) Output() *consensus.Output {
	return &consensus.Output{
		Cons:    c.Cons,
		Qual:    c.Qual,
		Cons2:   c.Cons2,
		Qual2:   c.Qual2,
		Discrep: c.Discrep,
		Het:     c.Het,
	}
}
