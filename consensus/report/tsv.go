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
package report

import (
	"io"
	"strconv"

	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/bgzf"
	"github.com/pkg/errors"
)

// TSVWriter writes one line per consensus column:
//
//   #CONTIG  POS  CONS  QUAL  [CONS2  QUAL2]  [DISCREP]  [HET]
//
// POS is 1-based.  Missing qualities are written as ".".
type TSVWriter struct {
	fields Field
	w      *tsv.Writer
	bgzf   *bgzf.Writer
	header bool
}

// NewTSVWriter constructs a TSVWriter for contigs carrying fields.  If bgzip
// is set, the output is BGZF-compressed using parallelism goroutines.
func NewTSVWriter(w io.Writer, fields Field, bgzip bool, parallelism int) *TSVWriter {
	tw := &TSVWriter{fields: fields}
	if bgzip {
		tw.bgzf = bgzf.NewWriter(w, parallelism)
		w = tw.bgzf
	}
	tw.w = tsv.NewWriter(w)
	return tw
}

func (tw *TSVWriter) writeHeader() error {
	cols := []string{"#CONTIG", "POS", "CONS", "QUAL"}
	if tw.fields&FieldStrands != 0 {
		cols = append(cols, "CONS2", "QUAL2")
	}
	if tw.fields&FieldDiscrep != 0 {
		cols = append(cols, "DISCREP")
	}
	if tw.fields&FieldHet != 0 {
		cols = append(cols, "HET")
	}
	for _, col := range cols {
		tw.w.WriteString(col)
	}
	return tw.w.EndLine()
}

func (tw *TSVWriter) writeFloat(vals []float32, i int) {
	if vals == nil {
		tw.w.WriteByte('.')
		return
	}
	tw.w.WriteString(strconv.FormatFloat(float64(vals[i]), 'f', 2, 32))
}

// Write writes the columns of c.  c must carry exactly the writer's fields,
// ignoring FieldQual.
func (tw *TSVWriter) Write(c *Contig) error {
	if got, want := c.Fields()&^FieldQual, tw.fields&^FieldQual; got != want {
		return errors.Errorf("contig %s has fields %#x, TSV writer expects %#x", c.Name, got, want)
	}
	if !tw.header {
		if err := tw.writeHeader(); err != nil {
			return errors.Wrap(err, "write TSV header")
		}
		tw.header = true
	}
	for i := range c.Cons {
		tw.w.WriteString(c.Name)
		tw.w.WriteUint32(uint32(c.Start + i + 1))
		tw.w.WriteByte(c.Cons[i])
		tw.writeFloat(c.Qual, i)
		if c.Cons2 != nil {
			tw.w.WriteByte(c.Cons2[i])
			tw.writeFloat(c.Qual2, i)
		}
		if c.Discrep != nil {
			tw.writeFloat(c.Discrep, i)
		}
		if c.Het != nil {
			tw.writeFloat(c.Het, i)
		}
		if err := tw.w.EndLine(); err != nil {
			return errors.Wrapf(err, "write TSV %s:%d", c.Name, c.Start+i+1)
		}
	}
	return nil
}

// Close flushes the output, writing the header if no contig was written.
// It does not close the underlying writer.
func (tw *TSVWriter) Close() (err error) {
	if !tw.header {
		if err = tw.writeHeader(); err != nil {
			return errors.Wrap(err, "write TSV header")
		}
		tw.header = true
	}
	err = tw.w.Flush()
	if tw.bgzf != nil {
		if e := tw.bgzf.Close(); e != nil && err == nil {
			err = e
		}
	}
	return
}
