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
	"context"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/contigtools/consensus"
	"github.com/grailbio/contigtools/encoding/fastq"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// revSuffix marks the reverse-strand record of a dual-strand contig.
const revSuffix = "/rev"

// EncodeQual returns the Phred+33 character for q, rounded and clamped to
// [0, fastq.MaxQual].
func EncodeQual(q float32) byte {
	v := math.Floor(float64(q) + 0.5)
	if v < 0 || math.IsNaN(v) {
		v = 0
	}
	if v > fastq.MaxQual {
		v = fastq.MaxQual
	}
	return fastq.QualOffset + byte(v)
}

// DecodeQual inverts EncodeQual.
func DecodeQual(c byte) float32 {
	return float32(c) - fastq.QualOffset
}

// recordName returns "name:start-end" with 1-based coordinates.
func recordName(c *Contig) string {
	return c.Name + ":" + strconv.Itoa(c.Start+1) + "-" + strconv.Itoa(c.End()+1)
}

func parseRecordName(s string) (name string, start, end int, err error) {
	colon := strings.LastIndexByte(s, ':')
	if colon < 0 {
		return "", 0, 0, errors.Errorf("malformed FASTQ record name %q", s)
	}
	name = s[:colon]
	rng := strings.SplitN(s[colon+1:], "-", 2)
	if len(rng) != 2 {
		return "", 0, 0, errors.Errorf("malformed FASTQ record range %q", s)
	}
	if start, err = strconv.Atoi(rng[0]); err != nil {
		return "", 0, 0, errors.Wrapf(err, "FASTQ record %q", s)
	}
	if end, err = strconv.Atoi(rng[1]); err != nil {
		return "", 0, 0, errors.Wrapf(err, "FASTQ record %q", s)
	}
	if start < 1 || end < start {
		return "", 0, 0, errors.Errorf("invalid FASTQ record range %q", s)
	}
	return name, start - 1, end - 1, nil
}

func fastqRecord(name string, cons []byte, qual []float32) *fastq.Record {
	r := &fastq.Record{
		Name: name,
		Seq:  make([]byte, len(cons)),
		Qual: make([]byte, len(cons)),
	}
	for i, c := range cons {
		if c == consensus.DashChar {
			c = consensus.AmbiguousChar
		}
		r.Seq[i] = c
		if qual != nil {
			r.Qual[i] = EncodeQual(qual[i])
		} else {
			r.Qual[i] = fastq.QualOffset
		}
	}
	return r
}

// FASTQWriter writes contigs as FASTQ records named "name:start-end" (1-based,
// inclusive).  Dashes are written as 'N'.  A dual-strand contig yields two
// records; the reverse-strand one has the suffix "/rev".
type FASTQWriter struct {
	w *fastq.Writer
}

// NewFASTQWriter constructs a FASTQWriter.  Flush must be called at the end.
func NewFASTQWriter(w io.Writer) *FASTQWriter {
	return &FASTQWriter{w: fastq.NewWriter(w)}
}

// Write writes c.
func (w *FASTQWriter) Write(c *Contig) error {
	name := recordName(c)
	if err := w.w.Write(fastqRecord(name, c.Cons, c.Qual)); err != nil {
		return errors.Wrapf(err, "write FASTQ %s", name)
	}
	if c.Cons2 != nil {
		if err := w.w.Write(fastqRecord(name+revSuffix, c.Cons2, c.Qual2)); err != nil {
			return errors.Wrapf(err, "write FASTQ %s", name)
		}
	}
	return nil
}

// Flush flushes buffered records.
func (w *FASTQWriter) Flush() error {
	return w.w.Flush()
}

// WriteFASTQ writes contigs to w.
func WriteFASTQ(w io.Writer, contigs []*Contig) error {
	fw := NewFASTQWriter(w)
	for _, c := range contigs {
		if err := fw.Write(c); err != nil {
			return err
		}
	}
	return fw.Flush()
}

// ReadFASTQ parses FASTQ data written by WriteFASTQ.  Dashes read back as 'N'.
func ReadFASTQ(r io.Reader) ([]*Contig, error) {
	var (
		contigs []*Contig
		rec     fastq.Record
	)
	s := fastq.NewScanner(r)
	for s.Scan(&rec) {
		rev := strings.HasSuffix(rec.Name, revSuffix)
		name, start, end, err := parseRecordName(strings.TrimSuffix(rec.Name, revSuffix))
		if err != nil {
			return nil, err
		}
		if end-start+1 != len(rec.Seq) {
			return nil, errors.Errorf("FASTQ record %s: range covers %d columns, sequence has %d", rec.Name, end-start+1, len(rec.Seq))
		}
		qual := make([]float32, len(rec.Qual))
		for i, q := range rec.Qual {
			qual[i] = DecodeQual(q)
		}
		if rev {
			var prev *Contig
			if len(contigs) > 0 {
				prev = contigs[len(contigs)-1]
			}
			if prev == nil || prev.Name != name || prev.Start != start || len(prev.Cons) != len(rec.Seq) || prev.Cons2 != nil {
				return nil, errors.Errorf("FASTQ record %s does not follow its forward-strand record", rec.Name)
			}
			prev.Cons2, prev.Qual2 = rec.Seq, qual
			continue
		}
		contigs = append(contigs, &Contig{Name: name, Start: start, Cons: rec.Seq, Qual: qual})
	}
	if err := s.Err(); err != nil {
		return nil, errors.Wrap(err, "read FASTQ")
	}
	return contigs, nil
}

// FASTQFile is a FASTQ output file, gzip-compressed if its path ends in
// ".gz".
type FASTQFile struct {
	f  file.File
	gz *gzip.Writer
	*FASTQWriter
}

// NewFASTQFile creates path.
func NewFASTQFile(ctx context.Context, path string) (*FASTQFile, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	ff := &FASTQFile{f: f}
	w := f.Writer(ctx)
	if strings.HasSuffix(path, ".gz") {
		ff.gz = gzip.NewWriter(w)
		w = ff.gz
	}
	ff.FASTQWriter = NewFASTQWriter(w)
	return ff, nil
}

// Close flushes and closes the file.
func (ff *FASTQFile) Close(ctx context.Context) (err error) {
	defer file.CloseAndReport(ctx, ff.f, &err)
	if err = ff.Flush(); err != nil {
		return
	}
	if ff.gz != nil {
		if err = ff.gz.Close(); err != nil {
			return errors.Wrapf(err, "close %s", ff.f.Name())
		}
	}
	return nil
}

// OpenFASTQ reads the contigs in a FASTQ file written by FASTQFile.
func OpenFASTQ(ctx context.Context, path string) (contigs []*Contig, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer file.CloseAndReport(ctx, f, &err)
	var r io.Reader = f.Reader(ctx)
	if strings.HasSuffix(path, ".gz") {
		gz, gzErr := gzip.NewReader(r)
		if gzErr != nil {
			return nil, errors.Wrapf(gzErr, "gunzip %s", path)
		}
		defer func() {
			if e := gz.Close(); e != nil && err == nil {
				err = e
			}
		}()
		r = gz
	}
	return ReadFASTQ(r)
}

