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
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/pkg/errors"
)

const (
	contigNamesHeader = "ContigNames"
	rioTrailerVersion = 1
)

func init() {
	recordiozstd.Init()
}

// recordLen returns the serialized size of a contig record.
func recordLen(fields Field, nameLen, n int) int {
	size := 16 + nameLen + n
	if fields&FieldQual != 0 {
		size += 4 * n
	}
	if fields&FieldStrands != 0 {
		size += n
		if fields&FieldQual != 0 {
			size += 4 * n
		}
	}
	if fields&FieldDiscrep != 0 {
		size += 4 * n
	}
	if fields&FieldHet != 0 {
		size += 4 * n
	}
	return size
}

// Serialized contig format:
//   [0..4): fields
//   [4..8): start
//   [8..12): name length m
//   [12..16): column count n
//   name (m bytes), cons (n bytes)
//   if FieldQual, qual (4n bytes)
//   if FieldStrands, cons2 (n bytes), then qual2 (4n bytes) if FieldQual
//   if FieldDiscrep, discrep (4n bytes)
//   if FieldHet, het (4n bytes)
// Floats are little-endian IEEE 754.
func marshalContig(scratch []byte, p interface{}) ([]byte, error) {
	c := p.(*Contig)
	fields := c.Fields()
	if fields&FieldStrands != 0 && fields&FieldQual != 0 && c.Qual2 == nil {
		return nil, errors.Errorf("contig %s: reverse-strand qualities missing", c.Name)
	}
	n := len(c.Cons)
	bytesReq := recordLen(fields, len(c.Name), n)
	t := scratch
	if len(t) < bytesReq {
		t = make([]byte, bytesReq)
	}
	t = t[:bytesReq]
	binary.LittleEndian.PutUint32(t[0:4], uint32(fields))
	binary.LittleEndian.PutUint32(t[4:8], uint32(c.Start))
	binary.LittleEndian.PutUint32(t[8:12], uint32(len(c.Name)))
	binary.LittleEndian.PutUint32(t[12:16], uint32(n))
	off := 16
	off += copy(t[off:], c.Name)
	off += copy(t[off:], c.Cons)
	putFloats := func(vals []float32) {
		for _, v := range vals {
			binary.LittleEndian.PutUint32(t[off:off+4], math.Float32bits(v))
			off += 4
		}
	}
	putFloats(c.Qual)
	if fields&FieldStrands != 0 {
		off += copy(t[off:], c.Cons2)
		putFloats(c.Qual2)
	}
	putFloats(c.Discrep)
	putFloats(c.Het)
	return t, nil
}

func unmarshalContig(in []byte) (interface{}, error) {
	if len(in) < 16 {
		return nil, errors.Errorf("contig record too short: %d bytes", len(in))
	}
	fields := Field(binary.LittleEndian.Uint32(in[0:4]))
	start := int(binary.LittleEndian.Uint32(in[4:8]))
	m := int(binary.LittleEndian.Uint32(in[8:12]))
	n := int(binary.LittleEndian.Uint32(in[12:16]))
	if n == 0 {
		return nil, errors.Errorf("empty contig record")
	}
	if want := recordLen(fields, m, n); len(in) != want {
		return nil, errors.Errorf("contig record has %d bytes, want %d", len(in), want)
	}
	c := NewContig("", start, start+n-1, fields)
	off := 16
	c.Name = string(in[off : off+m])
	off += m
	off += copy(c.Cons, in[off:])
	getFloats := func(vals []float32) {
		for i := range vals {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(in[off : off+4]))
			off += 4
		}
	}
	getFloats(c.Qual)
	if c.Cons2 != nil {
		off += copy(c.Cons2, in[off:off+n])
		getFloats(c.Qual2)
	}
	getFloats(c.Discrep)
	getFloats(c.Het)
	return c, nil
}

func rioTrailer(numContigs int) []byte {
	var buffer bytes.Buffer
	if err := binary.Write(&buffer, binary.LittleEndian, int64(rioTrailerVersion)); err != nil {
		panic("couldn't write trailer version")
	}
	if err := binary.Write(&buffer, binary.LittleEndian, int64(numContigs)); err != nil {
		panic("couldn't write numContigs to trailer")
	}
	return buffer.Bytes()
}

func parseRioTrailer(trailer []byte) (int64, error) {
	r := bytes.NewReader(trailer)
	var version, numContigs int64
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return 0, err
	}
	if version != rioTrailerVersion {
		return 0, errors.Errorf("unrecognized trailer version: got %d, want %d", version, rioTrailerVersion)
	}
	if err := binary.Read(r, binary.LittleEndian, &numContigs); err != nil {
		return 0, err
	}
	return numContigs, nil
}

// WriteRio writes contigs to out as zstd-compressed recordio, one record per
// contig.
func WriteRio(out io.Writer, contigs []*Contig) error {
	names := make([]string, len(contigs))
	for i, c := range contigs {
		names[i] = c.Name
	}
	rw := recordio.NewWriter(out, recordio.WriterOpts{
		Marshal:      marshalContig,
		Transformers: []string{recordiozstd.Name},
	})
	rw.AddHeader(contigNamesHeader, strings.Join(names, "\000"))
	rw.AddHeader(recordio.KeyTrailer, true)
	for _, c := range contigs {
		rw.Append(c)
	}
	rw.SetTrailer(rioTrailer(len(contigs)))
	return rw.Finish()
}

// ReadRio reads contigs written by WriteRio.
func ReadRio(rs io.ReadSeeker) (contigs []*Contig, err error) {
	scanner := recordio.NewScanner(rs, recordio.ScannerOpts{
		Unmarshal: unmarshalContig,
	})
	if len(scanner.Trailer()) != 0 {
		var numContigs int64
		if numContigs, err = parseRioTrailer(scanner.Trailer()); err != nil {
			return nil, errors.Wrap(err, "recordio trailer")
		}
		contigs = make([]*Contig, 0, numContigs)
	}
	var names []string
	for _, kv := range scanner.Header() {
		if kv.Key == contigNamesHeader {
			if packed := kv.Value.(string); packed != "" {
				names = strings.Split(packed, "\000")
			}
		}
	}
	for scanner.Scan() {
		contigs = append(contigs, scanner.Get().(*Contig))
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read recordio")
	}
	if names != nil && len(names) != len(contigs) {
		return nil, errors.Errorf("recordio header lists %d contigs, found %d", len(names), len(contigs))
	}
	for i := range names {
		if names[i] != contigs[i].Name {
			return nil, errors.Errorf("recordio header names contig %d %q, record says %q", i, names[i], contigs[i].Name)
		}
	}
	return contigs, nil
}

// CreateRio writes contigs to path.
func CreateRio(ctx context.Context, path string, contigs []*Contig) (err error) {
	var dst file.File
	if dst, err = file.Create(ctx, path); err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer file.CloseAndReport(ctx, dst, &err)
	return WriteRio(dst.Writer(ctx), contigs)
}

// OpenRio reads the contigs stored in path.
func OpenRio(ctx context.Context, path string) (contigs []*Contig, err error) {
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	return ReadRio(in.Reader(ctx))
}
