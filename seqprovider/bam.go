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
package seqprovider

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/contigtools/consensus"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/hts/bgzf/index"
	"github.com/grailbio/hts/sam"
)

// BAMOpts controls how BAM records are turned into reads.
type BAMOpts struct {
	// Index is the .bai path.  Without an index, each ContigInfo call scans
	// the BAM from the beginning.
	Index string
	// FlagExclude: records with a FLAG bit intersecting this value are
	// skipped.
	FlagExclude int
	// MinMapQ: records with a lower MAPQ are skipped.
	MinMapQ int
	// MaxReadLen is the longest reference span a read may have.
	MaxReadLen int
	// DoubleChemTag names an integer aux tag; a nonzero value marks the read
	// as having strand-independent chemistry.  Empty disables the check.
	DoubleChemTag string
	// DefaultConf is the confidence assigned to bases without a quality
	// score.
	DefaultConf int
}

// DefaultBAMOpts is the default set of BAM options.  The flag mask excludes
// unmapped, secondary, QC-failed, duplicate and supplementary records.
var DefaultBAMOpts = BAMOpts{
	FlagExclude: 0xf04,
	MinMapQ:     0,
	MaxReadLen:  1024,
	DefaultConf: 20,
}

// maxBAMConf caps confidences derived from BAM base qualities.  Confidence
// 100 asserts certainty, which a sequencer-assigned quality never does.
const maxBAMConf = consensus.MaxConf - 1

// recordIter is the subset of *bam.Iterator that BAM uses.
type recordIter interface {
	Next() bool
	Record() *sam.Record
	Error() error
	Close() error
}

// readerIter iterates over every remaining record of a bam.Reader.
type readerIter struct {
	r   *bam.Reader
	rec *sam.Record
	err error
}

func (it *readerIter) Next() bool {
	if it.err != nil {
		return false
	}
	it.rec, it.err = it.r.Read()
	return it.err == nil
}

func (it *readerIter) Record() *sam.Record { return it.rec }

func (it *readerIter) Error() error {
	if it.err == io.EOF {
		return nil
	}
	return it.err
}

func (it *readerIter) Close() error { return nil }

// BAM is a streaming consensus.Provider backed by a coordinate-sorted BAM
// file.  Only the current read is held in memory: ReadInfo and ReadSequence
// must be called with the ID most recently returned by ContigInfo or
// NextRead.
type BAM struct {
	ctx    context.Context
	path   string
	opts   BAMOpts
	header *sam.Header
	index  *bam.Index

	in     file.File
	reader *bam.Reader
	iter   recordIter
	tag    sam.Tag
	hasTag bool

	contig *sam.Reference
	curID  consensus.ReadID
	cur    consensus.ReadInfo
	calls  []consensus.BaseCall

	outstanding int
}

// NewBAM opens path and reads its header (and index, if opts.Index is set).
func NewBAM(ctx context.Context, path string, opts BAMOpts) (b *BAM, err error) {
	b = &BAM{ctx: ctx, path: path, opts: opts, curID: consensus.NoRead}
	if opts.DoubleChemTag != "" {
		if len(opts.DoubleChemTag) != 2 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("seqprovider.NewBAM: invalid aux tag %q", opts.DoubleChemTag))
		}
		b.tag = sam.NewTag(opts.DoubleChemTag)
		b.hasTag = true
	}
	if opts.MaxReadLen <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("seqprovider.NewBAM: invalid max read length %d", opts.MaxReadLen))
	}
	if opts.Index != "" {
		var idxFile file.File
		if idxFile, err = file.Open(ctx, opts.Index); err != nil {
			return nil, errors.E(err, "seqprovider.NewBAM: index", opts.Index)
		}
		b.index, err = bam.ReadIndex(idxFile.Reader(ctx))
		if e := idxFile.Close(ctx); e != nil && err == nil {
			err = e
		}
		if err != nil {
			return nil, errors.E(err, "seqprovider.NewBAM: reading index", opts.Index)
		}
	}
	if err = b.open(); err != nil {
		return nil, err
	}
	b.header = b.reader.Header()
	return b, nil
}

func (b *BAM) open() (err error) {
	if b.in, err = file.Open(b.ctx, b.path); err != nil {
		return errors.E(err, "seqprovider.BAM: open", b.path)
	}
	if b.reader, err = bam.NewReader(b.in.Reader(b.ctx), 1); err != nil {
		_ = b.in.Close(b.ctx)
		b.in = nil
		return errors.E(err, "seqprovider.BAM: reading", b.path)
	}
	if !b.hasTag {
		b.reader.Omit(bam.AuxTags)
	}
	return nil
}

func (b *BAM) closeReader() (err error) {
	if b.iter != nil {
		err = b.iter.Close()
		b.iter = nil
	}
	if b.reader != nil {
		if e := b.reader.Close(); e != nil && err == nil {
			err = e
		}
		b.reader = nil
	}
	if b.in != nil {
		if e := b.in.Close(b.ctx); e != nil && err == nil {
			err = e
		}
		b.in = nil
	}
	return
}

// Close releases the underlying file.
func (b *BAM) Close() error {
	return b.closeReader()
}

// Header returns the BAM header.  Contig IDs are reference IDs.
func (b *BAM) Header() *sam.Header {
	return b.header
}

// ContigByName returns the ID of the named reference.
func (b *BAM) ContigByName(name string) (consensus.ContigID, bool) {
	for _, ref := range b.header.Refs() {
		if ref.Name() == name {
			return consensus.ContigID(ref.ID()), true
		}
	}
	return 0, false
}

// ContigInfo implements consensus.Provider.  It repositions the stream at the
// start of the contig.
func (b *BAM) ContigInfo(contig consensus.ContigID) (info consensus.ContigInfo, err error) {
	refs := b.header.Refs()
	if contig < 0 || int(contig) >= len(refs) {
		return info, errors.E(errors.NotExist, fmt.Sprintf("seqprovider.BAM: no reference %d in %s", contig, b.path))
	}
	b.contig = refs[contig]
	if err = b.closeReader(); err != nil {
		return
	}
	if err = b.open(); err != nil {
		return
	}
	if b.index != nil {
		var chunks []bgzf.Chunk
		chunks, err = b.index.Chunks(b.contig, 0, b.contig.Len())
		if err == index.ErrInvalid {
			// No reads on this reference.
			chunks, err = nil, nil
		}
		if err != nil {
			return info, errors.E(err, "seqprovider.BAM: index lookup for", b.contig.Name())
		}
		if len(chunks) == 0 {
			b.iter = &readerIter{err: io.EOF}
		} else if b.iter, err = bam.NewIterator(b.reader, chunks); err != nil {
			return info, errors.E(err, "seqprovider.BAM: seeking to", b.contig.Name())
		}
	} else {
		b.iter = &readerIter{r: b.reader}
	}
	b.curID = consensus.NoRead
	info.Length = b.contig.Len()
	info.FirstRead, err = b.advance()
	log.Debug.Printf("seqprovider.BAM: %s: contig %s, length %d", b.path, b.contig.Name(), info.Length)
	return
}

// NextRead implements consensus.Provider.
func (b *BAM) NextRead(cur consensus.ReadID) (consensus.ReadID, error) {
	if err := b.checkCurrent(cur); err != nil {
		return consensus.NoRead, err
	}
	return b.advance()
}

func (b *BAM) checkCurrent(id consensus.ReadID) error {
	if id == consensus.NoRead || id != b.curID {
		return errors.E(errors.Precondition, fmt.Sprintf("seqprovider.BAM: read %d is not the current read (%d)", id, b.curID))
	}
	return nil
}

// advance moves to the next usable record of the current contig.
func (b *BAM) advance() (consensus.ReadID, error) {
	if b.curID == consensus.NoRead {
		b.curID = 0
	}
	refID := b.contig.ID()
	for b.iter.Next() {
		rec := b.iter.Record()
		b.curID++
		if rec.Ref == nil || rec.Ref.ID() < refID {
			continue
		}
		if rec.Ref.ID() > refID {
			break
		}
		if b.opts.FlagExclude&int(rec.Flags) != 0 || int(rec.MapQ) < b.opts.MinMapQ || len(rec.Cigar) == 0 {
			continue
		}
		ok, err := b.load(rec)
		if err != nil {
			return consensus.NoRead, err
		}
		if ok {
			return b.curID, nil
		}
	}
	b.curID = consensus.NoRead
	if err := b.iter.Error(); err != nil {
		return consensus.NoRead, errors.E(err, "seqprovider.BAM: reading", b.path)
	}
	return consensus.NoRead, nil
}

// load converts rec into b.cur and b.calls.  It returns false for records
// that don't map to a contiguous run of columns.
func (b *BAM) load(rec *sam.Record) (bool, error) {
	seq := rec.Seq.Expand()
	qual := rec.Qual
	conf := func(i int) uint8 {
		if i >= len(qual) || qual[i] == 0xff {
			return uint8(b.opts.DefaultConf)
		}
		if qual[i] > maxBAMConf {
			return maxBAMConf
		}
		return qual[i]
	}
	b.calls = b.calls[:0]
	readPos := 0
	for _, co := range rec.Cigar {
		n := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			if readPos+n > len(seq) {
				return false, errors.E(errors.Invalid, fmt.Sprintf("seqprovider.BAM: read %s: CIGAR %v longer than sequence", rec.Name, rec.Cigar))
			}
			for i := 0; i < n; i++ {
				b.calls = append(b.calls, consensus.BaseCall{
					Base: consensus.ASCIIToBaseTable[seq[readPos+i]],
					Conf: conf(readPos + i),
				})
			}
			readPos += n
		case sam.CigarDeletion:
			// A deleted base is a pad in this read; it is as trustworthy as the
			// weaker of its neighbors.
			padConf := uint8(b.opts.DefaultConf)
			switch {
			case readPos > 0 && readPos < len(seq):
				padConf = minConf(conf(readPos-1), conf(readPos))
			case readPos > 0:
				padConf = conf(readPos - 1)
			case readPos < len(seq):
				padConf = conf(readPos)
			}
			for i := 0; i < n; i++ {
				b.calls = append(b.calls, consensus.BaseCall{Base: consensus.BasePad, Conf: padConf})
			}
		case sam.CigarInsertion, sam.CigarSoftClipped:
			// Insertions have no column in the unpadded reference.
			readPos += n
		case sam.CigarHardClipped, sam.CigarPadded:
		case sam.CigarSkipped:
			log.Debug.Printf("seqprovider.BAM: skipping spliced read %s", rec.Name)
			return false, nil
		default:
			return false, errors.E(errors.NotSupported, fmt.Sprintf("seqprovider.BAM: read %s: unexpected CIGAR op %v", rec.Name, co))
		}
	}
	if len(b.calls) == 0 {
		return false, nil
	}
	if len(b.calls) > b.opts.MaxReadLen {
		log.Debug.Printf("seqprovider.BAM: skipping read %s spanning %d columns (max %d)", rec.Name, len(b.calls), b.opts.MaxReadLen)
		return false, nil
	}
	strand := consensus.StrandFwd
	if rec.Flags&sam.Reverse != 0 {
		strand = consensus.StrandRev
	}
	b.cur = consensus.ReadInfo{
		Start:      rec.Pos,
		Length:     len(b.calls),
		Strand:     strand,
		DoubleChem: b.doubleChem(rec),
		Name:       rec.Name,
	}
	return true, nil
}

func minConf(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}

func (b *BAM) doubleChem(rec *sam.Record) bool {
	if !b.hasTag {
		return false
	}
	aux := rec.AuxFields.Get(b.tag)
	if aux == nil {
		return false
	}
	switch aux.Type() {
	case 'c', 'C', 's', 'S', 'i', 'I':
	default:
		log.Debug.Printf("seqprovider.BAM: read %s: ignoring non-integer %s tag", rec.Name, b.opts.DoubleChemTag)
		return false
	}
	switch v := aux.Value().(type) {
	case int8:
		return v != 0
	case uint8:
		return v != 0
	case int16:
		return v != 0
	case uint16:
		return v != 0
	case int32:
		return v != 0
	case uint32:
		return v != 0
	}
	return false
}

// ReadInfo implements consensus.Provider.
func (b *BAM) ReadInfo(id consensus.ReadID) (consensus.ReadInfo, error) {
	if err := b.checkCurrent(id); err != nil {
		return consensus.ReadInfo{}, err
	}
	return b.cur, nil
}

// ReadSequence implements consensus.Provider.  The returned slice is only
// valid until ReleaseSequence.
func (b *BAM) ReadSequence(id consensus.ReadID, start, end int) ([]consensus.BaseCall, error) {
	if err := b.checkCurrent(id); err != nil {
		return nil, err
	}
	if start < 0 || start > end || end > len(b.calls) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("seqprovider.BAM: range [%d, %d) outside read %s of length %d", start, end, b.cur.Name, len(b.calls)))
	}
	b.outstanding++
	return b.calls[start:end], nil
}

// ReleaseSequence implements consensus.Provider.
func (b *BAM) ReleaseSequence(id consensus.ReadID, seq []consensus.BaseCall) {
	b.outstanding--
}

// Outstanding returns the number of sequences fetched but not yet released.
func (b *BAM) Outstanding() int {
	return b.outstanding
}

// MaxReadLength implements consensus.Provider.
func (b *BAM) MaxReadLength() int {
	return b.opts.MaxReadLen
}
