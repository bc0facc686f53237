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
)

// Fragment stream controller.
//
// Reads arrive in start order.  Suppose no read is longer than L columns, and
// the next read starts at column x.  Then no later read can touch a column
// before x, so once x > bufStart + L every column in [bufStart, bufStart + L)
// is final.  It is therefore enough to keep accumulators for 2L consecutive
// columns: the "front" half, which is finalized and recycled as the "back"
// half once the stream moves past it, and the "back" half, which holds the
// tails of reads that started in the front half.

// halfBuffer holds the accumulators for L consecutive columns.
type halfBuffer struct {
	cols []column
}

func (hb *halfBuffer) clear() {
	for i := range hb.cols {
		hb.cols[i].reset()
	}
}

// bufferID names one of the two half-buffers.
type bufferID int

const (
	bufferA bufferID = iota
	bufferB
)

// window covers columns [start, start + 2*size).
type window struct {
	a, b  halfBuffer
	front bufferID
	start int
	size  int
}

func newWindow(start, size int) window {
	return window{
		a:     halfBuffer{cols: make([]column, size)},
		b:     halfBuffer{cols: make([]column, size)},
		front: bufferA,
		start: start,
		size:  size,
	}
}

func (w *window) frontBuf() *halfBuffer {
	if w.front == bufferA {
		return &w.a
	}
	return &w.b
}

func (w *window) backBuf() *halfBuffer {
	if w.front == bufferA {
		return &w.b
	}
	return &w.a
}

// col returns the accumulator for pos, which must be in
// [w.start, w.start + 2*w.size).
func (w *window) col(pos int) *column {
	off := pos - w.start
	if off < w.size {
		return &w.frontBuf().cols[off]
	}
	return &w.backBuf().cols[off-w.size]
}

// advance clears the front half and makes it the new back half.
func (w *window) advance() {
	w.frontBuf().clear()
	if w.front == bufferA {
		w.front = bufferB
	} else {
		w.front = bufferA
	}
	w.start += w.size
}

// Fragment is the not-yet-scattered part of one read.
type Fragment struct {
	Read       ReadID
	Calls      []BaseCall
	Strand     Strand
	DoubleChem bool
}

type stream struct {
	p          Provider
	start, end int // requested columns, inclusive
	qualCutoff int
	dual       bool
	out        *Output
	cb         *combiner
	win        window
	// prevStart is the start of the previous read, valid if havePrev.
	prevStart int
	havePrev  bool
}

func newStream(p Provider, start, end, maxReadLen int, opts *Opts, out *Output) *stream {
	return &stream{
		p:          p,
		start:      start,
		end:        end,
		qualCutoff: opts.QualCutoff,
		dual:       out.Cons2 != nil,
		out:        out,
		cb:         newCombiner(opts),
		win:        newWindow(start, maxReadLen),
	}
}

func protocolError(msg string, args ...interface{}) error {
	return errors.E(errors.Integrity, fmt.Sprintf("consensus: provider protocol violation: "+msg, args...))
}

// run consumes the provider's reads starting at first, and fills s.out.
func (s *stream) run(first ReadID) error {
	id := first
	for id != NoRead {
		info, err := s.p.ReadInfo(id)
		if err != nil {
			return errors.E(errors.Integrity, fmt.Sprintf("consensus: read %d", id), err)
		}
		if s.havePrev && info.Start < s.prevStart {
			return protocolError("read %s (%d) starts at %d, before previous read start %d", info.Name, id, info.Start, s.prevStart)
		}
		s.prevStart, s.havePrev = info.Start, true
		if info.Length < 0 {
			return protocolError("read %s (%d) has negative length %d", info.Name, id, info.Length)
		}
		if info.Start > s.end {
			break
		}
		if info.End() > s.start && info.Length > 0 {
			if info.Length > s.win.size {
				return protocolError("read %s (%d) has length %d, max read length is %d", info.Name, id, info.Length, s.win.size)
			}
			for info.Start > s.win.start+s.win.size {
				s.flushFront()
			}
			if err = s.admit(id, &info); err != nil {
				return err
			}
		}
		if id, err = s.p.NextRead(id); err != nil {
			return errors.E(errors.Integrity, "consensus: next read", err)
		}
	}
	for s.win.start <= s.end {
		s.flushFront()
	}
	return nil
}

// admit fetches the part of the read inside [s.start, s.end] and scatters it
// into the window.  The fetched sequence is always released.
func (s *stream) admit(id ReadID, info *ReadInfo) (err error) {
	colStart := info.Start
	if colStart < s.start {
		colStart = s.start
	}
	colEnd := info.End()
	if colEnd > s.end+1 {
		colEnd = s.end + 1
	}
	lo, hi := colStart-info.Start, colEnd-info.Start
	calls, err := s.p.ReadSequence(id, lo, hi)
	if err != nil {
		return errors.E(errors.Integrity, fmt.Sprintf("consensus: sequence of read %s (%d)", info.Name, id), err)
	}
	defer s.p.ReleaseSequence(id, calls)
	if len(calls) != hi-lo {
		return protocolError("read %s (%d) returned %d calls for range [%d, %d)", info.Name, id, len(calls), lo, hi)
	}
	if info.Strand != StrandFwd && info.Strand != StrandRev {
		return protocolError("read %s (%d) has invalid strand %d", info.Name, id, info.Strand)
	}
	frag := Fragment{
		Read:       id,
		Calls:      calls,
		Strand:     info.Strand,
		DoubleChem: info.DoubleChem,
	}
	s.scatter(&frag, colStart)
	return nil
}

// scatter adds frag's calls to the accumulators of columns colStart,
// colStart+1, ..., consuming the fragment.
func (s *stream) scatter(frag *Fragment, colStart int) {
	chem := chemSingle
	if frag.DoubleChem {
		chem = chemDouble
	}
	p0 := partitionIndex(chem, frag.Strand)
	p1 := -1
	if frag.DoubleChem && s.dual {
		// The chemistry applies to both strands; each strand-specific consensus
		// should see it once.
		p0 = partitionIndex(chemDouble, StrandFwd)
		p1 = partitionIndex(chemDouble, StrandRev)
	}
	pos := colStart
	for len(frag.Calls) != 0 {
		bc := frag.Calls[0]
		frag.Calls = frag.Calls[1:]
		conf := int(bc.Conf)
		if conf > MaxConf {
			conf = MaxConf
		}
		if conf != 0 && conf >= s.qualCutoff {
			col := s.win.col(pos)
			col.add(p0, bc.Base, uint8(conf))
			if p1 >= 0 {
				col.add(p1, bc.Base, uint8(conf))
			}
		}
		pos++
	}
}

// flushFront finalizes every requested column in the front half-buffer, then
// advances the window.
func (s *stream) flushFront() {
	hb := s.win.frontBuf()
	for off := range hb.cols {
		pos := s.win.start + off
		if pos > s.end {
			break
		}
		if pos >= s.start {
			s.emit(pos, &hb.cols[off])
		}
	}
	s.win.advance()
}

func (s *stream) emit(pos int, col *column) {
	i := pos - s.start
	out := s.out
	if s.dual {
		c, _ := s.cb.combine(col, fwdPartitions, false)
		out.Cons[i] = c.char
		if out.Qual != nil {
			out.Qual[i] = float32(c.qual)
		}
		c, _ = s.cb.combine(col, revPartitions, false)
		out.Cons2[i] = c.char
		if out.Qual2 != nil {
			out.Qual2[i] = float32(c.qual)
		}
	} else {
		c, d := s.cb.combine(col, allPartitions, out.Discrep != nil)
		out.Cons[i] = c.char
		if out.Qual != nil {
			out.Qual[i] = float32(c.qual)
		}
		if out.Discrep != nil {
			out.Discrep[i] = float32(d)
		}
	}
	if out.Het != nil {
		out.Het[i] = float32(alleleRatio(col, allPartitions))
	}
}
