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
	"fmt"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/contigtools/consensus"
)

// Read is an aligned read, as stored by Memory.
type Read struct {
	Name string
	// Start is the 0-based contig column of Calls[0].
	Start      int
	Strand     consensus.Strand
	DoubleChem bool
	Calls      []consensus.BaseCall
}

// ParseCalls builds a call slice from a sequence string (A/C/G/T, '*' for
// pads, anything else unknown) and per-base confidences.
func ParseCalls(seq string, conf []uint8) ([]consensus.BaseCall, error) {
	if len(seq) != len(conf) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("seqprovider.ParseCalls: %d bases but %d confidences", len(seq), len(conf)))
	}
	calls := make([]consensus.BaseCall, len(seq))
	for i := range calls {
		calls[i] = consensus.BaseCall{Base: consensus.ASCIIToBaseTable[seq[i]], Conf: conf[i]}
	}
	return calls, nil
}

// readNode orders a contig's reads by (start, id).  IDs are handed out in
// insertion order, so reads with equal starts keep the order they were added
// in.
type readNode struct {
	start int
	id    consensus.ReadID
}

func (n *readNode) Compare(c llrb.Comparable) int {
	o := c.(*readNode)
	if n.start != o.start {
		if n.start < o.start {
			return -1
		}
		return 1
	}
	if n.id < o.id {
		return -1
	} else if n.id > o.id {
		return 1
	}
	return 0
}

type memContig struct {
	name   string
	length int
	reads  llrb.Tree
}

type memRead struct {
	contig consensus.ContigID
	Read
}

// Memory is an in-memory consensus.Provider.  It is intended for tests and
// for callers that already hold a contig's reads; it is not safe for
// concurrent use.
type Memory struct {
	maxReadLen  int
	observedMax int
	contigs     []memContig
	reads       []memRead
	outstanding int
}

// NewMemory returns an empty provider.  If maxReadLen is positive, it is
// reported by MaxReadLength and longer reads are rejected; otherwise the
// longest read added so far is reported.
func NewMemory(maxReadLen int) *Memory {
	return &Memory{maxReadLen: maxReadLen}
}

// AddContig adds an empty contig.
func (m *Memory) AddContig(name string, length int) consensus.ContigID {
	m.contigs = append(m.contigs, memContig{name: name, length: length})
	return consensus.ContigID(len(m.contigs) - 1)
}

// AddRead adds a read to contig.  The read's calls are not copied.
func (m *Memory) AddRead(contig consensus.ContigID, r Read) (consensus.ReadID, error) {
	c, err := m.contig(contig)
	if err != nil {
		return consensus.NoRead, err
	}
	n := len(r.Calls)
	if r.Start < 0 || r.Start+n > c.length {
		return consensus.NoRead, errors.E(errors.Invalid, fmt.Sprintf("seqprovider.Memory: read %s [%d, %d) outside contig %s of length %d", r.Name, r.Start, r.Start+n, c.name, c.length))
	}
	if m.maxReadLen > 0 && n > m.maxReadLen {
		return consensus.NoRead, errors.E(errors.Invalid, fmt.Sprintf("seqprovider.Memory: read %s has length %d, max is %d", r.Name, n, m.maxReadLen))
	}
	if n > m.observedMax {
		m.observedMax = n
	}
	id := consensus.ReadID(len(m.reads))
	m.reads = append(m.reads, memRead{contig: contig, Read: r})
	c.reads.Insert(&readNode{start: r.Start, id: id})
	return id, nil
}

func (m *Memory) contig(contig consensus.ContigID) (*memContig, error) {
	if contig < 0 || int(contig) >= len(m.contigs) {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("seqprovider.Memory: no contig %d", contig))
	}
	return &m.contigs[contig], nil
}

func (m *Memory) read(id consensus.ReadID) (*memRead, error) {
	if id < 0 || int(id) >= len(m.reads) {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("seqprovider.Memory: no read %d", id))
	}
	return &m.reads[id], nil
}

// ContigInfo implements consensus.Provider.
func (m *Memory) ContigInfo(contig consensus.ContigID) (consensus.ContigInfo, error) {
	c, err := m.contig(contig)
	if err != nil {
		return consensus.ContigInfo{}, err
	}
	info := consensus.ContigInfo{Length: c.length, FirstRead: consensus.NoRead}
	if first := c.reads.Min(); first != nil {
		info.FirstRead = first.(*readNode).id
	}
	return info, nil
}

// NextRead implements consensus.Provider.
func (m *Memory) NextRead(cur consensus.ReadID) (consensus.ReadID, error) {
	r, err := m.read(cur)
	if err != nil {
		return consensus.NoRead, err
	}
	// No key lies strictly between (start, cur) and (start, cur+1).
	next := m.contigs[r.contig].reads.Ceil(&readNode{start: r.Start, id: cur + 1})
	if next == nil {
		return consensus.NoRead, nil
	}
	return next.(*readNode).id, nil
}

// ReadInfo implements consensus.Provider.
func (m *Memory) ReadInfo(id consensus.ReadID) (consensus.ReadInfo, error) {
	r, err := m.read(id)
	if err != nil {
		return consensus.ReadInfo{}, err
	}
	return consensus.ReadInfo{
		Start:      r.Start,
		Length:     len(r.Calls),
		Strand:     r.Strand,
		DoubleChem: r.DoubleChem,
		Name:       r.Name,
	}, nil
}

// ReadSequence implements consensus.Provider.  The result is a copy.
func (m *Memory) ReadSequence(id consensus.ReadID, start, end int) ([]consensus.BaseCall, error) {
	r, err := m.read(id)
	if err != nil {
		return nil, err
	}
	if start < 0 || start > end || end > len(r.Calls) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("seqprovider.Memory: range [%d, %d) outside read %s of length %d", start, end, r.Name, len(r.Calls)))
	}
	m.outstanding++
	return append([]consensus.BaseCall(nil), r.Calls[start:end]...), nil
}

// ReleaseSequence implements consensus.Provider.
func (m *Memory) ReleaseSequence(id consensus.ReadID, seq []consensus.BaseCall) {
	m.outstanding--
}

// Outstanding returns the number of sequences fetched but not yet released.
func (m *Memory) Outstanding() int {
	return m.outstanding
}

// MaxReadLength implements consensus.Provider.
func (m *Memory) MaxReadLength() int {
	if m.maxReadLen > 0 {
		return m.maxReadLen
	}
	if m.observedMax == 0 {
		return 1
	}
	return m.observedMax
}
