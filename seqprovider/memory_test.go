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
package seqprovider_test

import (
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/contigtools/consensus"
	"github.com/grailbio/contigtools/seqprovider"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func mustCalls(t *testing.T, seq string, conf ...uint8) []consensus.BaseCall {
	calls, err := seqprovider.ParseCalls(seq, conf)
	assert.NoError(t, err)
	return calls
}

// readNames enumerates contig's reads in provider order, fetching and
// releasing every sequence.
func readNames(t *testing.T, p consensus.Provider, contig consensus.ContigID) (names []string) {
	info, err := p.ContigInfo(contig)
	assert.NoError(t, err)
	for id := info.FirstRead; id != consensus.NoRead; {
		ri, err := p.ReadInfo(id)
		assert.NoError(t, err)
		seq, err := p.ReadSequence(id, 0, ri.Length)
		assert.NoError(t, err)
		expect.EQ(t, len(seq), ri.Length)
		p.ReleaseSequence(id, seq)
		names = append(names, ri.Name)
		id, err = p.NextRead(id)
		assert.NoError(t, err)
	}
	return
}

func TestParseCalls(t *testing.T) {
	calls := mustCalls(t, "AcG*uN", 1, 2, 3, 4, 5, 6)
	expect.EQ(t, calls, []consensus.BaseCall{
		{Base: consensus.BaseA, Conf: 1},
		{Base: consensus.BaseC, Conf: 2},
		{Base: consensus.BaseG, Conf: 3},
		{Base: consensus.BasePad, Conf: 4},
		{Base: consensus.BaseT, Conf: 5},
		{Base: consensus.BaseUnknown, Conf: 6},
	})
	_, err := seqprovider.ParseCalls("AC", []uint8{1})
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestMemoryOrder(t *testing.T) {
	p := seqprovider.NewMemory(0)
	c0 := p.AddContig("c0", 100)
	c1 := p.AddContig("c1", 10)
	c2 := p.AddContig("c2", 10)
	for _, r := range []struct {
		contig consensus.ContigID
		name   string
		start  int
	}{
		{c0, "r40", 40},
		{c0, "r10a", 10},
		{c1, "s0", 0},
		{c0, "r10b", 10},
		{c0, "r0", 0},
		{c0, "r90", 90},
		{c0, "r10c", 10},
	} {
		_, err := p.AddRead(r.contig, seqprovider.Read{Name: r.name, Start: r.start, Calls: mustCalls(t, "ACG", 30, 30, 30)})
		assert.NoError(t, err)
	}
	expect.EQ(t, readNames(t, p, c0), []string{"r0", "r10a", "r10b", "r10c", "r40", "r90"})
	expect.EQ(t, readNames(t, p, c1), []string{"s0"})
	expect.EQ(t, len(readNames(t, p, c2)), 0)
	expect.EQ(t, p.Outstanding(), 0)
	expect.EQ(t, p.MaxReadLength(), 3)

	info, err := p.ContigInfo(c2)
	assert.NoError(t, err)
	expect.EQ(t, info, consensus.ContigInfo{Length: 10, FirstRead: consensus.NoRead})
}

func TestMemoryErrors(t *testing.T) {
	p := seqprovider.NewMemory(4)
	ctg := p.AddContig("ctg", 10)
	expect.EQ(t, p.MaxReadLength(), 4)

	_, err := p.AddRead(ctg, seqprovider.Read{Start: 8, Calls: mustCalls(t, "ACG", 1, 1, 1)})
	expect.True(t, errors.Is(errors.Invalid, err), "got %v", err)
	_, err = p.AddRead(ctg, seqprovider.Read{Start: 0, Calls: mustCalls(t, "ACGTA", 1, 1, 1, 1, 1)})
	expect.True(t, errors.Is(errors.Invalid, err), "got %v", err)
	_, err = p.AddRead(ctg+1, seqprovider.Read{Calls: mustCalls(t, "A", 1)})
	expect.True(t, errors.Is(errors.NotExist, err), "got %v", err)

	id, err := p.AddRead(ctg, seqprovider.Read{Start: 6, Calls: mustCalls(t, "ACGT", 1, 2, 3, 4)})
	assert.NoError(t, err)
	seq, err := p.ReadSequence(id, 1, 3)
	assert.NoError(t, err)
	expect.EQ(t, seq, mustCalls(t, "CG", 2, 3))
	expect.EQ(t, p.Outstanding(), 1)
	p.ReleaseSequence(id, seq)
	expect.EQ(t, p.Outstanding(), 0)

	_, err = p.ReadSequence(id, 2, 5)
	expect.True(t, errors.Is(errors.Invalid, err), "got %v", err)
	_, err = p.ReadInfo(id + 1)
	expect.True(t, errors.Is(errors.NotExist, err), "got %v", err)
}
