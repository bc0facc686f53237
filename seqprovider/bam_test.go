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
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/contigtools/consensus"
	"github.com/grailbio/contigtools/seqprovider"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

var (
	chr1, _   = sam.NewReference("chr1", "", "", 50, nil, nil)
	chr2, _   = sam.NewReference("chr2", "", "", 30, nil, nil)
	chr3, _   = sam.NewReference("chr3", "", "", 10, nil, nil)
	header, _ = sam.NewHeader(nil, []*sam.Reference{chr1, chr2, chr3})
)

func quals(n int, q byte) []byte {
	v := make([]byte, n)
	for i := range v {
		v[i] = q
	}
	return v
}

func newRecord(name string, ref *sam.Reference, pos int, flags sam.Flags, cigar []sam.CigarOp, seq string, qual []byte) *sam.Record {
	return &sam.Record{
		Name:    name,
		Ref:     ref,
		Pos:     pos,
		MapQ:    60,
		Cigar:   cigar,
		Flags:   flags,
		MatePos: -1,
		Seq:     sam.NewSeq([]byte(seq)),
		Qual:    qual,
	}
}

func testRecords(t *testing.T) []*sam.Record {
	doubled, err := sam.NewAux(sam.NewTag("XD"), uint8(1))
	require.NoError(t, err)
	r3 := newRecord("r3", chr1, 4, 0,
		[]sam.CigarOp{sam.NewCigarOp(sam.CigarSoftClipped, 1), sam.NewCigarOp(sam.CigarMatch, 2), sam.NewCigarOp(sam.CigarInsertion, 1), sam.NewCigarOp(sam.CigarMatch, 2)},
		"TACGTT", quals(6, 0xff))
	r3.AuxFields = sam.AuxFields{doubled}
	// Zero-valued and string-typed tags don't mark a read as doubled.
	zero, err := sam.NewAux(sam.NewTag("XD"), int16(0))
	require.NoError(t, err)
	text, err := sam.NewAux(sam.NewTag("XD"), "1")
	require.NoError(t, err)
	r2 := newRecord("r2", chr1, 3, sam.Reverse,
		[]sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 2), sam.NewCigarOp(sam.CigarDeletion, 1), sam.NewCigarOp(sam.CigarMatch, 2)},
		"CGTA", []byte{20, 25, 35, 40})
	r2.AuxFields = sam.AuxFields{zero}
	r8 := newRecord("r8", chr2, 0, 0, []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 3)}, "GGG", quals(3, 30))
	r8.AuxFields = sam.AuxFields{text}
	lowMapQ := newRecord("r4", chr1, 5, 0, []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 3)}, "AAA", quals(3, 30))
	lowMapQ.MapQ = 5
	unmapped := newRecord("r9", nil, -1, sam.Unmapped, nil, "ACGT", quals(4, 30))
	return []*sam.Record{
		newRecord("r1", chr1, 2, 0, []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 4)}, "ACGT", quals(4, 30)),
		r2,
		r3,
		lowMapQ,
		newRecord("r5", chr1, 6, sam.Duplicate, []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 2)}, "CC", quals(2, 30)),
		newRecord("r6", chr1, 7, 0,
			[]sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 2), sam.NewCigarOp(sam.CigarSkipped, 10), sam.NewCigarOp(sam.CigarMatch, 2)},
			"GGGG", quals(4, 30)),
		newRecord("r7", chr1, 8, 0, []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 1)}, "G", []byte{120}),
		r8,
		unmapped,
	}
}

// writeBAM writes recs to path, and an index to path+".bai".
func writeBAM(ctx context.Context, t *testing.T, path string, recs []*sam.Record) {
	out, err := file.Create(ctx, path)
	require.NoError(t, err)
	w, err := bam.NewWriter(out.Writer(ctx), header, 1)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Close())
	require.NoError(t, out.Close(ctx))

	in, err := file.Open(ctx, path)
	require.NoError(t, err)
	defer in.Close(ctx) // nolint: errcheck
	r, err := bam.NewReader(in.Reader(ctx), 1)
	require.NoError(t, err)
	var idx bam.Index
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NoError(t, idx.Add(rec, r.LastChunk()))
	}
	bai, err := file.Create(ctx, path+".bai")
	require.NoError(t, err)
	require.NoError(t, bam.WriteIndex(bai.Writer(ctx), &idx))
	require.NoError(t, bai.Close(ctx))
}

type bamRead struct {
	info  consensus.ReadInfo
	calls []consensus.BaseCall
}

func bamReads(t *testing.T, b *seqprovider.BAM, contig consensus.ContigID) (reads []bamRead) {
	info, err := b.ContigInfo(contig)
	assert.NoError(t, err)
	for id := info.FirstRead; id != consensus.NoRead; {
		ri, err := b.ReadInfo(id)
		assert.NoError(t, err)
		seq, err := b.ReadSequence(id, 0, ri.Length)
		assert.NoError(t, err)
		reads = append(reads, bamRead{info: ri, calls: append([]consensus.BaseCall(nil), seq...)})
		b.ReleaseSequence(id, seq)
		id, err = b.NextRead(id)
		assert.NoError(t, err)
	}
	return
}

func call(base consensus.BaseType, conf uint8) consensus.BaseCall {
	return consensus.BaseCall{Base: base, Conf: conf}
}

func TestBAM(t *testing.T) {
	ctx := vcontext.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, "tmpdir:", tmpdir)
	bampath := filepath.Join(tmpdir, "test.bam")
	writeBAM(ctx, t, bampath, testRecords(t))

	wantChr1 := []bamRead{
		{
			info:  consensus.ReadInfo{Start: 2, Length: 4, Strand: consensus.StrandFwd, Name: "r1"},
			calls: []consensus.BaseCall{call(consensus.BaseA, 30), call(consensus.BaseC, 30), call(consensus.BaseG, 30), call(consensus.BaseT, 30)},
		},
		{
			info:  consensus.ReadInfo{Start: 3, Length: 5, Strand: consensus.StrandRev, Name: "r2"},
			calls: []consensus.BaseCall{call(consensus.BaseC, 20), call(consensus.BaseG, 25), call(consensus.BasePad, 25), call(consensus.BaseT, 35), call(consensus.BaseA, 40)},
		},
		{
			info:  consensus.ReadInfo{Start: 4, Length: 4, Strand: consensus.StrandFwd, DoubleChem: true, Name: "r3"},
			calls: []consensus.BaseCall{call(consensus.BaseA, 17), call(consensus.BaseC, 17), call(consensus.BaseT, 17), call(consensus.BaseT, 17)},
		},
		{
			info:  consensus.ReadInfo{Start: 8, Length: 1, Strand: consensus.StrandFwd, Name: "r7"},
			calls: []consensus.BaseCall{call(consensus.BaseG, 99)},
		},
	}
	wantChr2 := []bamRead{
		{
			info:  consensus.ReadInfo{Start: 0, Length: 3, Strand: consensus.StrandFwd, Name: "r8"},
			calls: []consensus.BaseCall{call(consensus.BaseG, 30), call(consensus.BaseG, 30), call(consensus.BaseG, 30)},
		},
	}

	for _, index := range []string{"", bampath + ".bai"} {
		t.Run("index="+index, func(t *testing.T) {
			opts := seqprovider.DefaultBAMOpts
			opts.Index = index
			opts.MinMapQ = 10
			opts.DoubleChemTag = "XD"
			opts.DefaultConf = 17
			b, err := seqprovider.NewBAM(ctx, bampath, opts)
			require.NoError(t, err)
			defer func() { assert.NoError(t, b.Close()) }()

			expect.EQ(t, bamReads(t, b, 0), wantChr1)
			expect.EQ(t, bamReads(t, b, 1), wantChr2)
			expect.EQ(t, len(bamReads(t, b, 2)), 0)
			// Contigs can be revisited.
			expect.EQ(t, bamReads(t, b, 0), wantChr1)
			expect.EQ(t, b.Outstanding(), 0)

			id, ok := b.ContigByName("chr2")
			expect.True(t, ok)
			expect.EQ(t, id, consensus.ContigID(1))
			_, ok = b.ContigByName("chrM")
			expect.False(t, ok)

			info, err := b.ContigInfo(2)
			assert.NoError(t, err)
			expect.EQ(t, info, consensus.ContigInfo{Length: 10, FirstRead: consensus.NoRead})
			_, err = b.ContigInfo(3)
			expect.True(t, errors.Is(errors.NotExist, err), "got %v", err)
		})
	}
}

func TestBAMCurrentReadOnly(t *testing.T) {
	ctx := vcontext.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, "tmpdir:", tmpdir)
	bampath := filepath.Join(tmpdir, "test.bam")
	writeBAM(ctx, t, bampath, testRecords(t))

	b, err := seqprovider.NewBAM(ctx, bampath, seqprovider.DefaultBAMOpts)
	require.NoError(t, err)
	defer func() { assert.NoError(t, b.Close()) }()
	info, err := b.ContigInfo(0)
	require.NoError(t, err)
	first := info.FirstRead
	next, err := b.NextRead(first)
	require.NoError(t, err)
	expect.NEQ(t, next, consensus.NoRead)

	_, err = b.ReadInfo(first)
	expect.True(t, errors.Is(errors.Precondition, err), "got %v", err)
	_, err = b.ReadSequence(first, 0, 1)
	expect.True(t, errors.Is(errors.Precondition, err), "got %v", err)
	_, err = b.NextRead(first)
	expect.True(t, errors.Is(errors.Precondition, err), "got %v", err)
	_, err = b.ReadSequence(next, 0, 100)
	expect.True(t, errors.Is(errors.Invalid, err), "got %v", err)
}

func TestBAMOpts(t *testing.T) {
	ctx := vcontext.Background()
	opts := seqprovider.DefaultBAMOpts
	opts.DoubleChemTag = "XDX"
	_, err := seqprovider.NewBAM(ctx, "/nonexistent.bam", opts)
	expect.True(t, errors.Is(errors.Invalid, err), "got %v", err)
	opts = seqprovider.DefaultBAMOpts
	opts.MaxReadLen = 0
	_, err = seqprovider.NewBAM(ctx, "/nonexistent.bam", opts)
	expect.True(t, errors.Is(errors.Invalid, err), "got %v", err)
	_, err = seqprovider.NewBAM(ctx, "/nonexistent.bam", seqprovider.DefaultBAMOpts)
	expect.NotNil(t, err)
}

func TestBAMConsensus(t *testing.T) {
	ctx := vcontext.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, "tmpdir:", tmpdir)
	bampath := filepath.Join(tmpdir, "test.bam")
	writeBAM(ctx, t, bampath, testRecords(t))

	b, err := seqprovider.NewBAM(ctx, bampath, seqprovider.DefaultBAMOpts)
	require.NoError(t, err)
	defer func() { assert.NoError(t, b.Close()) }()
	out := &consensus.Output{Cons: make([]byte, 12), Qual: make([]float32, 12)}
	assert.NoError(t, consensus.Calc(b, 0, 0, 11, consensus.DefaultOpts, out))
	expect.EQ(t, string(out.Cons[:4]), "--AC")
	expect.EQ(t, string(out.Cons[8:]), "G---")
	require.InDelta(t, 99, out.Qual[8], 1e-3)
	expect.EQ(t, b.Outstanding(), 0)
}
