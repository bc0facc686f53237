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
package main

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/contigtools/consensus/report"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func TestParseRegion(t *testing.T) {
	for _, test := range []struct {
		in   string
		want region
		kind errors.Kind
	}{
		{"chr1", region{"chr1", 0, -1}, errors.Other},
		{"chr1:5", region{"chr1", 4, 4}, errors.Other},
		{"chr1:5-10", region{"chr1", 4, 9}, errors.Other},
		{"HLA-A*01:01:01:01:3-4", region{"HLA-A*01:01:01:01", 2, 3}, errors.Other},
		{"", region{}, errors.Invalid},
		{":1-2", region{}, errors.Invalid},
		{"chr1:0-2", region{}, errors.Invalid},
		{"chr1:5-4", region{}, errors.Invalid},
		{"chr1:x", region{}, errors.Invalid},
		{"chr1:1-y", region{}, errors.Invalid},
	} {
		got, err := parseRegion(test.in)
		if test.kind != errors.Other {
			expect.True(t, errors.Is(test.kind, err), "region %q: %v", test.in, err)
			continue
		}
		assert.NoError(t, err, "region %q", test.in)
		expect.EQ(t, got, test.want)
	}
}

var (
	ctgA, _    = sam.NewReference("ctgA", "", "", 8, nil, nil)
	ctgB, _    = sam.NewReference("ctgB", "", "", 4, nil, nil)
	testHdr, _ = sam.NewHeader(nil, []*sam.Reference{ctgA, ctgB})
)

func TestPlanJobs(t *testing.T) {
	jobs, err := planJobs(testHdr, "")
	assert.NoError(t, err)
	expect.EQ(t, jobs, []job{
		{contig: 0, name: "ctgA", start: 0, end: 7},
		{contig: 1, name: "ctgB", start: 0, end: 3},
	})

	jobs, err = planJobs(testHdr, "ctgB")
	assert.NoError(t, err)
	expect.EQ(t, jobs, []job{{contig: 1, name: "ctgB", start: 0, end: 3}})

	jobs, err = planJobs(testHdr, "ctgA:2-3")
	assert.NoError(t, err)
	expect.EQ(t, jobs, []job{{contig: 0, name: "ctgA", start: 1, end: 2}})

	_, err = planJobs(testHdr, "ctgB:3-5")
	expect.True(t, errors.Is(errors.Invalid, err), "%v", err)
	_, err = planJobs(testHdr, "ctgC")
	expect.True(t, errors.Is(errors.NotExist, err), "%v", err)
}

func TestValidate(t *testing.T) {
	opts := defaultCallOpts
	assert.NoError(t, opts.validate())
	opts.format = "sam"
	expect.True(t, errors.Is(errors.Invalid, opts.validate()))
	opts = defaultCallOpts
	opts.perStrand, opts.discrep = true, true
	expect.True(t, errors.Is(errors.Invalid, opts.validate()))
}

func match(n int) []sam.CigarOp {
	return []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, n)}
}

func writeTestBAM(ctx context.Context, t *testing.T, path string) {
	recs := []*sam.Record{
		{Name: "a1", Ref: ctgA, Pos: 0, MapQ: 60, Cigar: match(8), MatePos: -1, Seq: sam.NewSeq([]byte("ACGTACGT")), Qual: bytes.Repeat([]byte{30}, 8)},
		{Name: "a2", Ref: ctgA, Pos: 2, MapQ: 60, Cigar: match(4), Flags: sam.Reverse, MatePos: -1, Seq: sam.NewSeq([]byte("GTAC")), Qual: bytes.Repeat([]byte{30}, 4)},
		{Name: "b1", Ref: ctgB, Pos: 1, MapQ: 60, Cigar: match(2), MatePos: -1, Seq: sam.NewSeq([]byte("TT")), Qual: bytes.Repeat([]byte{20}, 2)},
	}
	out, err := file.Create(ctx, path)
	require.NoError(t, err)
	w, err := bam.NewWriter(out.Writer(ctx), testHdr, 1)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Close())
	require.NoError(t, out.Close(ctx))
}

func TestCall(t *testing.T) {
	ctx := vcontext.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, "tmpdir:", tmpdir)
	bamPath := filepath.Join(tmpdir, "in.bam")
	writeTestBAM(ctx, t, bamPath)

	opts := defaultCallOpts
	opts.outPrefix = filepath.Join(tmpdir, "all")
	opts.format = formatFASTQ
	assert.NoError(t, runCall(ctx, bamPath, &opts))
	contigs, err := report.OpenFASTQ(ctx, opts.outPrefix+".fq")
	assert.NoError(t, err)
	require.Len(t, contigs, 2)
	expect.EQ(t, contigs[0].Name, "ctgA")
	expect.EQ(t, string(contigs[0].Cons), "ACGTACGT")
	expect.EQ(t, contigs[1].Name, "ctgB")
	expect.EQ(t, string(contigs[1].Cons), "NTTN")
	expect.EQ(t, contigs[1].Qual[0], float32(0))
	expect.True(t, contigs[1].Qual[1] > 0)

	opts.outPrefix = filepath.Join(tmpdir, "region")
	opts.format = formatTSV
	opts.region = "ctgA:3-5"
	opts.het = true
	assert.NoError(t, runCall(ctx, bamPath, &opts))
	data, err := ioutil.ReadFile(opts.outPrefix + ".tsv")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 4)
	expect.EQ(t, lines[0], "#CONTIG\tPOS\tCONS\tQUAL\tHET")
	expect.True(t, strings.HasPrefix(lines[1], "ctgA\t3\tG\t"), lines[1])
	expect.True(t, strings.HasPrefix(lines[3], "ctgA\t5\tA\t"), lines[3])

	opts = defaultCallOpts
	opts.region = "ctgC"
	expect.True(t, errors.Is(errors.NotExist, runCall(ctx, bamPath, &opts)))
}

func TestCallDeterministic(t *testing.T) {
	ctx := vcontext.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, "tmpdir:", tmpdir)
	bamPath := filepath.Join(tmpdir, "in.bam")
	writeTestBAM(ctx, t, bamPath)

	var sums []string
	for _, parallelism := range []int{1, 2} {
		opts := defaultCallOpts
		opts.outPrefix = filepath.Join(tmpdir, "par")
		opts.format = formatRio
		opts.perStrand = true
		opts.parallelism = parallelism
		assert.NoError(t, runCall(ctx, bamPath, &opts))
		var out bytes.Buffer
		assert.NoError(t, checksum(ctx, opts.outPrefix+".rio", &out))
		sums = append(sums, out.String())
	}
	expect.EQ(t, sums[0], sums[1])
	lines := strings.Split(strings.TrimSuffix(sums[0], "\n"), "\n")
	require.Len(t, lines, 2)
	expect.True(t, strings.HasPrefix(lines[0], "ctgA:1-8\t"), lines[0])
	expect.True(t, strings.HasPrefix(lines[1], "ctgB:1-4\t"), lines[1])
	expect.EQ(t, len(lines[1]), len("ctgB:1-4\t")+16)
}
