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
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/contigtools/consensus"
	"github.com/grailbio/contigtools/consensus/report"
	"github.com/grailbio/contigtools/seqprovider"
	"github.com/grailbio/hts/sam"
	"v.io/x/lib/cmdline"
)

const (
	formatFASTQ   = "fastq"
	formatFASTQGz = "fastq-gz"
	formatTSV     = "tsv"
	formatTSVBgz  = "tsv-bgz"
	formatRio     = "rio"
)

var formatSuffix = map[string]string{
	formatFASTQ:   ".fq",
	formatFASTQGz: ".fq.gz",
	formatTSV:     ".tsv",
	formatTSVBgz:  ".tsv.gz",
	formatRio:     ".rio",
}

type callOpts struct {
	index     string
	region    string
	outPrefix string
	format    string

	consCutoff float64
	qualCutoff int
	ambiguity  bool
	perStrand  bool
	discrep    bool
	het        bool

	mapq          int
	flagExclude   int
	maxReadLen    int
	doubleChemTag string
	defaultConf   int

	// parallelism is the maximum number of concurrent contig jobs; 0 means
	// runtime.NumCPU().
	parallelism int
}

var defaultCallOpts = callOpts{
	outPrefix:     "bio-consensus",
	format:        formatTSV,
	consCutoff:    consensus.DefaultOpts.ConsCutoff,
	qualCutoff:    consensus.DefaultOpts.QualCutoff,
	mapq:          seqprovider.DefaultBAMOpts.MinMapQ,
	flagExclude:   seqprovider.DefaultBAMOpts.FlagExclude,
	maxReadLen:    seqprovider.DefaultBAMOpts.MaxReadLen,
	doubleChemTag: seqprovider.DefaultBAMOpts.DoubleChemTag,
	defaultConf:   seqprovider.DefaultBAMOpts.DefaultConf,
}

func newCmdCall() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "call",
		Short:    "Compute the consensus of each contig in a BAM file",
		ArgsName: "bampath",
	}
	opts := defaultCallOpts
	cmd.Flags.StringVar(&opts.index, "index", "", "Input BAM index path. If empty, each contig is found by scanning the BAM")
	cmd.Flags.StringVar(&opts.region, "region", "", "Restrict the consensus to the specified region. Format as <contig>:<1-based first pos>-<last pos>, <contig>:<1-based pos>, or just <contig>")
	cmd.Flags.StringVar(&opts.outPrefix, "out", opts.outPrefix, "Output path prefix")
	cmd.Flags.StringVar(&opts.format, "format", opts.format, "Output format; 'fastq', 'fastq-gz', 'tsv', 'tsv-bgz', and 'rio' supported")
	cmd.Flags.Float64Var(&opts.consCutoff, "cons-cutoff", opts.consCutoff, "Columns whose consensus quality is below this are reported as '-'. With -ambiguity, the per-base confidence threshold")
	cmd.Flags.IntVar(&opts.qualCutoff, "qual-cutoff", opts.qualCutoff, "Read bases with confidence below this are ignored")
	cmd.Flags.BoolVar(&opts.ambiguity, "ambiguity", false, "Report IUB ambiguity codes")
	cmd.Flags.BoolVar(&opts.perStrand, "per-strand", false, "Compute separate forward and reverse strand consensus sequences")
	cmd.Flags.BoolVar(&opts.discrep, "discrep", false, "Report discrepancy scores; incompatible with -per-strand")
	cmd.Flags.BoolVar(&opts.het, "het", false, "Report allele-ratio scores")
	cmd.Flags.IntVar(&opts.mapq, "mapq", opts.mapq, "Reads with MAPQ below this level are skipped")
	cmd.Flags.IntVar(&opts.flagExclude, "flag-exclude", opts.flagExclude, "Reads with a FLAG bit intersecting this value are skipped")
	cmd.Flags.IntVar(&opts.maxReadLen, "max-read-len", opts.maxReadLen, "Upper bound on the reference span of a read; longer reads are skipped")
	cmd.Flags.StringVar(&opts.doubleChemTag, "double-chem-tag", opts.doubleChemTag, "Integer aux tag marking reads with strand-independent chemistry")
	cmd.Flags.IntVar(&opts.defaultConf, "default-conf", opts.defaultConf, "Confidence of bases without a quality score")
	cmd.Flags.IntVar(&opts.parallelism, "parallelism", 0, "Maximum number of simultaneous contig jobs; 0 = runtime.NumCPU()")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("call takes one pathname argument, but got %v", argv)
		}
		return runCall(vcontext.Background(), argv[0], &opts)
	})
	return cmd
}

// region is a 0-based inclusive column range.  end < 0 means the end of the
// contig.
type region struct {
	name       string
	start, end int
}

// parseRegion parses a region string of one of the forms
//   [contig]:[1-based first pos]-[last pos]
//   [contig]:[1-based pos]
//   [contig]
func parseRegion(s string) (r region, err error) {
	if s == "" {
		return r, errors.E(errors.Invalid, "empty region string")
	}
	colon := strings.LastIndexByte(s, ':')
	if colon == -1 {
		return region{name: s, end: -1}, nil
	}
	if colon == 0 {
		return r, errors.E(errors.Invalid, fmt.Sprintf("region %q: empty contig name", s))
	}
	r.name = s[:colon]
	rangeStr := s[colon+1:]
	var start1, end1 int
	if dash := strings.IndexByte(rangeStr, '-'); dash == -1 {
		if start1, err = strconv.Atoi(rangeStr); err != nil {
			return r, errors.E(errors.Invalid, fmt.Sprintf("region %q", s), err)
		}
		end1 = start1
	} else {
		if start1, err = strconv.Atoi(rangeStr[:dash]); err != nil {
			return r, errors.E(errors.Invalid, fmt.Sprintf("region %q", s), err)
		}
		if end1, err = strconv.Atoi(rangeStr[dash+1:]); err != nil {
			return r, errors.E(errors.Invalid, fmt.Sprintf("region %q", s), err)
		}
	}
	if start1 <= 0 || end1 < start1 {
		return r, errors.E(errors.Invalid, fmt.Sprintf("region %q: invalid range", s))
	}
	r.start, r.end = start1-1, end1-1
	return r, nil
}

// job is one Calc invocation.
type job struct {
	contig     consensus.ContigID
	name       string
	start, end int
}

// planJobs returns one job per nonempty reference, or a single job covering
// regionStr if it is nonempty.
func planJobs(header *sam.Header, regionStr string) ([]job, error) {
	refs := header.Refs()
	if regionStr == "" {
		jobs := make([]job, 0, len(refs))
		for _, ref := range refs {
			if ref.Len() == 0 {
				continue
			}
			jobs = append(jobs, job{contig: consensus.ContigID(ref.ID()), name: ref.Name(), start: 0, end: ref.Len() - 1})
		}
		return jobs, nil
	}
	r, err := parseRegion(regionStr)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if ref.Name() != r.name {
			continue
		}
		if r.end < 0 {
			r.end = ref.Len() - 1
		}
		if r.end >= ref.Len() {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("region %q extends past the end of %s (length %d)", regionStr, ref.Name(), ref.Len()))
		}
		return []job{{contig: consensus.ContigID(ref.ID()), name: ref.Name(), start: r.start, end: r.end}}, nil
	}
	return nil, errors.E(errors.NotExist, fmt.Sprintf("region %q: no such contig", regionStr))
}

func (o *callOpts) bamOpts() seqprovider.BAMOpts {
	return seqprovider.BAMOpts{
		Index:         o.index,
		FlagExclude:   o.flagExclude,
		MinMapQ:       o.mapq,
		MaxReadLen:    o.maxReadLen,
		DoubleChemTag: o.doubleChemTag,
		DefaultConf:   o.defaultConf,
	}
}

func (o *callOpts) consensusOpts() consensus.Opts {
	opts := consensus.DefaultOpts
	opts.ConsCutoff = o.consCutoff
	opts.QualCutoff = o.qualCutoff
	opts.Ambiguity = o.ambiguity
	return opts
}

func (o *callOpts) fields() report.Field {
	fields := report.FieldQual
	if o.perStrand {
		fields |= report.FieldStrands
	}
	if o.discrep {
		fields |= report.FieldDiscrep
	}
	if o.het {
		fields |= report.FieldHet
	}
	return fields
}

func (o *callOpts) validate() error {
	if _, ok := formatSuffix[o.format]; !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("unknown output format %q", o.format))
	}
	if o.perStrand && o.discrep {
		return errors.E(errors.Invalid, "-per-strand and -discrep are mutually exclusive")
	}
	return nil
}

// callConsensus computes the consensus for every job.  Jobs are split into
// contiguous slices, one per worker; each worker reads the BAM through its own
// provider.
func callConsensus(ctx context.Context, bamPath string, opts *callOpts) ([]*report.Contig, error) {
	bopts := opts.bamOpts()
	hp, err := seqprovider.NewBAM(ctx, bamPath, bopts)
	if err != nil {
		return nil, err
	}
	jobs, err := planJobs(hp.Header(), opts.region)
	if e := hp.Close(); e != nil && err == nil {
		err = e
	}
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		log.Printf("callConsensus: %s has no nonempty contigs", bamPath)
		return nil, nil
	}
	parallelism := opts.parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	if parallelism > len(jobs) {
		parallelism = len(jobs)
	}
	copts := opts.consensusOpts()
	fields := opts.fields()
	results := make([]*report.Contig, len(jobs))
	log.Printf("callConsensus: starting %d contig jobs (%d workers)", len(jobs), parallelism)
	err = traverse.Each(parallelism, func(jobIdx int) (err error) {
		startIdx := (jobIdx * len(jobs)) / parallelism
		endIdx := ((jobIdx + 1) * len(jobs)) / parallelism
		p, err := seqprovider.NewBAM(ctx, bamPath, bopts)
		if err != nil {
			return err
		}
		defer func() {
			if e := p.Close(); e != nil && err == nil {
				err = e
			}
		}()
		for i := startIdx; i < endIdx; i++ {
			j := &jobs[i]
			c := report.NewContig(j.name, j.start, j.end, fields)
			if err = consensus.Calc(p, j.contig, j.start, j.end, copts, c.Output()); err != nil {
				log.Error.Printf("callConsensus: %s:%d-%d: %v", j.name, j.start+1, j.end+1, err)
				return err
			}
			results[i] = c
			log.Debug.Printf("callConsensus: %s:%d-%d done", j.name, j.start+1, j.end+1)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func writeResults(ctx context.Context, contigs []*report.Contig, opts *callOpts) (err error) {
	path := opts.outPrefix + formatSuffix[opts.format]
	switch opts.format {
	case formatRio:
		err = report.CreateRio(ctx, path, contigs)
	case formatFASTQ, formatFASTQGz:
		var ff *report.FASTQFile
		if ff, err = report.NewFASTQFile(ctx, path); err != nil {
			return
		}
		for _, c := range contigs {
			if err = ff.Write(c); err != nil {
				break
			}
		}
		if e := ff.Close(ctx); e != nil && err == nil {
			err = e
		}
	case formatTSV, formatTSVBgz:
		var dst file.File
		if dst, err = file.Create(ctx, path); err != nil {
			return
		}
		defer file.CloseAndReport(ctx, dst, &err)
		tw := report.NewTSVWriter(dst.Writer(ctx), opts.fields(), opts.format == formatTSVBgz, runtime.NumCPU())
		for _, c := range contigs {
			if err = tw.Write(c); err != nil {
				break
			}
		}
		if e := tw.Close(); e != nil && err == nil {
			err = e
		}
	}
	if err == nil {
		log.Printf("writeResults: %d contigs written to %s", len(contigs), path)
	}
	return
}

func runCall(ctx context.Context, bamPath string, opts *callOpts) error {
	if err := opts.validate(); err != nil {
		return err
	}
	contigs, err := callConsensus(ctx, bamPath, opts)
	if err != nil {
		return err
	}
	return writeResults(ctx, contigs, opts)
}
