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

/*
bio-consensus computes a confidence-weighted consensus sequence, with a
Phred-scaled quality per column, for each contig of a coordinate-sorted BAM.
Every aligned base contributes its base quality as evidence; deletions
contribute evidence for a pad.

Sample usage:
bio-consensus call \
    -index my.bam.bai \
    -region chr1:10001-20000 \
    -format tsv \
    -discrep \
    -out my-consensus \
    my.bam

This writes my-consensus.tsv with one line per column:

  #CONTIG  POS    CONS  QUAL   DISCREP
  chr1     10001  A     47.12  0.00
  ...

Supported output formats are "fastq", "fastq-gz", "tsv", "tsv-bgz" and "rio".
The recordio output can be summarized with

bio-consensus checksum my-consensus.rio
*/
package main
