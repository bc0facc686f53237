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
	"io"
	"os"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/contigtools/consensus/report"
	"v.io/x/lib/cmdline"
)

func newCmdChecksum() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "checksum",
		Short:    "Print a checksum of each contig in a consensus file",
		Long:     "The input is a .rio file, or a .fq or .fq.gz file.  Each output line is the contig range and a hex seahash digest.",
		ArgsName: "path",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("checksum takes one pathname argument, but got %v", argv)
		}
		return checksum(vcontext.Background(), argv[0], os.Stdout)
	})
	return cmd
}

func checksum(ctx context.Context, path string, out io.Writer) error {
	var (
		contigs []*report.Contig
		err     error
	)
	if strings.HasSuffix(path, ".rio") {
		contigs, err = report.OpenRio(ctx, path)
	} else {
		contigs, err = report.OpenFASTQ(ctx, path)
	}
	if err != nil {
		return err
	}
	for _, c := range contigs {
		if _, err = fmt.Fprintf(out, "%s:%d-%d\t%016x\n", c.Name, c.Start+1, c.End()+1, report.Checksum(c)); err != nil {
			return err
		}
	}
	return nil
}
