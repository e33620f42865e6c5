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

package refine

import (
	"context"
	"os"
	"os/exec"
	"text/template"

	"github.com/biogo/external"
	"github.com/pkg/errors"
)

// ExecProcessor is the default FragmentProcessor: it shells out to the
// external per-fragment aligner/caller binary named by Cmd (out of scope
// per spec §1; treated as a black box that writes called_bases.tsv,
// ignored_bases.tsv, suspicious_reads.tsv, ignored_reads.tsv, read_counter.tsv
// and (optionally) a *.blast file into outDir).
//
// Its argument list is built with github.com/biogo/external the same way
// kortschak-loopy/blasr.BLASR.BuildCommand assembles blasr's command line:
// a struct of `buildarg`-tagged fields rendered through external.Build.
type ExecProcessor struct {
	// Cmd is the external processor's executable name or path.
	Cmd string `buildarg:"{{if .}}{{.}}{{else}}ngsagg-process-fragment{{end}}"`
	// QualityThreshold is the minimum phred score required to include a
	// base in a call (mirrors processing.py's quality_threshold).
	QualityThreshold int `buildarg:"{{if .}}--quality-threshold{{split}}{{.}}{{end}}"`

	Fragment  string `buildarg:"{{if .}}--fragment{{split}}{{.}}{{end}}"`
	Reference string `buildarg:"{{if .}}--reference{{split}}{{.}}{{end}}"`
	OutDir    string `buildarg:"{{if .}}--out-dir{{split}}{{.}}{{end}}"`
}

// Process builds and runs the external command, blocking until it exits.
func (p ExecProcessor) Process(ctx context.Context, fragmentPath, referencePath, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrapf(err, "refine: creating %s", outDir)
	}
	p.Fragment = fragmentPath
	p.Reference = referencePath
	p.OutDir = outDir

	cmd, err := p.buildCommand(ctx)
	if err != nil {
		return err
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "refine: running %v", cmd.Args)
	}
	return nil
}

func (p ExecProcessor) buildCommand(ctx context.Context) (*exec.Cmd, error) {
	if p.Fragment == "" || p.Reference == "" {
		return nil, errors.New("refine: ExecProcessor requires Fragment and Reference")
	}
	cl := external.Must(external.Build(p, template.FuncMap{}))
	return exec.CommandContext(ctx, cl[0], cl[1:]...), nil
}
