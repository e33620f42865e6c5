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

/*
ngsagg-run is the full variant-calling aggregation pipeline: it iteratively
re-aligns a set of prepared read fragments against a reference, deriving a
consensus each round, until the consensus converges or the iteration budget
is exhausted, then finalizes the allele-frequency table and FASTAs.
*/

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/accuvar/ngsagg"
	"github.com/accuvar/ngsagg/aggregate"
	"github.com/accuvar/ngsagg/refine"
	"github.com/accuvar/ngsagg/refseq"
)

var (
	inputDir              = flag.String("input-dir", "", "Directory of prepared read fragment files (data-preparation stage output)")
	referenceFile         = flag.String("reference", "", "Reference FASTA path (single record)")
	outputDir             = flag.String("out", "", "Output directory; must not already exist and be non-empty")
	minCoverage           = flag.Int("min-coverage", 1, "Positions with less than this coverage are N-masked in the consensus")
	minFrequency          = flag.Float64("min-frequency", 0, "Positions with less than this frequency are N-masked in the consensus")
	alignToRef            = flag.Bool("align-to-ref", true, "Passed to refine.Options.AlignToRef; the driver builds the per-iteration consensus in reference-coordinate mode whatever its value")
	maxBasecallIterations = flag.Int("max-basecall-iterations", 10, "Number of refinement iterations to attempt before giving up")
	cpuCount              = flag.Int("cpu-count", 0, "Max number of fragments to process concurrently; 0 = runtime.NumCPU()")
	cleanup               = flag.Bool("cleanup", false, "Skip prefix compaction and delete intermediate directories when done")
	processorCmd          = flag.String("processor-cmd", "", "External per-fragment processor executable (out of scope; see refine.ExecProcessor)")
	qualityThreshold      = flag.Int("quality-threshold", 0, "Phred score floor passed through to the external per-fragment processor")
)

func ngsaggRunUsage() {
	fmt.Printf("Usage: %s -input-dir DIR -reference FASTA -out DIR [OPTIONS]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = ngsaggRunUsage
	flag.Parse()
	shutdown := grail.Init()
	defer shutdown()

	if *inputDir == "" || *referenceFile == "" || *outputDir == "" {
		log.Fatalf("-input-dir, -reference, and -out are all required")
	}

	ctx := vcontext.Background()
	if err := run(ctx); err != nil {
		log.Panicf("%v", err)
	}
	log.Debug.Printf("exiting")
}

func run(ctx context.Context) error {
	if err := validateOutputDir(*outputDir); err != nil {
		return &ngsagg.StageError{Stage: "validate", Cause: err}
	}

	ref, err := refseq.Load(ctx, *referenceFile)
	if err != nil {
		return &ngsagg.StageError{Stage: "load-reference", Cause: err}
	}

	fragments, err := listFragments(*inputDir)
	if err != nil {
		return &ngsagg.StageError{Stage: "list-fragments", Cause: err}
	}
	if len(fragments) == 0 {
		return &ngsagg.StageError{Stage: "list-fragments", Cause: fmt.Errorf("no fragment files found in %s", *inputDir)}
	}

	basecallDir := filepath.Join(*outputDir, "basecall")
	driver := &refine.Driver{
		Processor: refine.ExecProcessor{Cmd: *processorCmd, QualityThreshold: *qualityThreshold},
		Fragments: fragments,
		WorkDir:   basecallDir,
		Opts: refine.Options{
			MaxIterations: *maxBasecallIterations,
			MinCoverage:   *minCoverage,
			MinFrequency:  *minFrequency,
			AlignToRef:    *alignToRef,
			Parallelism:   *cpuCount,
		},
	}

	log.Printf("ngsagg-run: refining against %d fragments", len(fragments))
	result, err := driver.Run(ctx, ref)
	if err != nil {
		return &ngsagg.StageError{Stage: "refine", Cause: err}
	}
	log.Printf("ngsagg-run: finished after %d iteration(s); converged=%v noRecords=%v", result.Iterations, result.Converged, result.NoRecords)

	if result.NoRecords || result.LastTable == nil {
		log.Printf("ngsagg-run: no base-call records were produced; skipping final aggregation")
		return nil
	}

	lastIterDir := filepath.Join(basecallDir, fmt.Sprintf("iter_%d", result.Iterations))
	coordinator := &aggregate.Coordinator{
		BasecallDir: lastIterDir,
		OutputDir:   *outputDir,
		Opts: aggregate.Options{
			MinCoverage:  *minCoverage,
			MinFrequency: *minFrequency,
			Cleanup:      *cleanup,
		},
	}
	if err := coordinator.Run(ctx, result.Reference, result.LastTable); err != nil {
		return &ngsagg.StageError{Stage: "aggregate", Cause: err}
	}
	// Cleanup removes the whole basecall tree (every iter_k directory), not
	// just the last iteration's directory the coordinator aggregated.
	(&aggregate.Coordinator{BasecallDir: basecallDir, Opts: aggregate.Options{Cleanup: *cleanup}}).Cleanup()
	return nil
}

func validateOutputDir(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, 0o755)
		}
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("output_dir %s must be a new or empty directory", path)
	}
	return nil
}

func listFragments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var fragments []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.Contains(name, ".part_") {
			fragments = append(fragments, filepath.Join(dir, name))
		}
	}
	return fragments, nil
}
