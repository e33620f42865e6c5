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
ngsagg-aggregate runs just the Aggregation Coordinator (spec §4.7) over an
already-computed directory of per-fragment base-call output, independent of
the refinement loop. It mirrors aggregation.py's standalone __main__ entry
point: given an input directory of basecall files and a reference, it
recomputes freqs.tsv from scratch and finalizes every other output.
*/

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/accuvar/ngsagg"
	"github.com/accuvar/ngsagg/aggregate"
	"github.com/accuvar/ngsagg/basecall"
	"github.com/accuvar/ngsagg/freqtable"
	"github.com/accuvar/ngsagg/refseq"
)

var (
	inputDir      = flag.String("input-dir", "", "Directory containing per-fragment basecall subdirectories")
	outputDir     = flag.String("output-dir", "", "Output directory")
	referenceFile = flag.String("reference-file", "", "Reference FASTA path")
	minCoverage   = flag.Int("min-coverage", 1, "Positions with less than this coverage are N-masked in the consensus")
	minFrequency  = flag.Float64("min-frequency", 0, "Positions with less than this frequency are N-masked in the consensus")
	cleanup       = flag.Bool("cleanup", false, "Skip prefix compaction")
)

func ngsaggAggregateUsage() {
	fmt.Printf("Usage: %s -input-dir DIR -output-dir DIR -reference-file FASTA [OPTIONS]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = ngsaggAggregateUsage
	flag.Parse()
	shutdown := grail.Init()
	defer shutdown()

	if *inputDir == "" || *outputDir == "" || *referenceFile == "" {
		log.Fatalf("-input-dir, -output-dir, and -reference-file are all required")
	}

	ctx := vcontext.Background()
	ref, err := refseq.Load(ctx, *referenceFile)
	if err != nil {
		log.Panicf("%v", &ngsagg.StageError{Stage: "load-reference", Cause: err})
	}

	calledBasesFiles, err := findCalledBasesFiles(ctx, *inputDir)
	if err != nil {
		log.Panicf("%v", &ngsagg.StageError{Stage: "list-basecall-files", Cause: err})
	}
	streams := make([][]basecall.Record, 0, len(calledBasesFiles))
	for _, f := range calledBasesFiles {
		recs, err := basecall.ReadRecords(ctx, f)
		if err != nil {
			log.Panicf("%v", &ngsagg.StageError{Stage: "read-basecalls", Cause: err})
		}
		streams = append(streams, recs)
	}
	table := freqtable.Build(ref, streams)

	coordinator := &aggregate.Coordinator{
		BasecallDir: *inputDir,
		OutputDir:   *outputDir,
		Opts: aggregate.Options{
			MinCoverage:  *minCoverage,
			MinFrequency: *minFrequency,
			Cleanup:      *cleanup,
		},
	}
	if err := coordinator.Run(ctx, ref, table); err != nil {
		log.Panicf("%v", &ngsagg.StageError{Stage: "aggregate", Cause: err})
	}
	log.Printf("ngsagg-aggregate: done, outputs in %s", *outputDir)
}

// findCalledBasesFiles walks inputDir's per-fragment subdirectories looking
// for "called_bases.tsv" (the layout refine.Driver writes), grounded on
// aggregation.py's get_files_by_extension over the basecall directory.
func findCalledBasesFiles(ctx context.Context, inputDir string) ([]string, error) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(inputDir, e.Name(), "called_bases.tsv")
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files, nil
}
