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

// Package refine runs the iterative refinement driver (spec §4.3): fan out
// the external per-fragment processor over all fragments against the
// current reference, aggregate its output into a consensus, compare the
// consensus against the reference, and either converge or feed the
// consensus back as the next reference.
//
// It is grounded on original_source/runner.py's process_data and
// create_consensus_and_check_alignment_with_ref, re-expressed as an
// explicit bounded loop per spec §9 ("the 'converged' predicate is a single
// float equality against 1.0").
package refine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/pkg/errors"

	"github.com/accuvar/ngsagg/align"
	"github.com/accuvar/ngsagg/basecall"
	"github.com/accuvar/ngsagg/consensus"
	"github.com/accuvar/ngsagg/dispatch"
	"github.com/accuvar/ngsagg/freqtable"
	"github.com/accuvar/ngsagg/refseq"
)

// FragmentProcessor runs the external per-fragment aligner/caller (out of
// scope per spec §1) against one prepared read fragment and a reference,
// writing its BCR/read-counter outputs under outDir. Implementations may
// shell out (os/exec) or be a fake for testing.
type FragmentProcessor interface {
	Process(ctx context.Context, fragmentPath, referencePath, outDir string) error
}

// Options controls the refinement loop.
type Options struct {
	MaxIterations int
	MinCoverage   int
	MinFrequency  float64
	AlignToRef    bool
	Parallelism   int // 0 = runtime.NumCPU()
}

// Result is the outcome of a completed refinement run.
type Result struct {
	// Reference is the final reference: either the consensus that converged,
	// or, after MaxIterations without convergence, the last iteration's
	// consensus (spec §4.3 step 9).
	Reference *refseq.Reference
	// Iterations is the number of iterations actually run.
	Iterations int
	// Converged is true iff an iteration's alignment score hit exactly 1.0.
	Converged bool
	// NoRecords is true iff some iteration produced zero base-call records
	// (spec §7 "no-matches event"); the driver stops at that iteration.
	NoRecords bool
	// Scores records each iteration's alignment score, in order (spec
	// §4.3 "alignments" history). The aggregation coordinator does not
	// read it.
	Scores []float64
	// LastTable is the allele-frequency table computed on the final
	// successful iteration, reused by the aggregation coordinator so freqs
	// are not recomputed from scratch.
	LastTable *freqtable.Table
}

// Driver owns one refinement run over a fixed set of fragment files.
type Driver struct {
	Processor FragmentProcessor
	Fragments []string
	WorkDir   string // per-iteration basecall output root
	Opts      Options
}

// Run executes the state machine in spec §4.3 steps 1-9.
func (d *Driver) Run(ctx context.Context, initialRef *refseq.Reference) (*Result, error) {
	ref := initialRef
	res := &Result{}

	for k := 1; k <= d.Opts.MaxIterations; k++ {
		log.Printf("refine: iteration %d/%d", k, d.Opts.MaxIterations)
		iterDir := filepath.Join(d.WorkDir, fmt.Sprintf("iter_%d", k))
		refPath := filepath.Join(iterDir, "reference.fasta")
		if err := refseq.Write(ctx, refPath, ref.Name, ref.Seq); err != nil {
			return nil, errors.Wrapf(err, "refine: writing iteration %d reference", k)
		}

		// Step 1: fan out the per-fragment processor.
		err := dispatch.Run(ctx, len(d.Fragments), d.Opts.Parallelism, func(ctx context.Context, idx int) error {
			fragment := d.Fragments[idx]
			outDir := filepath.Join(iterDir, fmt.Sprintf("fragment_%d", idx))
			return d.Processor.Process(ctx, fragment, refPath, outDir)
		})
		if err != nil {
			return nil, errors.Wrapf(err, "refine: iteration %d", k)
		}

		// Step 2: collect this iteration's base-call outputs.
		streams, err := collectCalledBases(ctx, iterDir, len(d.Fragments))
		if err != nil {
			return nil, errors.Wrapf(err, "refine: iteration %d", k)
		}

		// Step 3: no-matches event is not an error (spec §7).
		if totalRecords(streams) == 0 {
			log.Printf("refine: iteration %d produced no base-call records", k)
			res.Reference = ref
			res.Iterations = k
			res.NoRecords = true
			return res, nil
		}

		// Step 4: build the AFR table and a reference-coordinate consensus.
		table := freqtable.Build(ref, streams)
		consOpts := consensus.Options{MinCoverage: d.Opts.MinCoverage, MinFrequency: d.Opts.MinFrequency}
		consSeq := consensus.BuildReferenceCoordinate(table, ref.Len(), consOpts)

		// Step 5: score against the current reference.
		a := align.Score(consSeq, ref.Seq)
		res.Scores = append(res.Scores, a.Score)
		log.Printf("refine: iteration %d alignment score %.4f", k, a.Score)

		res.Iterations = k
		res.LastTable = table

		// Step 7: converged.
		if align.Converged(a.Score) {
			res.Reference = ref
			res.Converged = true
			return res, nil
		}

		// Step 8: the new consensus becomes the next reference.
		ref = &refseq.Reference{Name: ref.Name, Seq: consSeq}
		res.Reference = ref
	}

	// Step 9: K_max reached without convergence; last reference stands.
	return res, nil
}

func totalRecords(streams [][]basecall.Record) int {
	n := 0
	for _, s := range streams {
		n += len(s)
	}
	return n
}

func collectCalledBases(ctx context.Context, iterDir string, nFragments int) ([][]basecall.Record, error) {
	streams := make([][]basecall.Record, 0, nFragments)
	for i := 0; i < nFragments; i++ {
		outDir := filepath.Join(iterDir, fmt.Sprintf("fragment_%d", i))
		path := filepath.Join(outDir, "called_bases.tsv")
		records, err := basecall.ReadRecords(ctx, path)
		if err != nil {
			if file.IsNotExist(errors.Cause(err)) {
				continue
			}
			return nil, err
		}
		streams = append(streams, records)
	}
	return streams, nil
}
