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

// Package aggregate is the Aggregation Coordinator (spec §4.7): once the
// refinement driver converges, it concatenates auxiliary fragment outputs,
// compacts read-id prefixes, builds the mutation index, sums read-alignment
// counters, and emits the final allele table and consensus FASTAs.
//
// Grounded on original_source/aggregation.py's aggregate_processed_output.
package aggregate

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/pkg/errors"

	"github.com/accuvar/ngsagg/basecall"
	"github.com/accuvar/ngsagg/consensus"
	"github.com/accuvar/ngsagg/freqtable"
	"github.com/accuvar/ngsagg/mutindex"
	"github.com/accuvar/ngsagg/prefixdict"
	"github.com/accuvar/ngsagg/refseq"
)

// BaseCallCategories is the set of per-fragment base-call output categories
// concatenated during aggregation (spec §4.7 step 2), grounded on
// aggregation.py's identical literal list.
var BaseCallCategories = []string{"called_bases", "ignored_bases", "suspicious_reads", "ignored_reads"}

// Options controls the coordinator's final consensus derivation and
// whether intermediate files are compacted or left as-is.
type Options struct {
	MinCoverage  int
	MinFrequency float64
	Cleanup      bool
}

// Coordinator finalizes one run's outputs after the refinement driver
// converges (or exhausts its iteration budget).
type Coordinator struct {
	// BasecallDir holds one subdirectory per fragment, each with the
	// per-category TSV files named "<category>.tsv" plus "read_counter.tsv"
	// and, if present, "*.blast" fragment files.
	BasecallDir string
	OutputDir   string
	Opts        Options
}

// Run executes spec §4.7 steps 1-4 against table (the final allele-frequency
// table: refine.Result.LastTable in ngsagg-run, or one rebuilt from the
// basecall files in ngsagg-aggregate) and ref (the final reference, whose
// length and name drive the consensus FASTAs).
func (c *Coordinator) Run(ctx context.Context, ref *refseq.Reference, table *freqtable.Table) error {
	if err := os.MkdirAll(c.OutputDir, 0o755); err != nil {
		return errors.Wrapf(err, "aggregate: creating %s", c.OutputDir)
	}

	fragmentDirs, err := listFragmentDirs(c.BasecallDir)
	if err != nil {
		return err
	}

	// Step 1: concatenate blast fragment files, header from first file only.
	var blastFiles []string
	for _, dir := range fragmentDirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.blast"))
		if err != nil {
			return errors.Wrapf(err, "aggregate: listing blast files in %s", dir)
		}
		blastFiles = append(blastFiles, matches...)
	}
	sort.Strings(blastFiles)
	if len(blastFiles) > 0 {
		if err := concatenateFiles(ctx, blastFiles, filepath.Join(c.OutputDir, "blast.tsv"), true); err != nil {
			return errors.Wrap(err, "aggregate: concatenating blast files")
		}
	}

	// Step 2: prefix compaction and per-category concatenation.
	if !c.Opts.Cleanup {
		if err := c.compactAndConcatenate(ctx, fragmentDirs); err != nil {
			return err
		}
	}

	// Step 3: sum read-alignment counters by read_id.
	if err := c.aggregateReadCounters(ctx, fragmentDirs); err != nil {
		return err
	}

	// Step 4: final consensus FASTAs from the converged table.
	consOpts := consensus.Options{MinCoverage: c.Opts.MinCoverage, MinFrequency: c.Opts.MinFrequency}
	if err := consensus.WriteFASTA(ctx, table, ref.Len(), consOpts, ref.Name,
		filepath.Join(c.OutputDir, "consensus_aligned_to_ref.fasta"),
		filepath.Join(c.OutputDir, "consensus.fasta")); err != nil {
		return errors.Wrap(err, "aggregate: writing consensus")
	}
	return freqtable.WriteTSV(ctx, filepath.Join(c.OutputDir, "freqs.tsv"), table)
}

func (c *Coordinator) compactAndConcatenate(ctx context.Context, fragmentDirs []string) error {
	calledBasesFiles := collectByExtension(fragmentDirs, "called_bases")
	if len(calledBasesFiles) == 0 {
		return errors.Errorf("aggregate: no called_bases files found under %s", c.BasecallDir)
	}

	allFiles := collectAllFiles(fragmentDirs)
	dictPath := filepath.Join(c.OutputDir, "read_id_prefixes.json")
	if err := prefixdict.Compact(ctx, allFiles, dictPath); err != nil {
		return errors.Wrap(err, "aggregate: compacting read_id prefixes")
	}

	streams := make([][]basecall.Record, 0, len(calledBasesFiles))
	for _, f := range calledBasesFiles {
		recs, err := basecall.ReadRecords(ctx, f)
		if err != nil {
			return err
		}
		streams = append(streams, recs)
	}
	entries := mutindex.Build(streams)
	if err := mutindex.WriteTSV(ctx, filepath.Join(c.OutputDir, "mutation_read_list.tsv"), entries); err != nil {
		return errors.Wrap(err, "aggregate: writing mutation_read_list.tsv")
	}

	for _, category := range BaseCallCategories {
		files := collectByExtension(fragmentDirs, category)
		if len(files) == 0 {
			continue
		}
		out := filepath.Join(c.OutputDir, category+".tsv")
		if err := concatenateFiles(ctx, files, out, true); err != nil {
			return errors.Wrapf(err, "aggregate: concatenating %s files", category)
		}
	}
	return nil
}

func (c *Coordinator) aggregateReadCounters(ctx context.Context, fragmentDirs []string) error {
	files := collectByExtension(fragmentDirs, "read_counter")
	sums := map[string]int{}
	order := make([]string, 0)
	for _, f := range files {
		counters, err := basecall.ReadCounters(ctx, f)
		if err != nil {
			return errors.Wrapf(err, "aggregate: reading %s", f)
		}
		for _, rc := range counters {
			if _, ok := sums[rc.ReadID]; !ok {
				order = append(order, rc.ReadID)
			}
			sums[rc.ReadID] += rc.Alignments
		}
	}
	sort.Strings(order)
	merged := make([]basecall.ReadCounter, 0, len(order))
	for _, id := range order {
		merged = append(merged, basecall.ReadCounter{ReadID: id, Alignments: sums[id]})
	}
	return basecall.WriteCounters(ctx, filepath.Join(c.OutputDir, "read_counter.tsv"), merged)
}

func listFragmentDirs(basecallDir string) ([]string, error) {
	entries, err := os.ReadDir(basecallDir)
	if err != nil {
		return nil, errors.Wrapf(err, "aggregate: listing %s", basecallDir)
	}
	dirs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(basecallDir, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

func collectAllFiles(fragmentDirs []string) []string {
	var files []string
	for _, dir := range fragmentDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				files = append(files, filepath.Join(dir, e.Name()))
			}
		}
	}
	sort.Strings(files)
	return files
}

func collectByExtension(fragmentDirs []string, category string) []string {
	var files []string
	for _, dir := range fragmentDirs {
		path := filepath.Join(dir, category+".tsv")
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files
}

// concatenateFiles streams files into outputPath without loading them fully
// into memory (spec §4.7 step 1, grounded on utils.py's
// concatenate_files_by_extension). When skipRepeatHeaders is true, every
// file's first line is dropped except the first file's.
func concatenateFiles(ctx context.Context, files []string, outputPath string, skipRepeatHeaders bool) (err error) {
	out, err := file.Create(ctx, outputPath)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := out.Writer(ctx)

	for i, path := range files {
		if werr := appendFile(ctx, w, path, skipRepeatHeaders && i > 0); werr != nil {
			return werr
		}
	}
	return nil
}

func appendFile(ctx context.Context, w io.Writer, path string, skipFirstLine bool) error {
	in, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer in.Close(ctx) // nolint: errcheck

	scanner := bufio.NewScanner(in.Reader(ctx))
	scanner.Buffer(nil, 1<<20)
	first := true
	for scanner.Scan() {
		if first && skipFirstLine {
			first = false
			continue
		}
		first = false
		if _, err := w.Write(scanner.Bytes()); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// removeAllWithRetry deletes path, retrying up to attempts times on
// transient failures before giving up without returning an error (it only
// logs that it gave up) (spec §7: "transient
// file-removal errors in cleanup are retried up to 5 times before being
// swallowed"), grounded on runner.py's try_to_rmtree.
func removeAllWithRetry(path string, attempts int) {
	for i := 0; i < attempts; i++ {
		if err := os.RemoveAll(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("aggregate: giving up removing %s after %d attempts", path, attempts)
}

// Cleanup removes the basecall working directory, used when
// Options.Cleanup requests intermediate-file deletion (spec §6
// configuration: "cleanup: Y/N — when Y, skip Prefix Compactor and delete
// intermediate directories at end").
func (c *Coordinator) Cleanup() {
	if !c.Opts.Cleanup {
		return
	}
	removeAllWithRetry(c.BasecallDir, 5)
}

