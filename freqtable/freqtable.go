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

// Package freqtable builds the per-position allele-frequency table (AFR)
// from many streams of base-call records, and derives the coverage, rank
// and probability statistics that hang off it.
//
// The reference implementation (original_source/aggregation.py) expresses
// this as a sequence of pandas dataframe operations (groupby, merge, rank).
// Here each of those operations is an explicit pass over a position-keyed
// hash map, per the "dense dataframe operations ... re-architected as
// explicit tabular passes" guidance: ref_pos is tracked as an int64 scaled
// by 1000 throughout, and only rounded to a float at the table's edges.
package freqtable

import (
	"context"
	"io"
	"math"
	"sort"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"

	"github.com/accuvar/ngsagg/basecall"
	"github.com/accuvar/ngsagg/refseq"
)

// PosScale converts a fractional ref_pos into the scaled integer grouping
// key used throughout this package (spec §9: "ref_pos is stored as an
// integer scaled by 1000 to avoid floating-point grouping ambiguity").
const PosScale = 1000

// Bases is the fixed base alphabet seeded at every integer reference
// position (spec §3 invariant).
var Bases = []byte{'A', 'G', 'T', 'C', '-'}

// Row is one allele-frequency row (AFR), keyed by (RefPos, ReadBase,
// RefBase).
type Row struct {
	RefPos       float64
	ReadBase     byte
	RefBase      byte
	BaseCount    int
	OverlapRatio float64
	AvgQScore    float64
	Coverage     int
	Frequency    float64
	BaseRank     int
	// Probability is 1-(1-Frequency)^Coverage. This equals ~1 for any
	// nonzero frequency once coverage is large; whether that is the
	// intended statistic or a placeholder is unclear upstream, and the
	// formula is preserved here exactly as specified (spec §9).
	Probability float64
}

// Table is a complete, densely-seeded allele-frequency table, sorted by
// (RefPos, ReadBase) ascending (spec §9: "finalized into a flat vector of
// rows sorted by (ref_pos, read_base)").
type Table struct {
	Rows []Row
}

// ScalePos rounds a fractional ref_pos to the nearest thousandth and
// represents it as an integer (spec: "round to 3 decimal places when
// grouping by position").
func ScalePos(refPos float64) int64 {
	return int64(math.Round(refPos * PosScale))
}

// UnscalePos is the inverse of ScalePos.
func UnscalePos(scaled int64) float64 {
	return round(float64(scaled)/PosScale, 3)
}

// IntegerPos returns the reference coordinate (integer part of ref_pos) a
// scaled position belongs to.
func IntegerPos(scaled int64) int64 {
	return scaled / PosScale
}

type groupKey struct {
	scaledPos int64
	base      byte
}

type accum struct {
	baseCount  int
	overlapSum int
	qualitySum int
	refBase    byte
}

// Build aggregates one or more per-fragment base-call streams against ref
// into a complete allele-frequency table (spec §4.1, steps 1-13).
//
// Each stream's base_count is the number of distinct read_ids it
// contributes at a given (ref_pos, read_base) key; base_count is then
// summed *arithmetically* across streams (spec §4.1 step 2-3) rather than
// deduplicated globally, matching aggregate_called_bases's per-file
// groupby followed by dataframe addition.
func Build(ref *refseq.Reference, streams [][]basecall.Record) *Table {
	acc := map[groupKey]*accum{}

	// Step 1: seed the dense reference grid.
	for pos := 1; pos <= ref.Len(); pos++ {
		refBase := ref.Base(pos)
		for _, b := range Bases {
			k := groupKey{scaledPos: int64(pos) * PosScale, base: b}
			acc[k] = &accum{refBase: refBase}
		}
	}

	// Steps 2-3: per-stream distinct-read-id counts, merged additively.
	for _, stream := range streams {
		type localAccum struct {
			reads      map[string]bool
			overlapSum int
			qualitySum int
			refBase    byte
		}
		local := map[groupKey]*localAccum{}
		for _, rec := range stream {
			k := groupKey{scaledPos: ScalePos(rec.RefPos), base: rec.Base[0]}
			la := local[k]
			if la == nil {
				la = &localAccum{reads: map[string]bool{}}
				local[k] = la
			}
			la.reads[rec.ReadID] = true
			la.overlapSum += rec.Overlap
			la.qualitySum += rec.Quality
			la.refBase = rec.RefBase[0]
		}
		for k, la := range local {
			a := acc[k]
			if a == nil {
				a = &accum{refBase: la.refBase}
				acc[k] = a
			}
			a.baseCount += len(la.reads)
			a.overlapSum += la.overlapSum
			a.qualitySum += la.qualitySum
		}
	}

	return finalize(acc)
}

func finalize(acc map[groupKey]*accum) *Table {
	rows := make([]Row, 0, len(acc))
	scaledPosOf := make([]int64, 0, len(acc))
	for k, a := range acc {
		// Steps 5-7: overlap_ratio, avg_qscore, drop helper columns.
		overlapRatio := 0.0
		if a.baseCount > 0 {
			overlapRatio = float64(a.overlapSum) / float64(a.baseCount) / 2
		}
		totalCalls := float64(a.baseCount) * (1 + overlapRatio)
		avgQ := 0.0
		if totalCalls > 0 {
			avgQ = round(float64(a.qualitySum)/totalCalls, 1)
		}
		rows = append(rows, Row{
			RefPos:       UnscalePos(k.scaledPos), // step 8
			ReadBase:     k.base,
			RefBase:      a.refBase,
			BaseCount:    a.baseCount,
			OverlapRatio: round(overlapRatio, 4),
			AvgQScore:    avgQ,
		})
		scaledPosOf = append(scaledPosOf, k.scaledPos)
	}

	// Step 9: coverage(p) = sum of base_count over the rows whose ref_pos
	// is *exactly* the integer position p (i.e. the non-insertion rows);
	// insertion rows at p.xxx borrow this same value, and their own
	// base_count is not added to it.
	coverageByPos := map[int64]int{}
	for k, a := range acc {
		if k.scaledPos%PosScale == 0 {
			coverageByPos[k.scaledPos/PosScale] += a.baseCount
		}
	}
	for i := range rows {
		coverage := coverageByPos[IntegerPos(scaledPosOf[i])]
		rows[i].Coverage = coverage
		// Step 10: frequency, NaN (0/0) -> 0.
		if coverage > 0 {
			rows[i].Frequency = round(float64(rows[i].BaseCount)/float64(coverage), 4)
		}
	}

	// Step 11: base_rank, grouped by *exact* ref_pos (not integer
	// position), since insertion offsets form their own rank groups.
	//
	// base_rank is documented (spec §9 Open Question) as "(#distinct
	// read_base values in the WHOLE table) - ascending-min-tie rank of
	// base_count within the exact ref_pos group". When a position has
	// fewer than 5 observed bases, the "whole table" distinct count still
	// reflects the global grid, which can make the rank offset surprising
	// at a glance. That behavior is preserved here exactly as specified.
	distinctBases := map[byte]bool{}
	for k := range acc {
		distinctBases[k.base] = true
	}
	nunique := len(distinctBases)

	groups := map[int64][]int{}
	for i, sp := range scaledPosOf {
		groups[sp] = append(groups[sp], i)
	}
	for _, idxs := range groups {
		counts := make([]int, len(idxs))
		for j, i := range idxs {
			counts[j] = rows[i].BaseCount
		}
		ranks := minTieRank(counts)
		for j, i := range idxs {
			rows[i].BaseRank = nunique - ranks[j]
		}
	}

	// Step 12: probability.
	for i := range rows {
		rows[i].Probability = round(1-math.Pow(1-rows[i].Frequency, float64(rows[i].Coverage)), 4)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].RefPos != rows[j].RefPos {
			return rows[i].RefPos < rows[j].RefPos
		}
		return rows[i].ReadBase < rows[j].ReadBase
	})
	return &Table{Rows: rows}
}

// minTieRank returns the 1-indexed ascending rank of each element of
// counts, using the "min" tie policy: equal values share the lowest rank
// among what ordinal ranking would have given them, and the next distinct
// value's rank skips ahead by the number of elements tied below it.
func minTieRank(counts []int) []int {
	type indexed struct {
		idx, val int
	}
	sorted := make([]indexed, len(counts))
	for i, v := range counts {
		sorted[i] = indexed{i, v}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].val < sorted[j].val })

	ranks := make([]int, len(counts))
	for i := 0; i < len(sorted); {
		j := i
		for j < len(sorted) && sorted[j].val == sorted[i].val {
			j++
		}
		rank := i + 1
		for k := i; k < j; k++ {
			ranks[sorted[k].idx] = rank
		}
		i = j
	}
	return ranks
}

func round(x float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(x*p) / p
}

// tsvRow is the on-disk encoding of a Row (freqs.tsv, spec §6).
type tsvRow struct {
	RefPos       float64 `tsv:"ref_pos"`
	ReadBase     string  `tsv:"read_base"`
	RefBase      string  `tsv:"ref_base"`
	BaseCount    int     `tsv:"base_count"`
	OverlapRatio float64 `tsv:"overlap_ratio"`
	AvgQScore    float64 `tsv:"avg_qscore"`
	Coverage     int     `tsv:"coverage"`
	Frequency    float64 `tsv:"frequency"`
	BaseRank     int     `tsv:"base_rank"`
	Probability  float64 `tsv:"probability"`
}

// WriteTSV writes t as freqs.tsv (spec §6 column layout).
func WriteTSV(ctx context.Context, path string, t *Table) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)

	w := tsv.NewRowWriter(out.Writer(ctx))
	for _, r := range t.Rows {
		row := tsvRow{
			RefPos:       r.RefPos,
			ReadBase:     string(r.ReadBase),
			RefBase:      string(r.RefBase),
			BaseCount:    r.BaseCount,
			OverlapRatio: r.OverlapRatio,
			AvgQScore:    r.AvgQScore,
			Coverage:     r.Coverage,
			Frequency:    r.Frequency,
			BaseRank:     r.BaseRank,
			Probability:  r.Probability,
		}
		if err := w.Write(&row); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadTSV reads a freqs.tsv file back into a Table.
func ReadTSV(ctx context.Context, path string) (t *Table, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)

	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true

	t = &Table{}
	for {
		var row tsvRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		t.Rows = append(t.Rows, Row{
			RefPos:       row.RefPos,
			ReadBase:     row.ReadBase[0],
			RefBase:      row.RefBase[0],
			BaseCount:    row.BaseCount,
			OverlapRatio: row.OverlapRatio,
			AvgQScore:    row.AvgQScore,
			Coverage:     row.Coverage,
			Frequency:    row.Frequency,
			BaseRank:     row.BaseRank,
			Probability:  row.Probability,
		})
	}
	return t, nil
}
