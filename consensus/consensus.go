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

// Package consensus derives a consensus sequence from an allele-frequency
// table, in both reference-coordinate (gap-preserving) and gap-free modes
// (spec §4.2). It is grounded on original_source/utils.py's
// create_new_ref_with_freqs, re-expressed as explicit position-keyed passes
// rather than a dataframe merge.
package consensus

import (
	"context"
	"sort"

	"github.com/accuvar/ngsagg/freqtable"
	"github.com/accuvar/ngsagg/refseq"
)

// Options controls how a consensus sequence is masked and assembled.
type Options struct {
	MinCoverage  int
	MinFrequency float64
}

// BuildReferenceCoordinate derives the consensus in reference-coordinate
// mode: '-' deletions are kept, so output position i still corresponds to
// reference position i. length is the reference length L.
func BuildReferenceCoordinate(t *freqtable.Table, length int, opts Options) []byte {
	return build(t, length, opts)
}

// BuildGapFree derives the consensus with all '-' characters stripped,
// yielding a pure nucleotide sequence.
func BuildGapFree(t *freqtable.Table, length int, opts Options) []byte {
	return stripGaps(build(t, length, opts))
}

func stripGaps(seq []byte) []byte {
	out := make([]byte, 0, len(seq))
	for _, b := range seq {
		if b != '-' {
			out = append(out, b)
		}
	}
	return out
}

func build(t *freqtable.Table, length int, opts Options) []byte {
	byIntPos := map[int64][]freqtable.Row{}
	insertionsAt := map[int64][]freqtable.Row{} // keyed by scaled position
	anchorInsertions := map[int64][]int64{}      // integer anchor -> sorted scaled insertion positions

	for _, r := range t.Rows {
		sp := freqtable.ScalePos(r.RefPos)
		if sp%freqtable.PosScale == 0 {
			ip := freqtable.IntegerPos(sp)
			byIntPos[ip] = append(byIntPos[ip], r)
			continue
		}
		insertionsAt[sp] = append(insertionsAt[sp], r)
		anchor := freqtable.IntegerPos(sp)
		if len(insertionsAt[sp]) == 1 {
			anchorInsertions[anchor] = append(anchorInsertions[anchor], sp)
		}
	}
	for anchor := range anchorInsertions {
		sort.Slice(anchorInsertions[anchor], func(i, j int) bool {
			return anchorInsertions[anchor][i] < anchorInsertions[anchor][j]
		})
	}

	out := make([]byte, 0, length+8)
	for p := int64(1); p <= int64(length); p++ {
		out = append(out, chooseBase(byIntPos[p], opts))
		for _, sp := range anchorInsertions[p] {
			if b, ok := chooseInsertion(insertionsAt[sp], opts); ok {
				out = append(out, b)
			}
		}
	}
	return out
}

// chooseBase picks the base_rank=0 row at an integer position and applies
// the N-masking floors (spec §4.2). If several rows had rank 0, the one
// with the lowest read_base would be chosen; with freqtable's rank formula a
// tie for the top base_count never reaches rank 0, so a tied position has no
// rank-0 row and is N-masked (see DESIGN.md).
func chooseBase(rows []freqtable.Row, opts Options) byte {
	var chosen *freqtable.Row
	for i := range rows {
		if rows[i].BaseRank != 0 {
			continue
		}
		if chosen == nil || rows[i].ReadBase < chosen.ReadBase {
			chosen = &rows[i]
		}
	}
	if chosen == nil {
		return 'N'
	}
	if chosen.Coverage < opts.MinCoverage || chosen.Frequency < opts.MinFrequency {
		return 'N'
	}
	return chosen.ReadBase
}

// chooseInsertion selects the inserted base at a fractional position, if
// any row there clears the fixed 0.5 frequency floor and the surrounding
// integer position's coverage floor (spec §4.2 "insertion handling").
func chooseInsertion(rows []freqtable.Row, opts Options) (byte, bool) {
	for i := range rows {
		if rows[i].Frequency > 0.5 && rows[i].Coverage >= opts.MinCoverage {
			return rows[i].ReadBase, true
		}
	}
	return 0, false
}

// WriteFASTA derives and writes both a reference-coordinate and a gap-free
// consensus in one call; name is used as both records' FASTA header. An
// empty path skips that output.
func WriteFASTA(ctx context.Context, t *freqtable.Table, length int, opts Options, name, refCoordPath, gapFreePath string) error {
	if refCoordPath != "" {
		if err := refseq.Write(ctx, refCoordPath, name, BuildReferenceCoordinate(t, length, opts)); err != nil {
			return err
		}
	}
	if gapFreePath != "" {
		if err := refseq.Write(ctx, gapFreePath, name, BuildGapFree(t, length, opts)); err != nil {
			return err
		}
	}
	return nil
}
