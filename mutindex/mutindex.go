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

// Package mutindex inverts base-call records into a (ref_pos, read_base) ->
// set-of-read-ids index (spec §4.5), grounded on
// original_source/aggregation.py's create_mutation_read_list_file
// (groupby(['ref_pos', 'read_base']).read_id.unique(), merged across files
// by full-outer-join-and-union).
package mutindex

import (
	"context"
	"sort"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"

	"github.com/accuvar/ngsagg/basecall"
	"github.com/accuvar/ngsagg/freqtable"
)

// Entry is one row of the mutation-read index: every read_id that called
// readBase at refPos, across every merged file.
type Entry struct {
	RefPos   float64
	ReadBase byte
	ReadIDs  []string // sorted, de-duplicated
}

// Build merges one or more per-fragment base-call streams into the
// mutation-read index by full-outer-join-and-union on (ref_pos, read_base)
// (spec §4.5: "merge across files by full-outer-join on key and union of
// read-id sets, ignoring absent sides").
func Build(streams [][]basecall.Record) []Entry {
	type key struct {
		scaledPos int64
		base      byte
	}
	sets := map[key]map[string]bool{}
	for _, stream := range streams {
		for _, rec := range stream {
			k := key{scaledPos: freqtable.ScalePos(rec.RefPos), base: rec.Base[0]}
			set := sets[k]
			if set == nil {
				set = map[string]bool{}
				sets[k] = set
			}
			set[rec.ReadID] = true
		}
	}

	entries := make([]Entry, 0, len(sets))
	for k, set := range sets {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		entries = append(entries, Entry{
			RefPos:   freqtable.UnscalePos(k.scaledPos),
			ReadBase: k.base,
			ReadIDs:  ids,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RefPos != entries[j].RefPos {
			return entries[i].RefPos < entries[j].RefPos
		}
		return entries[i].ReadBase < entries[j].ReadBase
	})
	return entries
}

// tsvRow is the on-disk encoding of an Entry (mutation_read_list.tsv, spec
// §6): read_id is serialized as a semicolon-delimited list.
type tsvRow struct {
	RefPos   float64 `tsv:"ref_pos"`
	ReadBase string  `tsv:"read_base"`
	ReadID   string  `tsv:"read_id"`
}

// WriteTSV writes entries as mutation_read_list.tsv (spec §6).
func WriteTSV(ctx context.Context, path string, entries []Entry) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)

	w := tsv.NewRowWriter(out.Writer(ctx))
	for _, e := range entries {
		row := tsvRow{
			RefPos:   e.RefPos,
			ReadBase: string(e.ReadBase),
			ReadID:   strings.Join(e.ReadIDs, ";"),
		}
		if err := w.Write(&row); err != nil {
			return err
		}
	}
	return w.Flush()
}
