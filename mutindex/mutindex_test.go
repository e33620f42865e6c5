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
package mutindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accuvar/ngsagg/basecall"
)

func entryAt(entries []Entry, pos float64, base byte) (Entry, bool) {
	for _, e := range entries {
		if e.RefPos == pos && e.ReadBase == base {
			return e, true
		}
	}
	return Entry{}, false
}

func TestBuildGroupsReadIDsWithinOneStream(t *testing.T) {
	stream := []basecall.Record{
		{RefPos: 1, Base: "G", ReadID: "read2"},
		{RefPos: 1, Base: "G", ReadID: "read1"},
		{RefPos: 1, Base: "A", ReadID: "read3"},
	}
	entries := Build([][]basecall.Record{stream})

	g, ok := entryAt(entries, 1, 'G')
	require.True(t, ok)
	assert.Equal(t, []string{"read1", "read2"}, g.ReadIDs)

	a, ok := entryAt(entries, 1, 'A')
	require.True(t, ok)
	assert.Equal(t, []string{"read3"}, a.ReadIDs)
}

// Merging across files unions read_id sets for a shared (ref_pos, read_base)
// key and de-duplicates reads seen by more than one fragment.
func TestBuildMergesAcrossStreamsByUnion(t *testing.T) {
	streamA := []basecall.Record{
		{RefPos: 5, Base: "T", ReadID: "readX"},
	}
	streamB := []basecall.Record{
		{RefPos: 5, Base: "T", ReadID: "readY"},
		{RefPos: 5, Base: "T", ReadID: "readX"},
	}
	entries := Build([][]basecall.Record{streamA, streamB})

	e, ok := entryAt(entries, 5, 'T')
	require.True(t, ok)
	assert.Equal(t, []string{"readX", "readY"}, e.ReadIDs)
}

func TestBuildOrdersEntriesByPositionThenBase(t *testing.T) {
	stream := []basecall.Record{
		{RefPos: 2, Base: "G", ReadID: "r1"},
		{RefPos: 1, Base: "T", ReadID: "r2"},
		{RefPos: 1, Base: "A", ReadID: "r3"},
	}
	entries := Build([][]basecall.Record{stream})
	require.Len(t, entries, 3)
	assert.Equal(t, 1.0, entries[0].RefPos)
	assert.Equal(t, byte('A'), entries[0].ReadBase)
	assert.Equal(t, 1.0, entries[1].RefPos)
	assert.Equal(t, byte('T'), entries[1].ReadBase)
	assert.Equal(t, 2.0, entries[2].RefPos)
}

func TestWriteTSVJoinsReadIDsWithSemicolon(t *testing.T) {
	ctx := vcontext.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "mutation_read_list.tsv")

	entries := []Entry{
		{RefPos: 1, ReadBase: 'G', ReadIDs: []string{"read1", "read2"}},
	}
	require.NoError(t, WriteTSV(ctx, path, entries))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "read1;read2")
}
