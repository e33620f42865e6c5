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
package aggregate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accuvar/ngsagg/basecall"
	"github.com/accuvar/ngsagg/freqtable"
	"github.com/accuvar/ngsagg/refseq"
)

func writeFragment(t *testing.T, basecallDir, fragment string, records []basecall.Record, counters []basecall.ReadCounter) {
	t.Helper()
	ctx := context.Background()
	dir := filepath.Join(basecallDir, fragment)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, basecall.WriteRecords(ctx, filepath.Join(dir, "called_bases.tsv"), records))
	require.NoError(t, basecall.WriteCounters(ctx, filepath.Join(dir, "read_counter.tsv"), counters))
}

func TestCoordinatorRunProducesFinalOutputs(t *testing.T) {
	ctx := context.Background()
	basecallDir := t.TempDir()
	outputDir := t.TempDir()

	writeFragment(t, basecallDir, "fragment_0",
		[]basecall.Record{{RefPos: 1, Base: "A", RefBase: "A", ReadID: "read1", Quality: 30}},
		[]basecall.ReadCounter{{ReadID: "read1", Alignments: 1}})
	writeFragment(t, basecallDir, "fragment_1",
		[]basecall.Record{{RefPos: 1, Base: "A", RefBase: "A", ReadID: "read2", Quality: 30}},
		[]basecall.ReadCounter{{ReadID: "read2", Alignments: 2}})

	ref := &refseq.Reference{Name: "r", Seq: []byte("A")}
	table := freqtable.Build(ref, [][]basecall.Record{
		{{RefPos: 1, Base: "A", RefBase: "A", ReadID: "read1", Quality: 30}},
		{{RefPos: 1, Base: "A", RefBase: "A", ReadID: "read2", Quality: 30}},
	})

	c := &Coordinator{BasecallDir: basecallDir, OutputDir: outputDir, Opts: Options{MinCoverage: 1}}
	require.NoError(t, c.Run(ctx, ref, table))

	for _, name := range []string{
		"consensus.fasta", "consensus_aligned_to_ref.fasta", "freqs.tsv",
		"read_counter.tsv", "mutation_read_list.tsv", "called_bases.tsv", "read_id_prefixes.json",
	} {
		_, err := os.Stat(filepath.Join(outputDir, name))
		assert.NoError(t, err, "expected %s to exist", name)
	}

	counters, err := basecall.ReadCounters(ctx, filepath.Join(outputDir, "read_counter.tsv"))
	require.NoError(t, err)
	assert.Len(t, counters, 2)
}

func TestCoordinatorRunSkipsCompactionWhenCleanupRequested(t *testing.T) {
	ctx := context.Background()
	basecallDir := t.TempDir()
	outputDir := t.TempDir()

	writeFragment(t, basecallDir, "fragment_0",
		[]basecall.Record{{RefPos: 1, Base: "A", RefBase: "A", ReadID: "read1", Quality: 30}},
		[]basecall.ReadCounter{{ReadID: "read1", Alignments: 1}})

	ref := &refseq.Reference{Name: "r", Seq: []byte("A")}
	table := freqtable.Build(ref, [][]basecall.Record{
		{{RefPos: 1, Base: "A", RefBase: "A", ReadID: "read1", Quality: 30}},
	})

	c := &Coordinator{BasecallDir: basecallDir, OutputDir: outputDir, Opts: Options{MinCoverage: 1, Cleanup: true}}
	require.NoError(t, c.Run(ctx, ref, table))

	_, err := os.Stat(filepath.Join(outputDir, "mutation_read_list.tsv"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(outputDir, "read_counter.tsv"))
	assert.NoError(t, err)
}

func TestCoordinatorCleanupRemovesBasecallDirWhenRequested(t *testing.T) {
	basecallDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(basecallDir, "marker"), []byte("x"), 0o644))

	c := &Coordinator{BasecallDir: basecallDir, Opts: Options{Cleanup: true}}
	c.Cleanup()

	_, err := os.Stat(basecallDir)
	assert.True(t, os.IsNotExist(err))
}

func TestCoordinatorCleanupIsNoOpWhenNotRequested(t *testing.T) {
	basecallDir := t.TempDir()
	c := &Coordinator{BasecallDir: basecallDir, Opts: Options{Cleanup: false}}
	c.Cleanup()

	_, err := os.Stat(basecallDir)
	assert.NoError(t, err)
}

func TestConcatenateFilesSkipsRepeatHeaders(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.tsv")
	b := filepath.Join(dir, "b.tsv")
	require.NoError(t, os.WriteFile(a, []byte("h1\th2\nv1\tv2\n"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("h1\th2\nv3\tv4\n"), 0o644))

	out := filepath.Join(dir, "out.tsv")
	require.NoError(t, concatenateFiles(ctx, []string{a, b}, out, true))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "h1\th2\nv1\tv2\nv3\tv4\n", string(data))
}

func TestCollectByExtensionFindsOnlyMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	fragDir := filepath.Join(dir, "fragment_0")
	require.NoError(t, os.MkdirAll(fragDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fragDir, "called_bases.tsv"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(fragDir, "ignored_bases.tsv"), []byte("y"), 0o644))

	got := collectByExtension([]string{fragDir}, "called_bases")
	require.Len(t, got, 1)
	assert.Equal(t, filepath.Join(fragDir, "called_bases.tsv"), got[0])
}
