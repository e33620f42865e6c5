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
package prefixdict

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S6-style scenario: two files sharing one read_id prefix and each
// contributing a unique one get their read_id columns rewritten to
// "<id>-<tail>", and the dictionary on disk contains exactly the union.
func TestCompactRewritesSharedAndUniquePrefixes(t *testing.T) {
	ctx := vcontext.Background()
	dir := t.TempDir()

	shared := longID("shared", "-a")
	uniqueA := longID("uniqA", "-b")
	uniqueB := longID("uniqB", "-c")

	fileA := filepath.Join(dir, "a.called_bases")
	fileB := filepath.Join(dir, "b.called_bases")
	writeTSVFile(t, fileA, []string{"ref_pos", "read_base", "read_id"}, [][]string{
		{"1", "A", shared},
		{"2", "G", uniqueA},
	})
	writeTSVFile(t, fileB, []string{"ref_pos", "read_base", "read_id"}, [][]string{
		{"1", "A", shared},
		{"3", "T", uniqueB},
	})

	dictPath := filepath.Join(dir, "prefix_dict.json")
	require.NoError(t, Compact(ctx, []string{fileA, fileB}, dictPath))

	d, err := Load(ctx, dictPath)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Len())

	gotA := readTSVFile(t, fileA)
	gotB := readTSVFile(t, fileB)

	sharedPrefix, _ := Split(shared)
	sharedID, ok := d.ID(sharedPrefix)
	require.True(t, ok)

	assert.Equal(t, d.Rewrite(shared), gotA[0][2])
	assert.Equal(t, d.Rewrite(shared), gotB[0][2])
	assert.True(t, strings.HasPrefix(gotA[0][2], strconv.Itoa(sharedID)+"-"))
}

func TestCompactSkipsEmptyFileSilently(t *testing.T) {
	ctx := vcontext.Background()
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.called_bases")
	writeTSVFile(t, empty, []string{"ref_pos", "read_base", "read_id"}, nil)

	dictPath := filepath.Join(dir, "prefix_dict.json")
	require.NoError(t, Compact(ctx, []string{empty}, dictPath))

	d, err := Load(ctx, dictPath)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Len())
}

// Running Compact twice over already-rewritten files must not change the
// dictionary or further mangle the read_id column (idempotence law, spec §8).
func TestCompactIsIdempotentOnRewrittenFiles(t *testing.T) {
	ctx := vcontext.Background()
	dir := t.TempDir()

	id := longID("onlyone", "-z")
	file := filepath.Join(dir, "a.called_bases")
	writeTSVFile(t, file, []string{"ref_pos", "read_base", "read_id"}, [][]string{
		{"1", "A", id},
	})

	dictPath := filepath.Join(dir, "prefix_dict.json")
	require.NoError(t, Compact(ctx, []string{file}, dictPath))
	firstPass := readTSVFile(t, file)

	require.NoError(t, Compact(ctx, []string{file}, dictPath))
	secondPass := readTSVFile(t, file)

	assert.Equal(t, firstPass, secondPass)
}

func writeTSVFile(t *testing.T, path string, header []string, rows [][]string) {
	t.Helper()
	var sb strings.Builder
	sb.WriteString(strings.Join(header, "\t"))
	sb.WriteString("\n")
	for _, row := range rows {
		sb.WriteString(strings.Join(row, "\t"))
		sb.WriteString("\n")
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
}

func readTSVFile(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	var rows [][]string
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		rows = append(rows, strings.Split(line, "\t"))
	}
	return rows
}
