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
package refseq

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSingleRecord(t *testing.T) {
	ctx := vcontext.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "ref.fasta")
	require.NoError(t, os.WriteFile(path, []byte(">chr1 description\nACGT\nACGT\n"), 0o644))

	ref, err := Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "chr1", ref.Name)
	assert.Equal(t, "ACGTACGT", ref.String())
	assert.Equal(t, 8, ref.Len())
	assert.Equal(t, byte('A'), ref.Base(1))
	assert.Equal(t, byte('T'), ref.Base(8))
}

func TestLoadRejectsMultiRecord(t *testing.T) {
	ctx := vcontext.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "ref.fasta")
	require.NoError(t, os.WriteFile(path, []byte(">chr1\nACGT\n>chr2\nTTTT\n"), 0o644))

	_, err := Load(ctx, path)
	assert.Error(t, err)
}

func TestLoadRejectsEmptyFile(t *testing.T) {
	ctx := vcontext.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "ref.fasta")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	_, err := Load(ctx, path)
	assert.Error(t, err)
}

func TestWriteWrapsAtLineWidth(t *testing.T) {
	ctx := vcontext.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "out.fasta")
	seq := make([]byte, 150)
	for i := range seq {
		seq[i] = 'A'
	}
	require.NoError(t, Write(ctx, path, "test", seq))

	ref, err := Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "test", ref.Name)
	assert.Equal(t, string(seq), ref.String())
}

