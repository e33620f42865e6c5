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
	"bufio"
	"context"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/pkg/errors"
)

// Compact runs the two-pass compaction contract over paths (spec §4.4):
// pass 1 scans every file's read_id column and extends dict with any new
// prefixes, persisting it; pass 2 rewrites every file's read_id column in
// place using the now-complete dictionary. Files that are empty (no data
// rows) are skipped silently in both passes.
//
// The original aggregation.py distinguishes base-call-category files from
// others by emitting an explicit index_label when writing the former, but
// both branches pass index=False, making the distinction a no-op in
// practice; this implementation instead uniformly preserves every file's
// full column set and order, rewriting only the read_id column (see
// DESIGN.md).
func Compact(ctx context.Context, paths []string, dictPath string) error {
	dict, err := Load(ctx, dictPath)
	if err != nil {
		return err
	}

	tables := make([]*table, 0, len(paths))
	for _, path := range paths {
		t, err := readTable(ctx, path)
		if err != nil {
			return errors.Wrapf(err, "prefixdict: scanning %s", path)
		}
		if t == nil {
			continue // empty file, skipped silently
		}
		tables = append(tables, t)
		prefixes := make([]string, 0, len(t.rows))
		for _, row := range t.rows {
			prefix, _ := Split(row[t.readIDCol])
			prefixes = append(prefixes, prefix)
		}
		dict.Extend(prefixes)
	}
	if err := dict.Save(ctx, dictPath); err != nil {
		return err
	}

	for _, t := range tables {
		for _, row := range t.rows {
			row[t.readIDCol] = dict.Rewrite(row[t.readIDCol])
		}
		if err := writeTable(ctx, t); err != nil {
			return errors.Wrapf(err, "prefixdict: rewriting %s", t.path)
		}
	}
	return nil
}

// table is a minimal in-memory tab-separated table: a header and rows of
// string cells, used so Compact can rewrite an arbitrary file's read_id
// column without depending on any one file's strongly-typed schema.
type table struct {
	path      string
	header    []string
	rows      [][]string
	readIDCol int
}

func readTable(ctx context.Context, path string) (*table, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.Close(ctx) // nolint: errcheck

	scanner := bufio.NewScanner(in.Reader(ctx))
	scanner.Buffer(nil, 1<<20)
	if !scanner.Scan() {
		return nil, scanner.Err()
	}
	header := strings.Split(scanner.Text(), "\t")
	readIDCol := -1
	for i, col := range header {
		if col == "read_id" {
			readIDCol = i
			break
		}
	}
	if readIDCol < 0 {
		return nil, errors.Errorf("prefixdict: %s has no read_id column", path)
	}

	t := &table{path: path, header: header, readIDCol: readIDCol}
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		t.rows = append(t.rows, strings.Split(line, "\t"))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(t.rows) == 0 {
		return nil, nil
	}
	return t, nil
}

func writeTable(ctx context.Context, t *table) (err error) {
	out, err := file.Create(ctx, t.path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)

	w := bufio.NewWriter(out.Writer(ctx))
	if _, err = w.WriteString(strings.Join(t.header, "\t") + "\n"); err != nil {
		return err
	}
	for _, row := range t.rows {
		if _, err = w.WriteString(strings.Join(row, "\t") + "\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}
