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

// Package basecall reads and writes the tab-separated per-fragment records
// produced by the external aligner/caller: base-call records (one observed
// base, by one read, at one position) and read-alignment counters.
package basecall

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// ValidBases is the set of read_base / ref_base symbols a Record may carry.
// "-" denotes a deletion.
var ValidBases = map[string]bool{"A": true, "C": true, "G": true, "T": true, "-": true}

// Record is one base-call record (BCR): one base, called by one read, at one
// (possibly fractional, for insertions) reference position.
type Record struct {
	RefPos  float64 `tsv:"ref_pos"`
	Base    string  `tsv:"read_base"`
	RefBase string  `tsv:"ref_base"`
	ReadID  string  `tsv:"read_id"`
	Overlap int     `tsv:"overlap"`
	Quality int     `tsv:"quality"`
}

// ReadCounter is one row of a read-counter file: the number of alignments
// recorded for a given read.
type ReadCounter struct {
	ReadID     string `tsv:"read_id"`
	Alignments int    `tsv:"number_of_alignments"`
}

// ParseError identifies the file and line at which a malformed base-call
// record was encountered (spec §7, data-shape errors).
type ParseError struct {
	File  string
	Line  int
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("basecall: %s:%d: %v", e.File, e.Line, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// ReadRecords reads every Record from a tab-separated base-call file at
// path. The file must have a header row naming the columns in Record's tsv
// tags (column order is not significant). An empty file (header-only or
// zero bytes) yields a nil, nil result.
func ReadRecords(ctx context.Context, path string) (records []Record, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)

	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true

	line := 1
	for {
		var rec Record
		if err := r.Read(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, &ParseError{File: path, Line: line + 1, Cause: err}
		}
		line++
		if !ValidBases[rec.Base] {
			return nil, &ParseError{File: path, Line: line, Cause: fmt.Errorf("unknown read_base %q", rec.Base)}
		}
		if !ValidBases[rec.RefBase] || rec.RefBase == "-" {
			return nil, &ParseError{File: path, Line: line, Cause: fmt.Errorf("unknown ref_base %q", rec.RefBase)}
		}
		records = append(records, rec)
	}
	return records, nil
}

// WriteRecords writes records as a tab-separated file with a header row.
func WriteRecords(ctx context.Context, path string, records []Record) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)

	w := tsv.NewRowWriter(out.Writer(ctx))
	for i := range records {
		if err := w.Write(&records[i]); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadCounters reads every ReadCounter row from a tab-separated
// read-counter file. Empty files are treated as containing zero rows.
func ReadCounters(ctx context.Context, path string) (counters []ReadCounter, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)

	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	for {
		var rc ReadCounter
		if err := r.Read(&rc); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		counters = append(counters, rc)
	}
	return counters, nil
}

// WriteCounters writes counters as a tab-separated file with a header row.
func WriteCounters(ctx context.Context, path string, counters []ReadCounter) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)

	w := tsv.NewRowWriter(out.Writer(ctx))
	for i := range counters {
		if err := w.Write(&counters[i]); err != nil {
			return err
		}
	}
	return w.Flush()
}

// IsBaseCallFile reports whether name ends in "called_bases" or
// "ignored_bases", the base-call category suffixes. No pipeline stage in
// this module calls it; in particular prefixdict.Compact rewrites every
// file the same way regardless of its name.
func IsBaseCallFile(name string) bool {
	return strings.HasSuffix(name, "called_bases") || strings.HasSuffix(name, "ignored_bases")
}
