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

// Package refseq loads and writes the single-record FASTA reference sequence
// that anchors one run of the aggregation engine.
package refseq

import (
	"bufio"
	"context"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/pkg/errors"
)

const fastaLineWidth = 70

// Reference is an immutable 1-indexed nucleotide sequence.
type Reference struct {
	Name string
	Seq  []byte // 0-indexed storage; Base/Len present the 1-indexed view
}

// Len returns the number of positions in the reference (L in spec terms).
func (r *Reference) Len() int { return len(r.Seq) }

// Base returns the base at 1-indexed position pos.
func (r *Reference) Base(pos int) byte { return r.Seq[pos-1] }

// String returns the sequence as a string.
func (r *Reference) String() string { return string(r.Seq) }

// Load reads a FASTA file that must contain exactly one record. A file with
// zero or more than one record is an input-validation error (spec §7).
func Load(ctx context.Context, path string) (ref *Reference, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "refseq: opening %s", path)
	}
	defer file.CloseAndReport(ctx, in, &err)

	var (
		seq     strings.Builder
		scanner = bufio.NewScanner(in.Reader(ctx))
	)
	scanner.Buffer(nil, 1<<20)
	flush := func() {
		if ref != nil {
			ref.Seq = []byte(seq.String())
		}
	}
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			if ref != nil {
				flush()
				return nil, errors.Errorf("refseq: %s contains more than one record; exactly one required", path)
			}
			name := strings.SplitN(line[1:], " ", 2)[0]
			ref = &Reference{Name: name}
			continue
		}
		if ref == nil {
			return nil, errors.Errorf("refseq: %s: sequence data before any '>' header", path)
		}
		seq.WriteString(strings.TrimSpace(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "refseq: reading %s", path)
	}
	if ref == nil {
		return nil, errors.Errorf("refseq: %s contains no records; exactly one required", path)
	}
	flush()
	return ref, nil
}

// Write emits seq as a single-record FASTA, wrapped at the conventional
// 70-column width.
func Write(ctx context.Context, path, name string, seq []byte) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "refseq: creating %s", path)
	}
	defer file.CloseAndReport(ctx, out, &err)

	w := out.Writer(ctx)
	if _, err = w.Write([]byte(">" + name + "\n")); err != nil {
		return errors.Wrapf(err, "refseq: writing %s", path)
	}
	for offset := 0; offset < len(seq); offset += fastaLineWidth {
		end := offset + fastaLineWidth
		if end > len(seq) {
			end = len(seq)
		}
		if _, err = w.Write(seq[offset:end]); err != nil {
			return errors.Wrapf(err, "refseq: writing %s", path)
		}
		if _, err = w.Write([]byte{'\n'}); err != nil {
			return errors.Wrapf(err, "refseq: writing %s", path)
		}
	}
	return nil
}
