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

// Package prefixdict compacts read_id columns by assigning small integer IDs
// to shared 31-character read-ID prefixes, so per-mutation read-id tables
// stay small (spec §4.4). It is grounded on
// original_source/aggregation.py's update_prefix_dict/trim_read_id_prefixes,
// re-expressed as an in-memory, append-only map plus a two-pass scan/rewrite
// rather than a JSON re-read between every file.
package prefixdict

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/pkg/errors"
)

// PrefixLength is the fixed read_id prefix length the dictionary keys on
// (spec §4.4).
const PrefixLength = 31

// Dict is the single-writer, monotonically-extended mapping from a
// 31-character read_id prefix to a positive integer (spec §3: "never
// rewritten, only appended"). The zero value is an empty, ready-to-use
// dictionary.
type Dict struct {
	values map[string]int
	next   int
}

// Load reads a dictionary previously persisted by Save at path. A missing
// file yields an empty dictionary, matching
// update_prefix_dict's os.path.isfile check.
func Load(ctx context.Context, path string) (*Dict, error) {
	d := &Dict{values: map[string]int{}, next: 1}
	in, err := file.Open(ctx, path)
	if err != nil {
		if file.IsNotExist(err) {
			return d, nil
		}
		return nil, errors.Wrapf(err, "prefixdict: opening %s", path)
	}
	defer in.Close(ctx) // nolint: errcheck

	if err := json.NewDecoder(in.Reader(ctx)).Decode(&d.values); err != nil {
		return nil, errors.Wrapf(err, "prefixdict: decoding %s", path)
	}
	for _, v := range d.values {
		if v >= d.next {
			d.next = v + 1
		}
	}
	return d, nil
}

// Save persists the dictionary as a JSON object to path.
func (d *Dict) Save(ctx context.Context, path string) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "prefixdict: creating %s", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	return json.NewEncoder(out.Writer(ctx)).Encode(d.values)
}

// Extend assigns a new integer to every prefix in prefixes not already
// present, in the order prefixes is given (spec §4.4: "new keys receive
// max(existing values)+1, incremented in insertion order").
func (d *Dict) Extend(prefixes []string) {
	if d.values == nil {
		d.values = map[string]int{}
	}
	if d.next < 1 {
		d.next = 1
	}
	for _, p := range prefixes {
		if _, ok := d.values[p]; !ok {
			d.values[p] = d.next
			d.next++
		}
	}
}

// ID returns the integer assigned to prefix and whether it was present.
func (d *Dict) ID(prefix string) (int, bool) {
	id, ok := d.values[prefix]
	return id, ok
}

// Len returns the number of distinct prefixes in the dictionary.
func (d *Dict) Len() int { return len(d.values) }

// Values returns the dictionary's values sorted ascending; used by tests to
// assert the "values form the set {1..|dict|}" invariant (spec §8).
func (d *Dict) Values() []int {
	out := make([]int, 0, len(d.values))
	for _, v := range d.values {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Split returns the fixed-length prefix and remaining tail of a read_id. If
// id is shorter than PrefixLength, the whole string is treated as the
// prefix and the tail is empty.
func Split(id string) (prefix, tail string) {
	if len(id) <= PrefixLength {
		return id, ""
	}
	return id[:PrefixLength], id[PrefixLength:]
}

// Rewrite replaces readID with "<n>-<tail>" using the dictionary. It panics
// if readID's prefix is not yet present; callers must Extend first (spec
// §4.4's two-pass design: pass 1 grows the dictionary, pass 2 rewrites).
func (d *Dict) Rewrite(readID string) string {
	prefix, tail := Split(readID)
	id, ok := d.values[prefix]
	if !ok {
		panic("prefixdict: Rewrite called before Extend for prefix " + prefix)
	}
	return strconv.Itoa(id) + "-" + tail
}
