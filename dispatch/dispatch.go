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

// Package dispatch is the parallel fan-out/fan-in primitive (spec §4.6) used
// by the refinement driver to process fragments. The mutation index builder
// (mutindex) does not use it: it merges already-read streams in a single
// pass. Workers share no memory; they communicate
// through the filesystem, so Run's only job is bounding concurrency,
// collecting the first failure, and reporting progress.
package dispatch

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
)

// Job processes the idx'th of n work items.
type Job func(ctx context.Context, idx int) error

// Run executes n jobs with up to parallelism concurrent goroutines
// (parallelism <= 0 means runtime.NumCPU()), via traverse.Each. The first
// error observed across all jobs is returned once every job has completed
// or failed; siblings are not cancelled (spec §5: "a failure in any worker
// propagates as the driver's failure after the barrier").
func Run(ctx context.Context, n, parallelism int, job Job) error {
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	var (
		firstErr errors.Once
		done     int64
	)
	_ = traverse.T{Limit: parallelism}.Each(n, func(idx int) error {
		if err := job(ctx, idx); err != nil {
			firstErr.Set(err)
		}
		completed := atomic.AddInt64(&done, 1)
		log.Printf("dispatch: completed job %d/%d", completed, n)
		return nil
	})
	return firstErr.Err()
}
