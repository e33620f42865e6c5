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
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExecutesEveryJob(t *testing.T) {
	ctx := context.Background()
	const n = 20
	seen := make([]int32, n)

	err := Run(ctx, n, 4, func(_ context.Context, idx int) error {
		atomic.AddInt32(&seen[idx], 1)
		return nil
	})
	require.NoError(t, err)
	for i, v := range seen {
		assert.Equal(t, int32(1), v, "job %d ran %d times", i, v)
	}
}

func TestRunPropagatesFirstError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := Run(ctx, 10, 2, func(_ context.Context, idx int) error {
		if idx == 3 {
			return boom
		}
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom) || err.Error() == boom.Error())
}

func TestRunRespectsParallelismLimit(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	current, maxSeen := 0, 0

	err := Run(ctx, 30, 3, func(_ context.Context, idx int) error {
		mu.Lock()
		current++
		if current > maxSeen {
			maxSeen = current
		}
		mu.Unlock()

		mu.Lock()
		current--
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, maxSeen, 3)
}

func TestRunDefaultsParallelismWhenNonPositive(t *testing.T) {
	ctx := context.Background()
	var count int32
	err := Run(ctx, 5, 0, func(_ context.Context, idx int) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(5), count)
}
