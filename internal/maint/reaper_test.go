// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package maint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/amon/pkg/apierror"
)

func TestReaperExpiresWindows(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newEngineFixture(t)

	now := time.Now()
	w, err := f.engine.Create(ctx, &Window{
		User:  userA,
		Start: now.Add(-time.Minute).UnixMilli(),
		End:   now.Add(150 * time.Millisecond).UnixMilli(),
		All:   true,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.engine.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		_, err := f.engine.Get(ctx, userA, w.ID)
		return apierror.IsGone(err)
	}, 3*time.Second, 20*time.Millisecond, "the reaper deletes the window at its end time")

	cancel()
	<-done
}

func TestReaperFiresEndHook(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newEngineFixture(t)

	now := time.Now()
	_, err := f.engine.Create(ctx, &Window{
		User:  userA,
		Start: now.Add(-time.Minute).UnixMilli(),
		End:   now.Add(150 * time.Millisecond).UnixMilli(),
		All:   true,
	})
	require.NoError(t, err)

	go func() { _ = f.engine.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(f.endedWindows()) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestReaperIgnoresFutureWindows(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newEngineFixture(t)

	now := time.Now()
	w, err := f.engine.Create(ctx, &Window{
		User:  userA,
		Start: now.UnixMilli(),
		End:   now.Add(time.Hour).UnixMilli(),
		All:   true,
	})
	require.NoError(t, err)

	go func() { _ = f.engine.Run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	got, err := f.engine.Get(ctx, userA, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID, "a live window survives the reaper")
}

func TestNextDelayEnforcesMinimumGap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngineFixture(t)

	// A window whose end is already in the past must not produce a
	// zero delay; minReaperGap guards against hot loops.
	_, err := f.engine.Create(ctx, &Window{
		User:  userA,
		Start: 1_000,
		End:   2_000,
		All:   true,
	})
	require.NoError(t, err)

	delay := f.engine.nextDelay(ctx)
	assert.GreaterOrEqual(t, delay, minReaperGap)
	assert.Less(t, delay, time.Second)
}

func TestNextDelayOnKVErrorRetriesInFiveMinutes(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)

	f.mr.Close()
	delay := f.engine.nextDelay(context.Background())
	assert.Equal(t, errorRetryGap, delay)
}

func TestNextDelayIdleWithoutWindows(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)

	assert.Equal(t, idleGap, f.engine.nextDelay(context.Background()))
}
