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
	"time"

	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/amon/pkg/apierror"
)

const (
	// minReaperGap guards against hot loops when clocks are skewed and
	// an end time sits in the past while the record refuses to die.
	minReaperGap = 100 * time.Millisecond
	// errorRetryGap is the re-arm delay after a KV failure.
	errorRetryGap = 5 * time.Minute
	// idleGap is the re-arm delay with no windows outstanding. Creates
	// poke the reaper, so this is only a safety net.
	idleGap = time.Hour
)

// Poke re-arms the reaper against the current store contents. It never
// blocks; concurrent pokes coalesce.
func (e *Engine) Poke() {
	select {
	case e.poke <- struct{}{}:
	default:
	}
}

// Run drives the expiry reaper until ctx is cancelled. A single timer
// points at the next window to expire; at most one reap is in flight at
// any time because this loop is the only reaper.
func (e *Engine) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.nextDelay(ctx))
		select {
		case <-ctx.Done():
			return nil
		case <-e.poke:
			// Recompute the delay against the new store contents.
		case <-timer.C:
			e.reapExpired(ctx)
		}
	}
}

// nextDelay computes how long to sleep until the next window expires.
func (e *Engine) nextDelay(ctx context.Context) time.Duration {
	scored, err := e.store.ZRangeWithScores(ctx, keyByEnd)
	if err != nil {
		e.metrics.reaperErrs.Inc()
		level.Error(e.logger).Log("msg", "reaper failed to read expiry index", "err", err)
		return errorRetryGap
	}
	if len(scored) == 0 {
		return idleGap
	}
	end := time.UnixMilli(int64(scored[0].Score))
	delay := end.Sub(e.now())
	if delay < minReaperGap {
		delay = minReaperGap
	}
	return delay
}

// reapExpired deletes every window whose end has passed. Records that
// vanished or fail to parse are cleaned out of the indexes so the next
// arm does not point at them again.
func (e *Engine) reapExpired(ctx context.Context) {
	scored, err := e.store.ZRangeWithScores(ctx, keyByEnd)
	if err != nil {
		e.metrics.reaperErrs.Inc()
		level.Error(e.logger).Log("msg", "reaper failed to read expiry index", "err", err)
		return
	}
	now := e.now().UnixMilli()
	for _, s := range scored {
		if int64(s.Score) > now {
			break
		}
		user, id, err := splitKey(s.Member)
		if err != nil {
			e.metrics.reaperErrs.Inc()
			level.Error(e.logger).Log("msg", "reaper found malformed index member", "member", s.Member, "err", err)
			e.deleteBogus("", s.Member)
			continue
		}
		if _, err := e.Delete(ctx, user, id); err != nil {
			// Already gone is fine: someone deleted it between the
			// index read and now.
			if apierror.IsGone(err) || apierror.IsNotFound(err) {
				continue
			}
			e.metrics.reaperErrs.Inc()
			level.Error(e.logger).Log("msg", "reaping maintenance window", "user", user, "id", id, "err", err)
			continue
		}
		e.metrics.reaped.Inc()
		level.Info(e.logger).Log("msg", "maintenance window expired", "user", user, "id", id)
	}
}
