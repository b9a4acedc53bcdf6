// Package coalesce collapses concurrent calls for the same key into a single
// computation whose result is shared by every caller.
package coalesce

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/openpreprint/blobcache/pkg/errors"
)

// Group deduplicates in-flight work by key. It is not a cache: once a
// computation resolves its key is released and the next call starts afresh.
// The zero value is ready to use.
type Group[T any] struct {
	sf singleflight.Group

	inFlight   atomic.Int64
	executions atomic.Uint64
	shared     atomic.Uint64
	abandoned  atomic.Uint64
}

// Stats counts Group activity.
type Stats struct {
	InFlight   int64  `json:"in_flight"`
	Executions uint64 `json:"executions"`
	Shared     uint64 `json:"shared"`
	Abandoned  uint64 `json:"abandoned"`
}

// Do runs fn once per key among concurrent callers and returns its result to
// all of them. shared reports whether the result went to more than one
// caller.
//
// fn runs with a context carrying the first caller's values but none of its
// cancellation, so one caller giving up cannot fail the others. A caller
// whose own ctx ends stops waiting and gets ctx.Err(); the computation keeps
// running for the rest.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	detached := context.WithoutCancel(ctx)

	ch := g.sf.DoChan(key, func() (result interface{}, err error) {
		g.inFlight.Add(1)
		g.executions.Add(1)
		defer g.inFlight.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf(errors.ErrCodeInternalError, "coalesced computation panicked: %v", r).
					WithContext("key", key).
					WithRetryable(false)
			}
		}()
		return fn(detached)
	})

	select {
	case res := <-ch:
		if res.Shared {
			g.shared.Add(1)
		}
		if res.Err != nil {
			var zero T
			return zero, res.Shared, res.Err
		}
		value, ok := res.Val.(T)
		if !ok {
			var zero T
			return zero, res.Shared, fmt.Errorf("coalesced result for %q has type %T", key, res.Val)
		}
		return value, res.Shared, nil
	case <-ctx.Done():
		g.abandoned.Add(1)
		var zero T
		return zero, false, ctx.Err()
	}
}

// Forget releases key so the next Do starts a new computation even if one is
// still running.
func (g *Group[T]) Forget(key string) {
	g.sf.Forget(key)
}

// Stats returns a snapshot of the counters.
func (g *Group[T]) Stats() Stats {
	return Stats{
		InFlight:   g.inFlight.Load(),
		Executions: g.executions.Load(),
		Shared:     g.shared.Load(),
		Abandoned:  g.abandoned.Load(),
	}
}
