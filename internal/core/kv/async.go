package kv

import (
	"context"
	"sync"

	"github.com/dcrodman/tbs/internal/core/doc"
)

// Async runs Store operations off the caller's goroutine and hands each
// completion to Complete, which is expected to hop back onto the owning
// event loop (usually by sending on a channel it selects on). Callers never
// block on storage I/O.
type Async struct {
	Store Store
	// Complete receives the continuation of every operation. When nil the
	// continuation runs on the worker goroutine.
	Complete func(func())

	wg sync.WaitGroup
}

func (a *Async) finish(fn func()) {
	if a.Complete != nil {
		a.Complete(fn)
		return
	}
	fn()
}

// Get fetches namespace/key and calls cb with the result.
func (a *Async) Get(ctx context.Context, namespace, key string, cb func(doc.Value, error)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		v, err := a.Store.Get(ctx, namespace, key)
		a.finish(func() { cb(v, err) })
	}()
}

// Put writes namespace/key and calls cb (which may be nil) with the result.
func (a *Async) Put(ctx context.Context, namespace, key string, value doc.Value, mode PutMode, cb func(error)) {
	// Snapshot the value now so later mutations by the caller don't race the write.
	value = doc.Clone(value)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := a.Store.Put(ctx, namespace, key, value, mode)
		if cb != nil {
			a.finish(func() { cb(err) })
		}
	}()
}

// Delete removes namespace/key and calls cb (which may be nil) with the result.
func (a *Async) Delete(ctx context.Context, namespace, key string, cb func(error)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := a.Store.Delete(ctx, namespace, key)
		if cb != nil {
			a.finish(func() { cb(err) })
		}
	}()
}

// Wait blocks until every in-flight operation has run against the store.
func (a *Async) Wait() {
	a.wg.Wait()
}
