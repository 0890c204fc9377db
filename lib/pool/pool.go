/*
Copyright 2024 Gravitational Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pool implements the HTTP/1 and HTTP/2 upstream client pools
// (spec §4.5 C5): a map identity → client with get-or-create access,
// idle eviction, and the disposal rules a broken or WebSocket-upgraded
// client triggers.
package pool

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Factory builds a fresh client for identity when none is pooled yet.
type Factory[T io.Closer] func(ctx context.Context) (T, error)

type entry[T io.Closer] struct {
	client    T
	createdAt time.Time
	lastUsed  time.Time
}

// Pool is a generic keyed client pool (spec §4.5: "a map identity → client
// with access via get(identity, connect_timeout, factory_if_absent)").
type Pool[T io.Closer] struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]entry[T]
}

// NewPool builds an empty pool. clock defaults to the real clock.
func NewPool[T io.Closer](clock clockwork.Clock) *Pool[T] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pool[T]{clock: clock, entries: make(map[string]entry[T])}
}

// Get returns the pooled client for identity, or builds one with factory
// under connectTimeout if absent.
func (p *Pool[T]) Get(ctx context.Context, identity string, connectTimeout time.Duration, factory Factory[T]) (T, error) {
	p.mu.Lock()
	if e, ok := p.entries[identity]; ok {
		e.lastUsed = p.clock.Now()
		p.entries[identity] = e
		p.mu.Unlock()
		return e.client, nil
	}
	p.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := factory(connectCtx)
	if err != nil {
		var zero T
		return zero, trace.Wrap(err)
	}

	p.mu.Lock()
	if existing, ok := p.entries[identity]; ok {
		p.mu.Unlock()
		_ = client.Close()
		return existing.client, nil
	}
	now := p.clock.Now()
	p.entries[identity] = entry[T]{client: client, createdAt: now, lastUsed: now}
	p.mu.Unlock()

	return client, nil
}

// ConnectedAt reports when identity's current pooled client was created,
// used by the pipeline's retry rule to tell a stale-but-disposed connection
// (evict and retry immediately) from a fresh one that simply wasn't ready
// yet (retry once after a short delay, spec §4.9 step 11).
func (p *Pool[T]) ConnectedAt(identity string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[identity]
	return e.createdAt, ok
}

// Remove evicts identity's entry (if present) and closes its client — the
// disposal path for a canceled/broken-pipe client or one that successfully
// upgraded to WebSocket (spec §4.5 "Disposal rules").
func (p *Pool[T]) Remove(identity string) {
	p.mu.Lock()
	e, ok := p.entries[identity]
	delete(p.entries, identity)
	p.mu.Unlock()
	if ok {
		_ = e.client.Close()
	}
}

// GC closes and evicts every client idle beyond threshold. Called
// periodically by the external timer scaffolding (spec §1 non-goal).
func (p *Pool[T]) GC(threshold time.Duration) {
	now := p.clock.Now()

	p.mu.Lock()
	var stale []T
	for id, e := range p.entries {
		if now.Sub(e.lastUsed) >= threshold {
			stale = append(stale, e.client)
			delete(p.entries, id)
		}
	}
	p.mu.Unlock()

	for _, c := range stale {
		_ = c.Close()
	}
}

// Len reports the number of pooled entries, used by metrics and tests.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
