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

// Package bufpool manages reusable byte buffers for the gateway framed
// transport (C1), which would otherwise allocate a fresh buffer per frame
// read/write under sustained multiplex traffic.
package bufpool

import "sync"

// BytePool hands out zeroed byte slices of a fixed capacity.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool returns a pool of slices with the given capacity.
func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a slice of the pool's configured capacity.
func (p *BytePool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return *b
}

// Put zeroes and returns a slice to the pool. Slices not obtained from Get
// are simply dropped if undersized.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	for i := range b {
		b[i] = 0
	}
	p.pool.Put(&b)
}

// Size returns the pool's configured slice capacity.
func (p *BytePool) Size() int { return p.size }
