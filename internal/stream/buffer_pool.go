// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package stream copies archives between files, upstream bodies and HTTP
// responses using pooled buffers.
package stream

import (
	"io"
	"sync"
)

const bufferSize = 32 * 1024

// BufferPool provides a thread-safe pool of byte slices for archive copies
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool creates a new buffer pool with 32KB buffers
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, bufferSize)
				return &b
			},
		},
	}
}

// Get returns a buffer from the pool
func (p *BufferPool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool
func (p *BufferPool) Put(buf []byte) {
	// Only pool buffers of the expected size to avoid memory bloat
	if cap(buf) == bufferSize {
		buf = buf[:bufferSize]
		p.pool.Put(&buf)
	}
}

// Copy is io.CopyBuffer with a pooled buffer.
func (p *BufferPool) Copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := p.Get()
	defer p.Put(buf)
	return io.CopyBuffer(dst, src, buf)
}

var defaultPool = NewBufferPool()

// Copy copies src to dst using the shared pool.
func Copy(dst io.Writer, src io.Reader) (int64, error) {
	return defaultPool.Copy(dst, src)
}
