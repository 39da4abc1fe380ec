// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the scratch buffers used to encode broker payloads.
package bufpool

import (
	"bytes"
	"sync"
)

// Buffers grown past this size by a large message are dropped rather than
// pooled.
const maxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// Bytes returns a copy of the contents of b without a trailing newline.
func Bytes(b *bytes.Buffer) []byte {
	out := bytes.TrimSuffix(b.Bytes(), []byte{'\n'})
	return append([]byte(nil), out...)
}
