// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements small synchronization primitives missing from the standard library.
package xsync

import (
	"context"
	"sync"
)

// Latch is a one-way barrier: it starts closed, and once triggered it stays open forever.
// Any number of goroutines can wait on it.
//
// The zero value is not usable, create it with NewLatch.
type Latch struct {
	once sync.Once
	ch   chan struct{}
}

// NewLatch returns a Latch ready to use.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Trigger opens the latch, releasing all waiting goroutines. Calling it more than once is a no-op.
func (l *Latch) Trigger() {
	l.once.Do(func() { close(l.ch) })
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.ch
}

// WaitContext blocks until the latch is triggered or ctx is done, in which case it returns ctx.Err().
func (l *Latch) WaitContext(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitChan returns a channel closed when the latch is triggered. Useful in select statements.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.ch
}

// Test returns whether the latch has been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}
