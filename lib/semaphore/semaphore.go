// Copyright (C) 2018 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package semaphore implements the counting semaphores that bound disk,
// network and decompression work.
package semaphore

import (
	"context"
	"sync"
)

type Semaphore struct {
	max       int
	available int
	mut       sync.Mutex
	cond      *sync.Cond
}

func New(max int) *Semaphore {
	if max < 1 {
		max = 1
	}
	s := Semaphore{
		max:       max,
		available: max,
	}
	s.cond = sync.NewCond(&s.mut)
	return &s
}

// TakeWithContext blocks until size units are available or the context is
// done. Requests larger than the capacity are clamped to it.
func (s *Semaphore) TakeWithContext(ctx context.Context, size int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Wake all waiters when the context is cancelled so that they can
	// notice and bail out.
	stop := context.AfterFunc(ctx, func() {
		s.mut.Lock()
		s.cond.Broadcast()
		s.mut.Unlock()
	})
	defer stop()

	s.mut.Lock()
	defer s.mut.Unlock()
	if size > s.max {
		size = s.max
	}
	for size > s.available {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.available -= size
	return nil
}

func (s *Semaphore) Take(size int) {
	_ = s.TakeWithContext(context.Background(), size)
}

func (s *Semaphore) Give(size int) {
	s.mut.Lock()
	if size > s.max {
		size = s.max
	}
	if s.available+size > s.max {
		panic("bug: can never give more than max")
	}
	s.available += size
	s.cond.Broadcast()
	s.mut.Unlock()
}

// Do runs fn while holding one unit of the semaphore.
func (s *Semaphore) Do(ctx context.Context, fn func() error) error {
	if err := s.TakeWithContext(ctx, 1); err != nil {
		return err
	}
	defer s.Give(1)
	return fn()
}

func (s *Semaphore) Capacity() int {
	return s.max
}

func (s *Semaphore) Available() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.available
}
