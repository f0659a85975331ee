// Copyright (C) 2018 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package semaphore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestZeroCapacityIsOne(t *testing.T) {
	s := New(0)
	if s.Capacity() != 1 {
		t.Fatalf("capacity %d, expected 1", s.Capacity())
	}
}

func TestTakeGive(t *testing.T) {
	s := New(3)
	s.Take(2)
	if a := s.Available(); a != 1 {
		t.Fatalf("available %d, expected 1", a)
	}
	// Oversized requests are clamped to the capacity.
	done := make(chan struct{})
	go func() {
		s.Take(10)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("take should have blocked")
	case <-time.After(50 * time.Millisecond):
	}
	s.Give(2)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("take should have unblocked")
	}
	if a := s.Available(); a != 0 {
		t.Fatalf("available %d, expected 0", a)
	}
}

func TestTakeWithContextCancel(t *testing.T) {
	s := New(1)
	s.Take(1)

	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error)
	go func() {
		errC <- s.TakeWithContext(ctx, 1)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errC:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled take did not return")
	}
	if a := s.Available(); a != 0 {
		t.Fatalf("available %d, expected 0 after cancelled take", a)
	}
}

func TestDoBoundsConcurrency(t *testing.T) {
	const limit = 3
	s := New(limit)

	var cur, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(context.Background(), func() error {
				n := cur.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				cur.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > limit {
		t.Errorf("peak concurrency %d exceeds limit %d", p, limit)
	}
	if a := s.Available(); a != limit {
		t.Errorf("available %d after all done, expected %d", a, limit)
	}
}
