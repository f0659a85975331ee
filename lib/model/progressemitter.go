// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"fmt"
	"sync"
	"time"

	"github.com/syncthing/bundlesync/lib/scanner"
)

const (
	PhaseVerifying = "Verifying"
	PhaseUpdating  = "Updating"
)

// Progress is a snapshot of how far a phase has come.
type Progress struct {
	Phase     string
	Item      string
	Completed int
	Total     int
}

func (p Progress) String() string {
	return fmt.Sprintf("%s %d/%d: %s", p.Phase, p.Completed, p.Total, p.Item)
}

// A ProgressEmitter forwards progress to a callback, at most once per
// interval. The first and last items of a phase are always forwarded, and
// the completed count never goes backwards within a phase.
type ProgressEmitter struct {
	interval time.Duration
	fn       func(Progress)

	mut       sync.Mutex
	phase     string
	last      time.Time
	completed int // highest count seen in phase
}

// NewProgressEmitter returns an emitter calling fn, which may be nil. An
// interval of zero or less forwards every update.
func NewProgressEmitter(interval time.Duration, fn func(Progress)) *ProgressEmitter {
	return &ProgressEmitter{
		interval: interval,
		fn:       fn,
	}
}

// Emit forwards p unless another update of the same phase was forwarded
// less than an interval ago, or p is older than an update already seen.
// Calls are serialized.
func (e *ProgressEmitter) Emit(p Progress) {
	if e == nil || e.fn == nil {
		return
	}

	e.mut.Lock()
	defer e.mut.Unlock()
	if p.Phase != e.phase {
		e.phase = p.Phase
		e.last = time.Time{}
		e.completed = 0
	} else if p.Completed < e.completed {
		// Workers finish out of order.
		return
	}
	e.completed = p.Completed
	now := time.Now()
	if p.Completed < p.Total && now.Sub(e.last) < e.interval {
		return
	}
	e.last = now
	e.fn(p)
}

// Phase returns a progress function reporting into the named phase.
func (e *ProgressEmitter) Phase(name string) scanner.ProgressFunc {
	return func(item string, completed, total int) {
		e.Emit(Progress{Phase: name, Item: item, Completed: completed, Total: total})
	}
}
