// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"testing"
	"time"

	"github.com/d4l3k/messagediff"
)

func TestProgressEmitterThrottles(t *testing.T) {
	var got []Progress
	e := NewProgressEmitter(time.Hour, func(p Progress) {
		got = append(got, p)
	})

	fn := e.Phase(PhaseVerifying)
	for i := 1; i <= 5; i++ {
		fn("item", i, 5)
	}

	// The first update goes through, the next ones are throttled and the
	// last one is always sent.
	expected := []Progress{
		{Phase: PhaseVerifying, Item: "item", Completed: 1, Total: 5},
		{Phase: PhaseVerifying, Item: "item", Completed: 5, Total: 5},
	}
	if diff, equal := messagediff.PrettyDiff(expected, got); !equal {
		t.Errorf("unexpected progress:\n%s", diff)
	}
}

func TestProgressEmitterNoInterval(t *testing.T) {
	var got int
	e := NewProgressEmitter(0, func(Progress) { got++ })
	fn := e.Phase(PhaseUpdating)
	for i := 1; i <= 10; i++ {
		fn("item", i, 10)
	}
	if got != 10 {
		t.Errorf("expected 10 updates, got %d", got)
	}
}

func TestProgressEmitterNil(t *testing.T) {
	// Neither of these may panic.
	NewProgressEmitter(time.Second, nil).Phase(PhaseUpdating)("item", 1, 1)
	var e *ProgressEmitter
	e.Emit(Progress{})
}

func TestProgressEmitterPhaseSwitch(t *testing.T) {
	var got []Progress
	e := NewProgressEmitter(time.Hour, func(p Progress) {
		got = append(got, p)
	})

	e.Phase(PhaseVerifying)("a", 1, 3)
	e.Phase(PhaseUpdating)("b", 1, 4)
	e.Phase(PhaseUpdating)("b", 2, 4)

	// A new phase starts unthrottled.
	expected := []Progress{
		{Phase: PhaseVerifying, Item: "a", Completed: 1, Total: 3},
		{Phase: PhaseUpdating, Item: "b", Completed: 1, Total: 4},
	}
	if diff, equal := messagediff.PrettyDiff(expected, got); !equal {
		t.Errorf("unexpected progress:\n%s", diff)
	}
}

func TestProgressEmitterOutOfOrder(t *testing.T) {
	var got []int
	e := NewProgressEmitter(0, func(p Progress) {
		got = append(got, p.Completed)
	})

	fn := e.Phase(PhaseUpdating)
	for _, completed := range []int{1, 3, 2, 4, 4, 1} {
		fn("item", completed, 4)
	}
	if diff, equal := messagediff.PrettyDiff([]int{1, 3, 4, 4}, got); !equal {
		t.Errorf("unexpected progress:\n%s", diff)
	}

	// The count starts over in the next phase.
	e.Phase(PhaseVerifying)("item", 1, 2)
	if got[len(got)-1] != 1 {
		t.Errorf("first update of a new phase dropped: %v", got)
	}
}
