// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flags

import "sync"

// event is one analytics event in the bulk events payload.
type event struct {
	Kind         string             `json:"kind"`
	Key          string             `json:"key,omitempty"`
	CreationDate int64              `json:"creationDate"`
	Context      *EvaluationContext `json:"context,omitempty"`
	Data         map[string]string  `json:"data,omitempty"`
}

// eventBuffer is a bounded FIFO of pending events.
type eventBuffer struct {
	mu       sync.Mutex
	events   []event
	capacity int
	dropped  int
}

func newEventBuffer(capacity int) *eventBuffer {
	return &eventBuffer{capacity: capacity}
}

// add appends e, evicting the oldest event when full.
func (b *eventBuffer) add(e event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) >= b.capacity {
		b.events = b.events[1:]
		b.dropped++
	}
	b.events = append(b.events, e)
}

// drain removes and returns all events.
func (b *eventBuffer) drain() []event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.events
	b.events = nil
	return out
}

// requeue puts batch back ahead of anything queued since it was drained.
func (b *eventBuffer) requeue(batch []event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := make([]event, 0, len(batch)+len(b.events))
	merged = append(merged, batch...)
	merged = append(merged, b.events...)
	if over := len(merged) - b.capacity; over > 0 {
		merged = merged[over:]
		b.dropped += over
	}
	b.events = merged
}

func (b *eventBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// takeDropped returns the number of events evicted since the last call.
func (b *eventBuffer) takeDropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.dropped
	b.dropped = 0
	return n
}
