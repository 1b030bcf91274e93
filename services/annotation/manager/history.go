// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package manager

// DefaultHistorySize is the number of local changes kept for Undo.
const DefaultHistorySize = 100

// ringBuffer is a fixed-size circular stack of submitted changes.
//
// # Description
//
// Push is O(1) and memory is bounded. When full, the oldest entry is
// overwritten, so Undo can walk back at most capacity changes.
//
// # Thread Safety
//
// NOT safe for concurrent use; Manager holds its mutex around every call.
type ringBuffer[T any] struct {
	data  []T
	head  int // next write position
	count int
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &ringBuffer[T]{data: make([]T, capacity)}
}

// Push adds item as the newest entry, dropping the oldest when full.
func (r *ringBuffer[T]) Push(item T) {
	r.data[r.head] = item
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// PopNewest removes and returns the most recently pushed entry.
func (r *ringBuffer[T]) PopNewest() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	r.head = (r.head - 1 + len(r.data)) % len(r.data)
	item := r.data[r.head]
	r.data[r.head] = zero // clear reference
	r.count--
	return item, true
}

// Slice returns the entries from oldest to newest as a copy.
func (r *ringBuffer[T]) Slice() []T {
	if r.count == 0 {
		return nil
	}
	out := make([]T, r.count)
	start := (r.head - r.count + len(r.data)) % len(r.data)
	for i := range out {
		out[i] = r.data[(start+i)%len(r.data)]
	}
	return out
}

// Len returns the number of entries.
func (r *ringBuffer[T]) Len() int { return r.count }

// Clear drops every entry.
func (r *ringBuffer[T]) Clear() {
	clear(r.data)
	r.head = 0
	r.count = 0
}
