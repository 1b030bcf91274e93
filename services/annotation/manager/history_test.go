// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBuffer_OverwritesOldest(t *testing.T) {
	r := newRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Slice())

	v, ok := r.PopNewest()
	assert.True(t, ok)
	assert.Equal(t, 5, v)
	assert.Equal(t, []int{3, 4}, r.Slice())

	r.Push(6)
	assert.Equal(t, []int{3, 4, 6}, r.Slice())
}

func TestRingBuffer_PopEmpty(t *testing.T) {
	r := newRingBuffer[string](0)
	_, ok := r.PopNewest()
	assert.False(t, ok)
	assert.Nil(t, r.Slice())

	r.Push("a")
	r.Clear()
	assert.Zero(t, r.Len())
	_, ok = r.PopNewest()
	assert.False(t, ok)
}
