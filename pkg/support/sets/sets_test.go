// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := MakeWith(5, 3, 7)
	assert.True(t, s.Has(3))
	assert.False(t, s.Has(4))
	assert.True(t, s.InsertNew(4))
	assert.False(t, s.InsertNew(4))
	assert.Equal(t, []int{3, 4, 5, 7}, Sorted(s))
}

func TestIntersect(t *testing.T) {
	s := MakeWith(1, 2, 3, 4)
	assert.Equal(t, []int{2, 4}, Sorted(s.Intersect(MakeWith(2, 4, 6))))
	assert.Empty(t, s.Intersect(Make[int]()))
}
