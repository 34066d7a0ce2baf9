package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		push     []int
		want     []int
	}{
		{name: "empty", capacity: 3, push: nil, want: []int{}},
		{name: "partially filled", capacity: 3, push: []int{1, 2}, want: []int{1, 2}},
		{name: "exactly full", capacity: 3, push: []int{1, 2, 3}, want: []int{1, 2, 3}},
		{name: "overwrites oldest", capacity: 3, push: []int{1, 2, 3, 4, 5}, want: []int{3, 4, 5}},
		{name: "capacity floor", capacity: 0, push: []int{1, 2}, want: []int{2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRing[int](tt.capacity)
			for _, v := range tt.push {
				r.Push(v)
			}
			assert.Equal(t, tt.want, r.Slice())
			assert.Equal(t, len(tt.want), r.Len())
			assert.LessOrEqual(t, r.Len(), r.Cap())
		})
	}
}

func TestRingSliceIsCopy(t *testing.T) {
	r := NewRing[int](2)
	r.Push(1)
	out := r.Slice()
	out[0] = 99
	assert.Equal(t, []int{1}, r.Slice())
}
