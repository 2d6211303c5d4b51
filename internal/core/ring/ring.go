// Package ring provides a fixed-capacity buffer of float64 samples used for
// rolling statistics.
package ring

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned by Get for an index outside [0, Len()).
var ErrOutOfRange = errors.New("index out of range")

// Buffer keeps the most recent Cap() values. Once full, each Push overwrites
// the oldest value. It is meant for a single owner; callers that share one
// across goroutines must lock around it.
type Buffer struct {
	data   []float64
	head   int // next write position
	tail   int // oldest value
	length int
}

// New creates a buffer holding up to capacity values. Capacity below 1 is
// raised to 1.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]float64, max(capacity, 1))}
}

// Push appends v, evicting the oldest value when the buffer is full.
func (b *Buffer) Push(v float64) {
	b.data[b.head] = v
	b.head = (b.head + 1) % len(b.data)
	if b.length == len(b.data) {
		b.tail = (b.tail + 1) % len(b.data)
	} else {
		b.length++
	}
}

// Get returns the i-th oldest retained value.
func (b *Buffer) Get(i int) (float64, error) {
	if i < 0 || i >= b.length {
		return 0, fmt.Errorf("get %d of %d: %w", i, b.length, ErrOutOfRange)
	}
	return b.data[(b.tail+i)%len(b.data)], nil
}

// Average is the arithmetic mean of the retained values, 0 when empty.
func (b *Buffer) Average() float64 {
	if b.length == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < b.length; i++ {
		sum += b.data[(b.tail+i)%len(b.data)]
	}
	return sum / float64(b.length)
}

// Len is the number of retained values.
func (b *Buffer) Len() int { return b.length }

// Cap is the fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }
