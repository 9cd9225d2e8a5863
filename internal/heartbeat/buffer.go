package heartbeat

import (
	"errors"
	"fmt"
)

// ErrOutOfOrder is returned when a point is older than the buffer's last point.
var ErrOutOfOrder = errors.New("heartbeat point out of order")

// MinBufferSize is the smallest usable capacity: the anchor plus the two
// newest points, so pnl_shift compares consecutive ticks rather than the
// latest tick with the anchor.
const MinBufferSize = 3

// Buffer is a bounded, time-ordered window of points. The first point
// (the anchor, when the position was first seen) survives eviction so
// position age can always be measured; the oldest point after it is
// evicted instead.
type Buffer struct {
	capacity int
	points   []Point
}

// NewBuffer creates a buffer holding up to capacity points.
func NewBuffer(capacity int) *Buffer {
	if capacity < MinBufferSize {
		capacity = MinBufferSize
	}
	return &Buffer{capacity: capacity, points: make([]Point, 0, capacity)}
}

// Append adds p, evicting if full. Timestamps must be non-decreasing.
func (b *Buffer) Append(p Point) error {
	if n := len(b.points); n > 0 && p.TS < b.points[n-1].TS {
		return fmt.Errorf("%w: %d before %d", ErrOutOfOrder, p.TS, b.points[n-1].TS)
	}
	b.points = append(b.points, p)
	if len(b.points) > b.capacity {
		b.points = append(b.points[:1], b.points[2:]...)
	}
	return nil
}

// Points returns a copy of the buffered points, oldest first.
func (b *Buffer) Points() []Point {
	out := make([]Point, len(b.points))
	copy(out, b.points)
	return out
}

// Len returns the number of buffered points.
func (b *Buffer) Len() int { return len(b.points) }

// Capacity returns the configured capacity.
func (b *Buffer) Capacity() int { return b.capacity }

// Anchor returns the first point.
func (b *Buffer) Anchor() (Point, bool) {
	if len(b.points) == 0 {
		return Point{}, false
	}
	return b.points[0], true
}

// Last returns the newest point.
func (b *Buffer) Last() (Point, bool) {
	if len(b.points) == 0 {
		return Point{}, false
	}
	return b.points[len(b.points)-1], true
}

// Reset drops every point.
func (b *Buffer) Reset() {
	b.points = b.points[:0]
}
