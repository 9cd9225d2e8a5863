package heartbeat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferKeepsAnchorOnEviction(t *testing.T) {
	b := NewBuffer(3)
	for i := int64(0); i < 6; i++ {
		require.NoError(t, b.Append(Point{TS: i * 1000}))
	}
	got := b.Points()
	require.Len(t, got, 3)
	assert.Equal(t, int64(0), got[0].TS, "anchor retained")
	assert.Equal(t, int64(4000), got[1].TS)
	assert.Equal(t, int64(5000), got[2].TS)
}

func TestBufferRejectsOutOfOrder(t *testing.T) {
	b := NewBuffer(4)
	require.NoError(t, b.Append(Point{TS: 10}))
	require.NoError(t, b.Append(Point{TS: 10}), "equal timestamps are allowed")
	err := b.Append(Point{TS: 9})
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, 2, b.Len())
}

func TestBufferMinimumCapacity(t *testing.T) {
	for _, capacity := range []int{0, 2} {
		b := NewBuffer(capacity)
		assert.Equal(t, MinBufferSize, b.Capacity())
		for ts := int64(1); ts <= 4; ts++ {
			require.NoError(t, b.Append(Point{TS: ts}))
		}
		anchor, _ := b.Anchor()
		last, _ := b.Last()
		assert.Equal(t, int64(1), anchor.TS)
		assert.Equal(t, int64(4), last.TS)
		assert.Len(t, b.Points(), 3)
	}
}

func TestSmallBufferPnlShiftUsesPreviousTick(t *testing.T) {
	cfg := TriggerConfig{PnlShiftPct: 1.5}
	b := NewBuffer(2)
	state := NewFireState()

	var fired [][]Trigger
	for i, roe := range []float64{0, 5.0, 5.1} {
		ts := int64(i) * 1000
		require.NoError(t, b.Append(Point{TS: ts, Mid: 100, RoePct: roe, LiqDistPct: 50}))
		fired = append(fired, EvaluatePure(b.Points(), cfg, ts, state))
	}

	points := b.Points()
	require.Len(t, points, 3)
	assert.Equal(t, 5.0, points[1].RoePct, "previous tick is kept next to the anchor")
	assert.Equal(t, []Trigger{PnlShift}, fired[1])
	assert.Empty(t, fired[2], "a 0.1 move is below threshold")
	assert.False(t, Conditions(points, cfg, 2000)[PnlShift])
}

func TestBufferPointsIsACopy(t *testing.T) {
	b := NewBuffer(3)
	require.NoError(t, b.Append(Point{TS: 1, RoePct: 1}))
	p := b.Points()
	p[0].RoePct = 99
	anchor, _ := b.Anchor()
	assert.Equal(t, 1.0, anchor.RoePct)

	b.Reset()
	_, ok := b.Last()
	assert.False(t, ok)
}
