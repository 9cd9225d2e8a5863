package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"perp-risk-agent/internal/journal"
	"perp-risk-agent/internal/quality"
)

func TestWriteSegmentsMarksWarmup(t *testing.T) {
	var buf bytes.Buffer
	writeSegments(&buf, []quality.SegmentStats{
		{Key: quality.SegmentKey{SignalClass: "breakout"}, Samples: 3, Score: 0.7},
		{Key: quality.SegmentKey{SignalClass: "reversion"}, Samples: 12, Score: 0.3},
	}, 10)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[1], "warming up")
	assert.NotContains(t, lines[2], "warming up")
}

func TestWriteSymbolsSortsByRealized(t *testing.T) {
	now := time.Now()
	entries := []journal.Entry{
		journal.New("ETHUSDT", "a", journal.OutcomeOK, &journal.TradeClose{RealizedPnl: -4}, now),
		journal.New("BTCUSDT", "b", journal.OutcomeExecuted, &journal.TradeExecution{Side: "BUY", ClientOrderID: "c"}, now),
		journal.New("BTCUSDT", "b", journal.OutcomeOK, &journal.TradeClose{RealizedPnl: 12.5}, now),
	}

	var buf bytes.Buffer
	writeSymbols(&buf, entries)

	out := buf.String()
	assert.Less(t, strings.Index(out, "BTCUSDT"), strings.Index(out, "ETHUSDT"))
	assert.Contains(t, out, "12.50")
	assert.Contains(t, out, "-4.00")
}
